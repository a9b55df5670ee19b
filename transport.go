package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"landsync/runtime/internal/config"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/logging"
	"landsync/runtime/internal/registry"
	"landsync/runtime/internal/wire"
)

const (
	writeWait          = 10 * time.Second // write deadline for outgoing frames
	pongWaitMultiplier = 2                // read deadline = pingInterval * multiplier
)

// Always allow localhost for dev convenience.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// Server owns the WebSocket listener and the per-connection pumps, handing
// decoded frames to the session router.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	router   *registry.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[ident.ClientID]*wsClient
}

// NewServer wires the transport adapter to a router.
func NewServer(cfg *config.Config, log *logging.Logger, router *registry.Router) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		router:  router,
		clients: make(map[ident.ClientID]*wsClient),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if _, ok := localHosts[host]; ok {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}

// wsClient pairs one websocket connection with its codec and outbound queue.
type wsClient struct {
	id     ident.ClientID
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	server *Server
	log    *logging.Logger

	codecMu sync.Mutex
	codec   *wire.Codec
	binary  bool

	closeOnce sync.Once
}

// HandleWS upgrades one HTTP request into a land connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients {
		s.mu.Unlock()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", logging.Error(err))
		return
	}
	conn.SetReadLimit(s.cfg.MaxPayloadBytes)

	//1.- The channel is negotiated by query parameter; the framing upgrades
	// after the join handshake.
	binary := r.URL.Query().Get("channel") == "binary"
	channel := wire.ChannelText
	if binary {
		channel = wire.ChannelBinary
	}

	clientID := ident.ClientID(uuid.NewString())
	client := &wsClient{
		id:     clientID,
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		server: s,
		log:    s.log.With(logging.String("client_id", string(clientID))),
		codec:  wire.NewCodec(wire.FramingJSON, channel),
		binary: binary,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()
	s.router.Connect(clientID, client)

	go client.writePump(s.cfg.PingInterval)
	go client.readPump(s.cfg.PingInterval)
	client.log.Info("client connected", logging.Bool("binary", binary))
}

// Send implements registry.Conn: frames are encoded with the connection's
// negotiated codec and queued; a stalled queue drops the client.
func (c *wsClient) Send(frame wire.Frame) {
	c.codecMu.Lock()
	data, err := c.codec.Encode(frame)
	//1.- The join response commits the framing for every later frame.
	if err == nil && frame.Kind == wire.KindJoinResponse && frame.JoinResponse.Success {
		if frame.JoinResponse.Encoding == "opcode" {
			channel := wire.ChannelText
			if c.binary {
				channel = wire.ChannelBinary
			}
			c.codec = wire.NewCodec(wire.FramingOpcode, channel)
		}
	}
	c.codecMu.Unlock()
	if err != nil {
		c.log.Errorf("encode failed", logging.Error(err))
		return
	}
	//2.- The send channel is never closed; the done channel gates shutdown so
	// late deliveries from an executor cannot panic.
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("send queue full, dropping client")
		c.close()
	}
}

// Kick implements registry.Conn for the kick-old path.
func (c *wsClient) Kick() {
	c.log.Info("client evicted")
	c.close()
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsClient) readPump(pingInterval time.Duration) {
	defer func() {
		c.server.dropClient(c)
	}()
	pongWait := pingInterval * pongWaitMultiplier
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.codecMu.Lock()
		frame, err := c.codec.Decode(data)
		c.codecMu.Unlock()
		if err != nil {
			//1.- Transport-level decode errors are logged and the frame dropped.
			c.log.Warn("frame decode failed", logging.Error(err))
			continue
		}
		c.server.router.HandleFrame(context.Background(), c.id, frame)
	}
}

func (c *wsClient) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	msgType := websocket.TextMessage
	if c.binary {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if present {
		s.router.Disconnect(context.Background(), c.id)
	}
	c.close()
	_ = c.conn.Close()
	c.log.Info("client disconnected")
}

// ClientCount reports the number of live connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleHealthz answers liveness probes.
func (s *Server) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// HandleStatusz reports connection and land counts for operators.
func (s *Server) HandleStatusz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"clients": s.ClientCount(),
		"lands":   s.router.Lands(),
	})
}

// Listen serves websocket and status endpoints until the context ends.
func (s *Server) Listen(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/healthz", s.HandleHealthz)
	mux.HandleFunc("/statusz", s.HandleStatusz)

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.log.Info("listening", logging.String("addr", listener.Addr().String()))
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
