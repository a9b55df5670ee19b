package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"landsync/runtime/internal/snapshot"
)

// ExportLine is one JSONL row of the streaming replay export.
type ExportLine struct {
	TickID        int64               `json:"tickId"`
	StateSnapshot map[string]any      `json:"stateSnapshot"`
	StateHash     string              `json:"stateHash,omitempty"`
	ServerEvents  []ServerEventRecord `json:"serverEvents,omitempty"`
}

// Exporter streams one snappy-compressed JSONL line per committed tick, the
// companion artefact to the single record file.
type Exporter struct {
	mu     sync.Mutex
	file   *os.File
	stream *snappy.Writer
	closed bool
}

// NewExporter opens the export sink, creating parent directories as needed.
func NewExporter(path string) (*Exporter, error) {
	if path == "" {
		return nil, fmt.Errorf("export path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Exporter{file: file, stream: snappy.NewBufferedWriter(file)}, nil
}

// Append writes one tick line and flushes so tail readers can stream it.
func (e *Exporter) Append(tickID int64, snap snapshot.Snapshot, stateHash string, serverEvents []ServerEventRecord) error {
	if e == nil {
		return fmt.Errorf("exporter not initialised")
	}
	line := ExportLine{TickID: tickID, StateSnapshot: map[string]any(snap), StateHash: stateHash, ServerEvents: serverEvents}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("exporter already closed")
	}
	if _, err := e.stream.Write(data); err != nil {
		return err
	}
	if _, err := e.stream.Write([]byte("\n")); err != nil {
		return err
	}
	return e.stream.Flush()
}

// Close flushes and releases the underlying file.
func (e *Exporter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	if err := e.stream.Close(); err != nil {
		firstErr = err
	}
	if err := e.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ReadExport loads every line of an export file, sorted as written.
func ReadExport(path string) ([]ExportLine, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []ExportLine
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line ExportLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("parse export line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
