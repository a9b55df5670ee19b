package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"landsync/runtime/internal/auth"
	"landsync/runtime/internal/config"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/land"
	"landsync/runtime/internal/lands"
	"landsync/runtime/internal/logging"
	"landsync/runtime/internal/record"
	"landsync/runtime/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.NewLogger(level, os.Stderr)

	routerOpts := []registry.RouterOption{registry.WithLogger(log)}
	if cfg.AdmissionSecret != "" {
		verifier, err := auth.NewVerifier(cfg.AdmissionSecret, 30*time.Second)
		if err != nil {
			log.Errorf("admission setup failed", logging.Error(err))
			os.Exit(1)
		}
		routerOpts = append(routerOpts, registry.WithVerifier(verifier))
	}
	if cfg.RecordDir != "" {
		recordDir := cfg.RecordDir
		exportRecords := cfg.ExportRecords
		routerOpts = append(routerOpts, registry.WithExecutorOptions(func(def *land.Definition, id ident.LandID) []land.Option {
			name := id.Type + "-" + id.Instance
			opts := []land.Option{
				land.WithRecordPath(filepath.Join(recordDir, name+".record.json.zst")),
			}
			if exportRecords {
				exporter, err := record.NewExporter(filepath.Join(recordDir, name+".jsonl.sz"))
				if err != nil {
					log.Errorf("exporter setup failed", logging.Error(err))
					return opts
				}
				opts = append(opts, land.WithExporter(exporter))
			}
			return opts
		}))
	}

	router := registry.NewRouter(routerOpts...)
	if err := router.RegisterDefinition(lands.Lobby()); err != nil {
		log.Errorf("definition registration failed", logging.Error(err))
		os.Exit(1)
	}

	server := NewServer(cfg, log, router)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.Listen(ctx)
	//1.- Finalize every land so records flush before the process exits.
	router.CloseAll()
	if err != nil {
		log.Errorf("server stopped", logging.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}
