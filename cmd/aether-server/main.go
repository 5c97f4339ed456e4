// Command aether-server runs the RESP2 front-end over a Bitcask-backed
// key-value store, wiring internal/config, internal/bitcask, internal/kv,
// and internal/resp together the way cmd/main.go wired config, engine, and
// cli in the teacher.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jassi-singh/aether-kv/internal/bitcask"
	"github.com/jassi-singh/aether-kv/internal/config"
	"github.com/jassi-singh/aether-kv/internal/kv"
	"github.com/jassi-singh/aether-kv/internal/resp"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "config.yml", "path to a YAML config file")
		dataDir    = pflag.StringP("data-dir", "d", "", "override the configured data directory")
		host       = pflag.String("host", "", "override the configured listen host")
		port       = pflag.IntP("port", "p", 0, "override the configured listen port")
		verbose    = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("main: loading configuration", "path", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("main: failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	slog.Info("main: opening storage engine", "data_dir", cfg.DataDir)
	engine, err := bitcask.Open(cfg.EngineOptions())
	if err != nil {
		slog.Error("main: failed to open storage engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("main: error closing storage engine", "error", err)
		}
	}()

	store := kv.NewBitcaskStore(engine)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("main: failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	server := resp.NewServer(listener, store)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("main: shutdown requested", "signal", sig.String())
		if err := server.Close(); err != nil {
			slog.Error("main: error closing server", "error", err)
		}
	}()

	slog.Info("main: aether-server started", "addr", addr)
	if err := server.Serve(); err != nil {
		slog.Error("main: server error", "error", err)
		os.Exit(1)
	}
}
