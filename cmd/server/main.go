package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "~/.parasitechat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	keyDir := flag.String("keys", "", "Directory holding the server key material (overrides config)")
	historyLimit := flag.Int("history-limit", 0, "Messages kept per conversation in the history replay (overrides config)")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address, e.g. localhost:6060")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("parasitechat relay %s\n", Version)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.HTTPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *keyDir != "" {
		config.Server.KeyDir = *keyDir
	}
	if *historyLimit != 0 {
		config.Limits.HistoryLimit = *historyLimit
	}

	serverConfig, err := config.ToServerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := os.MkdirAll(filepath.Dir(serverConfig.DatabasePath), 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create database directory")
	}

	// Keys load before anything listens; a corrupt key directory is fatal
	keys, err := crypto.LoadOrGenerate(serverConfig.KeyDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", serverConfig.KeyDir).Msg("failed to load key material")
	}

	srv, err := server.NewServer(serverConfig, keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	log.Info().
		Str("config", *configPath).
		Str("database", serverConfig.DatabasePath).
		Str("keys", serverConfig.KeyDir).
		Int("history_limit", serverConfig.HistoryLimit).
		Msg("configuration loaded")

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	log.Info().
		Str("version", Version).
		Int("port", serverConfig.HTTPPort).
		Str("websocket", fmt.Sprintf("ws://server:%d/ws", serverConfig.HTTPPort)).
		Msg("parasitechat relay started")

	if *pprofAddr != "" {
		go func() {
			log.Info().Str("addr", *pprofAddr).Msg("starting pprof server")
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Error().Err(err).Msg("pprof server stopped")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down server")
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	log.Info().Msg("server stopped")
}
