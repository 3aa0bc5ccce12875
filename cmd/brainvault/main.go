// Command brainvault serves isolated, named note memories over MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	flag "github.com/spf13/pflag"

	"github.com/DatanoiseTV/brainvault/internal/config"
	"github.com/DatanoiseTV/brainvault/internal/embed"
	"github.com/DatanoiseTV/brainvault/internal/federation"
	"github.com/DatanoiseTV/brainvault/internal/logging"
	"github.com/DatanoiseTV/brainvault/internal/memory"
	"github.com/DatanoiseTV/brainvault/internal/metrics"
	"github.com/DatanoiseTV/brainvault/internal/notes"
	"github.com/DatanoiseTV/brainvault/internal/registry"
	"github.com/DatanoiseTV/brainvault/internal/search"
	"github.com/DatanoiseTV/brainvault/internal/session"
	"github.com/DatanoiseTV/brainvault/internal/tools"
)

func main() {
	testMode := flag.BoolP("test", "t", false, "Run in interactive CLI test mode")
	configPath := flag.String("config", "", "Path to config.json (default ~/.brainvault/config.json)")
	dataDir := flag.String("data-dir", "", "Directory for the registry, notes and index")
	httpAddr := flag.String("http", "", "Serve MCP over streamable HTTP on this address instead of stdio")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	writeConfig := flag.Bool("write-config", false, "Write the effective config to --config and exit")
	flag.Parse()

	bootLogger, _ := logging.New(os.Stderr, "info")

	cfg, err := config.Load(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if *writeConfig {
		if err := config.Save(cfg, *configPath, bootLogger); err != nil {
			bootLogger.Error("failed to write config", "error", err)
			os.Exit(1)
		}
		return
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		bootLogger.Error("invalid log level", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *testMode, logger); err != nil {
		logger.Error("brainvault stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, testMode bool, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry.db"), logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	store, err := notes.Open(filepath.Join(cfg.DataDir, "notes"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	embFunc, err := embed.New(ctx, embed.Options{
		Provider:      cfg.EmbeddingProvider,
		GeminiAPIKey:  cfg.Gemini.APIKey,
		GeminiModel:   cfg.Gemini.EmbeddingModel,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
		OpenAIModel:   cfg.OpenAI.EmbeddingModel,
	})
	if err != nil {
		return err
	}

	idx, err := search.NewIndex(store, embFunc, filepath.Join(cfg.DataDir, "index"), logger)
	if err != nil {
		return err
	}

	var collector metrics.Collector = metrics.NewNoopCollector()
	if cfg.MetricsAddr != "" {
		prom := metrics.NewCollector()
		collector = prom
		go serveMetrics(ctx, cfg.MetricsAddr, prom.Handler(), logger)
	}

	mgr, err := memory.New(ctx, memory.Deps{
		Registry: reg,
		Notes:    store,
		Index:    idx,
		Sessions: session.NewRegistry(),
		Metrics:  collector,
		Logger:   logger,
	}, memory.Options{
		MaxMemories:        cfg.MaxMemories,
		DefaultName:        cfg.DefaultMemory,
		RequireEmptyDelete: cfg.RequireEmptyDelete,
	})
	if err != nil {
		return err
	}
	if err := mgr.Reindex(ctx); err != nil {
		logger.Warn("reindex incomplete", "error", err)
	}

	fed := federation.New(mgr, idx, federation.Options{
		Workers:           cfg.Search.Workers,
		PerArchiveTimeout: cfg.Search.PerArchiveTimeout(),
		DefaultLimit:      cfg.Search.DefaultLimit,
		MaxLimit:          cfg.Search.MaxLimit,
		Metrics:           collector,
		Logger:            logger,
	})

	app := tools.New(mgr, fed, logger)
	if testMode {
		app.RunCLI(ctx, os.Stdin, os.Stdout)
		return nil
	}

	s := app.NewServer()
	if cfg.HTTPAddr != "" {
		return serveHTTP(ctx, s, cfg.HTTPAddr, logger)
	}

	logger.Info("brainvault server starting on stdio",
		"data_dir", cfg.DataDir,
		"embedding_provider", cfg.EmbeddingProvider,
		"max_memories", cfg.MaxMemories)
	err = server.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, s *server.MCPServer, addr string, logger *slog.Logger) error {
	httpServer := server.NewStreamableHTTPServer(s)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("brainvault server starting on http", "addr", addr)
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
