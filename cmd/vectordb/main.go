// Command vectordb runs the vector service on its own: the qdrant-backed
// engine behind the HTTP surface the hub's remote client speaks. Deploy it
// when the embedding workload should live apart from the hub process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intelligence-hub/internal/config"
	"intelligence-hub/internal/embeddings"
	"intelligence-hub/internal/logging"
	"intelligence-hub/internal/vectorstore"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		port       = flag.Int("port", 0, "listen port (overrides vectordb.vector_db_port)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLogs, err := logging.New(logging.Options{
		Level:    logging.ParseLevel(cfg.Logging.LogLevel()),
		JSON:     cfg.Logging.JSON,
		FilePath: cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *port); err != nil {
		logger.Error("Vector service terminated", "error", err)
		_ = closeLogs()
		os.Exit(1)
	}
	_ = closeLogs()
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger, port int) error {
	embedder := embeddings.NewBreakerService(embeddings.NewOpenAIService(&cfg.Hub.VectorDB), logger)
	service, err := vectorstore.NewService(vectorstore.ServiceOptions{
		QdrantHost: cfg.Hub.VectorDB.QdrantHost,
		QdrantPort: cfg.Hub.VectorDB.QdrantPort,
		Embedder:   embedder,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("vector service: %w", err)
	}
	service.Start(ctx)

	if port == 0 {
		port = cfg.Hub.VectorDB.VectorDBPort
	}
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:              addr,
		Handler:           vectorstore.NewServer(service, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Backup streams and restore uploads can outlive the usual
		// request budget, so read/write stay unbounded here.
		IdleTimeout: 120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Vector service listening", "addr", addr,
			"qdrant", fmt.Sprintf("%s:%d", cfg.Hub.VectorDB.QdrantHost, cfg.Hub.VectorDB.QdrantPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var failure error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case failure = <-serveErr:
		logger.Error("Vector service failed", "error", failure)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Vector service shutdown", "error", err)
	}
	return failure
}
