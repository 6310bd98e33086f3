// Command server runs the intelligence hub: document stores, the vector
// pipeline, the AI client pool, the scheduler and the HTTP surface, wired
// from one configuration tree and torn down in order on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"intelligence-hub/internal/aiclient"
	"intelligence-hub/internal/aipool"
	"intelligence-hub/internal/analyzer"
	"intelligence-hub/internal/api"
	"intelligence-hub/internal/config"
	"intelligence-hub/internal/conversation"
	"intelligence-hub/internal/docs"
	"intelligence-hub/internal/docstore"
	"intelligence-hub/internal/embeddings"
	"intelligence-hub/internal/hub"
	"intelligence-hub/internal/logging"
	"intelligence-hub/internal/recommend"
	"intelligence-hub/internal/scheduler"
	"intelligence-hub/internal/vectorstore"
)

const (
	shutdownTimeout = 30 * time.Second
	statsRefresh    = 2 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		showStats  = flag.Bool("stats", false, "render a live statistics display on the console")
		vectorURL  = flag.String("vector-url", "", "use a remote vector service at this base URL instead of the embedded engine")
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

	if err := run(ctx, cfg, logger, *showStats, *vectorURL); err != nil {
		logger.Error("Hub terminated", "error", err)
		_ = closeLogs()
		os.Exit(1)
	}
	_ = closeLogs()
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger, showStats bool, vectorURL string) error {
	if err := os.MkdirAll(cfg.Data.Path, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	storeClient, err := docstore.Connect(ctx, &cfg.MongoDB, logger)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	cache := storeClient.Store(hub.CacheCollection)
	archive := storeClient.Store(hub.ArchiveCollection)
	board := storeClient.Store(hub.RecommendationCollection)

	ledger, err := aiclient.OpenLedger(cfg.DataFile("ai_usage.db"))
	if err != nil {
		return fmt.Errorf("usage ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	pool := aipool.NewManager(logger, ledger)
	if err := registerClients(cfg, pool, logger, ledger); err != nil {
		return err
	}
	for group, limit := range cfg.Hub.GroupLimits {
		pool.SetGroupLimit(group, limit)
	}

	recorder, err := conversation.NewRecorder(cfg.Conversation.Path, logger)
	if err != nil {
		logger.Warn("Conversation recording disabled", "error", err)
		recorder = nil
	} else {
		defer func() { _ = recorder.Close() }()
	}

	prompt := analyzer.DefaultPrompt
	if path := cfg.Hub.Analysis.PromptFile; path != "" {
		if prompt, err = analyzer.LoadPrompt(path); err != nil {
			return fmt.Errorf("analysis prompt: %w", err)
		}
	}
	proxy := analyzer.New(prompt, recorder, logger)

	var index vectorstore.VectorIndex
	var vectors *vectorstore.Adapter
	if cfg.Hub.VectorDB.Enabled {
		if index, err = buildVectorIndex(ctx, cfg, logger, vectorURL); err != nil {
			return err
		}
		summary, fullText := vectorCollectionNames(&cfg.Hub.VectorDB)
		vectors = vectorstore.NewAdapter(index, summary, fullText, cfg.Hub.Analysis.FullTextSource, logger)
	}

	recommender := recommend.NewManager(archive, board, pool, proxy, "", logger)

	h, err := hub.New(hub.Options{
		Config:          cfg,
		Logger:          logger,
		Cache:           cache,
		Archive:         archive,
		Board:           board,
		Index:           index,
		Vectors:         vectors,
		Pool:            pool,
		Analyzer:        proxy,
		Recommender:     recommender,
		Scheduler:       scheduler.New(logger),
		CacheExporter:   cache,
		ArchiveExporter: archive,
		CloseStores:     storeClient.Close,
	})
	if err != nil {
		return err
	}
	if err := h.Startup(ctx); err != nil {
		return fmt.Errorf("hub startup: %w", err)
	}

	limiter := api.NewLimiter(cfg.Redis, logger)
	router, err := api.New(api.Options{
		Config:  cfg,
		Logger:  logger,
		Hub:     h,
		OpenAPI: docs.NewGenerator(cfg).JSON,
		Limiter: limiter,
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Service.Host, cfg.Web.Service.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Web service listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if showStats {
		go statsLoop(ctx, h, logger)
	}

	var failure error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case failure = <-serveErr:
		logger.Error("Web service failed", "error", failure)
	}

	// The parent context is already cancelled; shutdown gets its own.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Web service shutdown", "error", err)
	}
	if stopper, ok := limiter.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	if err := h.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("Hub shutdown incomplete", "error", err)
	}
	return failure
}

// buildVectorIndex selects the embedded engine or, given a base URL, the
// remote vector service.
func buildVectorIndex(ctx context.Context, cfg *config.Config, logger logging.Logger, vectorURL string) (vectorstore.VectorIndex, error) {
	if vectorURL != "" {
		logger.Info("Using remote vector service", "url", vectorURL)
		return vectorstore.NewClient(vectorURL), nil
	}
	embedder := embeddings.NewBreakerService(embeddings.NewOpenAIService(&cfg.Hub.VectorDB), logger)
	service, err := vectorstore.NewService(vectorstore.ServiceOptions{
		QdrantHost: cfg.Hub.VectorDB.QdrantHost,
		QdrantPort: cfg.Hub.VectorDB.QdrantPort,
		Embedder:   embedder,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("vector service: %w", err)
	}
	service.Start(ctx)
	return service, nil
}

// registerClients fills the pool from the configured roster, or from the
// single fallback service entry when no roster is given.
func registerClients(cfg *config.Config, pool *aipool.Manager, logger logging.Logger, ledger *aiclient.Ledger) error {
	roster := cfg.Hub.Clients
	if len(roster) == 0 {
		if cfg.Hub.AIService.URL == "" {
			return errors.New("no AI clients configured")
		}
		roster = []config.ClientConfig{fallbackEntry(cfg)}
	}

	internal, national := cfg.Hub.EffectiveTimeouts()
	proxy := cfg.Hub.AIService.ProxyURL()
	for _, cc := range roster {
		client, err := aiclient.Build(cc, aiclient.Options{
			Proxy:   proxy,
			Timeout: clientTimeout(cc.Group, internal, national),
			Logger:  logger,
			Ledger:  ledger,
		})
		if err != nil {
			return fmt.Errorf("ai client %s: %w", cc.Name, err)
		}
		if err := pool.RegisterClient(client); err != nil {
			return err
		}
	}
	return nil
}

// fallbackEntry shapes the single ai_service block into a roster entry. An
// enabled rotator turns it into the outer-rotating variant.
func fallbackEntry(cfg *config.Config) config.ClientConfig {
	entry := config.ClientConfig{
		Name:    "default",
		BaseURL: cfg.Hub.AIService.URL,
		Token:   cfg.Hub.AIService.Token,
		Model:   cfg.Hub.AIService.Model,
	}
	if cfg.Rotator.Enabled {
		entry.Variant = aiclient.VariantOuterRotating
		entry.KeysFile = cfg.Rotator.KeyFile
		entry.KeysRecordFile = cfg.DataFile("rotator_record.json")
		entry.BalanceThreshold = cfg.Rotator.Threshold
	}
	return entry
}

// clientTimeout picks the call budget by provider group: the national
// group takes the long profile, everything else the internal one.
func clientTimeout(group string, internal, national time.Duration) time.Duration {
	if strings.EqualFold(group, "national") {
		return national
	}
	return internal
}

// vectorCollectionNames maps the first two store profiles onto the
// summary and full-text collections. Empty names select the defaults.
func vectorCollectionNames(cfg *config.VectorDBConfig) (summary, fullText string) {
	if len(cfg.Stores) > 0 {
		summary = cfg.Stores[0].Name
	}
	if len(cfg.Stores) > 1 {
		fullText = cfg.Stores[1].Name
	}
	return summary, fullText
}

// statsLoop drives the console statistics display until shutdown.
func statsLoop(ctx context.Context, h *hub.Hub, logger logging.Logger) {
	console := logging.NewStatsConsole(logger)
	console.Show(h.Statistics())

	ticker := time.NewTicker(statsRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			console.Show(h.Statistics())
		}
	}
}
