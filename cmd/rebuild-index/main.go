// Command rebuild-index repopulates the vector collections from the
// archived intelligence in Mongo. Incremental mode fills gaps, skipping
// items the index already holds; recreate mode clears the collections
// first after an interactive confirmation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"intelligence-hub/internal/config"
	"intelligence-hub/internal/docstore"
	"intelligence-hub/internal/embeddings"
	"intelligence-hub/internal/hub"
	"intelligence-hub/internal/logging"
	"intelligence-hub/internal/vectorstore"
	"intelligence-hub/pkg/types"
)

const (
	// batchSize pages the archive scan by _id.
	batchSize = 500
	// readyWait bounds the wait for the vector engine.
	readyWait = 2 * time.Minute
)

// Rebuild modes.
const (
	modeIncremental = "incremental"
	modeRecreate    = "recreate"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		mode       = flag.String("mode", modeIncremental, "rebuild mode: incremental or recreate")
		vectorURL  = flag.String("vector-url", "", "use a remote vector service at this base URL instead of the embedded engine")
		assumeYes  = flag.Bool("yes", false, "skip the recreate confirmation prompt")
	)
	flag.Parse()

	if *mode != modeIncremental && *mode != modeRecreate {
		fmt.Fprintf(os.Stderr, "Unknown mode %q: use %s or %s\n", *mode, modeIncremental, modeRecreate)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Hub.VectorDB.Enabled {
		fmt.Fprintln(os.Stderr, "Vector pipeline is disabled in the configuration; nothing to rebuild")
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

	if err := run(ctx, cfg, logger, *mode, *vectorURL, *assumeYes); err != nil {
		logger.Error("Rebuild failed", "error", err)
		_ = closeLogs()
		os.Exit(1)
	}
	_ = closeLogs()
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger, mode, vectorURL string, assumeYes bool) error {
	storeClient, err := docstore.Connect(ctx, &cfg.MongoDB, logger)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = storeClient.Close(closeCtx)
	}()
	archive := storeClient.Store(hub.ArchiveCollection)

	index, err := buildVectorIndex(ctx, cfg, logger, vectorURL)
	if err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyWait)
	defer cancel()
	if err := index.WaitUntilReady(readyCtx); err != nil {
		return fmt.Errorf("vector engine not ready: %w", err)
	}

	summary, fullText := vectorCollectionNames(&cfg.Hub.VectorDB)
	adapter := vectorstore.NewAdapter(index, summary, fullText, cfg.Hub.Analysis.FullTextSource, logger)

	for _, p := range cfg.Hub.VectorDB.Stores {
		if _, err := index.EnsureCollection(ctx, p.Name, p.ChunkSize, p.ChunkOverlap); err != nil {
			return fmt.Errorf("ensure collection %s: %w", p.Name, err)
		}
	}

	collections := []string{adapter.SummaryCollectionName(), adapter.FullTextCollectionName()}
	if mode == modeRecreate {
		if !assumeYes && !confirmClear(collections) {
			fmt.Println("Aborted.")
			return nil
		}
		for _, name := range collections {
			if err := index.Clear(ctx, name); err != nil {
				return fmt.Errorf("clear %s: %w", name, err)
			}
			logger.Info("Collection cleared", "collection", name)
		}
	}

	return rebuild(ctx, archive, adapter, mode, logger)
}

// confirmClear asks the operator before wiping the collections.
func confirmClear(collections []string) bool {
	fmt.Printf("This will clear %s and rebuild them from the archive.\n",
		strings.Join(collections, " and "))
	fmt.Print("Type 'yes' to continue: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

// archiveSource is the slice of the archive collection the scan needs.
type archiveSource interface {
	Find(ctx context.Context, filter bson.M, opts *docstore.FindOptions) ([]types.Document, error)
}

// rebuild walks the archive in _id order and indexes every item.
func rebuild(ctx context.Context, archive archiveSource, adapter *vectorstore.Adapter, mode string, logger logging.Logger) error {
	var (
		lastID  any
		scanned int
		indexed int
		skipped int
		failed  int
	)

	for {
		filter := bson.M{}
		if lastID != nil {
			filter["_id"] = bson.M{"$gt": lastID}
		}
		docs, err := archive.Find(ctx, filter, &docstore.FindOptions{
			Sort:  bson.D{{Key: "_id", Value: 1}},
			Limit: batchSize,
		})
		if err != nil {
			return fmt.Errorf("scan archive: %w", err)
		}
		if len(docs) == 0 {
			break
		}
		lastID = docs[len(docs)-1]["_id"]

		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				return err
			}
			scanned++

			id := doc.UUID()
			if id == "" {
				logger.Warn("Archived item without UUID skipped", "_id", doc["_id"])
				skipped++
				continue
			}

			if mode == modeIncremental {
				exists, err := adapter.HasItem(ctx, id)
				if err != nil {
					return fmt.Errorf("probe %s: %w", id, err)
				}
				if exists {
					skipped++
					continue
				}
			}

			item, err := types.ArchivedFromDocument(doc)
			if err != nil {
				logger.Warn("Archived item not indexable", "uuid", id, "error", err)
				failed++
				continue
			}
			if err := adapter.IndexItem(ctx, &item); err != nil {
				logger.Error("Index write failed", "uuid", id, "error", err)
				failed++
				continue
			}
			indexed++
		}

		logger.Info("Batch done", "scanned", scanned, "indexed", indexed,
			"skipped", skipped, "failed", failed)
		if len(docs) < batchSize {
			break
		}
	}

	logger.Info("Rebuild complete", "mode", mode, "scanned", scanned,
		"indexed", indexed, "skipped", skipped, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d items failed to index", failed)
	}
	return nil
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
