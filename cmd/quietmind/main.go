// cmd/quietmind is the entry point for the Quietmind daemon. It wires the
// encrypted payload store and the vector index through the memory engine,
// starts the reconciliation pass and the reminder scheduler, and keeps
// running until interrupted.
//
// Startup sequence:
//  1. Load .env (if present) and configuration from file + environment.
//  2. Build the cipher from the configured key or passphrase.
//  3. Open the SQLite database; connect the Postgres vector index when
//     configured.
//  4. Build the capability chain: OpenAI client (or in-process fakes when no
//     API key is set) behind a circuit breaker and a rate limiter.
//  5. Start the reconciler and the reminder scheduler.
//  6. Wait for SIGINT / SIGTERM, then drain and shut down.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/quietmind/quietmind/internal/backup"
	"github.com/quietmind/quietmind/internal/capability"
	"github.com/quietmind/quietmind/internal/config"
	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/engine"
	"github.com/quietmind/quietmind/internal/notify"
	"github.com/quietmind/quietmind/internal/reminder"
	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/internal/storage/postgres"
	"github.com/quietmind/quietmind/internal/storage/sqlite"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("quietmind: ")
	log.SetFlags(log.LstdFlags)

	configPath := flag.String("config", "quietmind.yaml", "path to the YAML config file (optional)")
	consoleBridge := flag.Bool("console-bridge", false, "consume the delivery outbox and print deliveries to the log")
	exportUser := flag.String("export-user", "", "export the user's decrypted records as JSON to stdout and exit")
	runBackup := flag.Bool("backup", false, "snapshot the database into the backups directory and exit")
	genKey := flag.Bool("generate-key", false, "print a fresh base64 encryption key and exit")
	flag.Parse()

	if *genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("failed to generate key: %v", err)
		}
		fmt.Println(key)
		return
	}

	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	cipher, err := buildCipher(cfg)
	if err != nil {
		log.Fatalf("failed to build cipher: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		log.Fatalf("failed to create data directory %q: %v", cfg.Storage.DataPath, err)
	}

	dbPath := filepath.Join(cfg.Storage.DataPath, "quietmind.db")

	if *runBackup {
		dest, err := backup.Snapshot(dbPath, backup.Config{
			Dir:      filepath.Join(cfg.Storage.DataPath, "backups"),
			KeepLast: 10,
		})
		if err != nil {
			log.Fatalf("backup failed: %v", err)
		}
		log.Printf("snapshot written to %s", dest)
		return
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database at %q: %v", dbPath, err)
	}
	defer store.Close()

	embedder, sentiment := buildCapabilities(cfg)

	vectors, cleanup, err := buildVectorIndex(cfg, store, embedder.Dimensions())
	if err != nil {
		log.Fatalf("failed to open vector index: %v", err)
	}
	defer cleanup()

	eng, err := engine.New(engine.Config{
		MaxWorkers:      cfg.Engine.MaxWorkers,
		SimilarityFloor: cfg.Engine.SimilarityFloor,
	}, cipher, store.PayloadStore(), vectors, embedder, sentiment)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	if *exportUser != "" {
		if err := runExport(eng, *exportUser); err != nil {
			log.Fatalf("export failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	reconciler, err := engine.NewReconciler(store.PayloadStore(), vectors, cfg.Engine.ReconcileInterval, cfg.Engine.ReconcileGracePeriod)
	if err != nil {
		log.Fatalf("failed to create reconciler: %v", err)
	}
	if err := reconciler.Start(ctx); err != nil {
		log.Fatalf("failed to start reconciler: %v", err)
	}
	defer reconciler.Stop()

	notifier := capability.NewBreakerNotifier(notify.NewOutboxNotifier(cfg.Storage.DataPath), capability.DefaultBreakerConfig())
	scheduler, err := reminder.NewScheduler(reminder.Config{
		SweepInterval:       cfg.Reminder.SweepInterval,
		MaxAttempts:         cfg.Reminder.MaxAttempts,
		BackoffBase:         cfg.Reminder.BackoffBase,
		BackoffCap:          cfg.Reminder.BackoffCap,
		StaleAttemptTimeout: cfg.Reminder.StaleAttemptTimeout,
	}, store.ReminderStore(), notifier, cipher)
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	if *consoleBridge {
		watcher := notify.NewOutboxWatcher(cfg.Storage.DataPath, func(d notify.Delivery) {
			log.Printf("deliver to %s: %s", d.UserID, d.Message)
		})
		if err := watcher.Start(); err != nil {
			log.Fatalf("failed to start outbox watcher: %v", err)
		}
		defer watcher.Stop()
	}

	log.Printf("quietmind running (vector backend: %s, data: %s)", cfg.Storage.VectorBackend, cfg.Storage.DataPath)
	<-ctx.Done()
	log.Println("shutting down")
}

// runExport writes the user's full decrypted record set to stdout as JSON,
// oldest first. Logging goes to stderr, so the output stream stays clean.
func runExport(eng *engine.Engine, userID string) error {
	records, err := eng.Export(context.Background(), userID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// buildCipher constructs the AEAD cipher from the configured key, falling
// back to passphrase derivation.
func buildCipher(cfg *config.Config) (*crypto.Cipher, error) {
	if cfg.Security.EncryptionKey != "" {
		return crypto.NewCipherFromBase64(cfg.Security.EncryptionKey)
	}
	return crypto.NewCipherFromPassphrase(cfg.Security.EncryptionPassphrase)
}

// buildCapabilities returns the embedding and sentiment capabilities. With an
// API key configured they talk to OpenAI behind a circuit breaker and a rate
// limiter; without one the in-process fakes keep local development working.
func buildCapabilities(cfg *config.Config) (capability.Embedder, capability.SentimentAnalyzer) {
	if cfg.Capability.OpenAIAPIKey == "" {
		log.Println("no OpenAI API key configured; using in-process embedding and sentiment fakes")
		return &capability.FakeEmbedder{}, &capability.FakeSentimentAnalyzer{}
	}

	client, err := capability.NewOpenAIClient(capability.OpenAIConfig{
		APIKey:         cfg.Capability.OpenAIAPIKey,
		BaseURL:        cfg.Capability.OpenAIBaseURL,
		EmbeddingModel: cfg.Capability.EmbeddingModel,
		SentimentModel: cfg.Capability.SentimentModel,
	})
	if err != nil {
		log.Fatalf("failed to create OpenAI client: %v", err)
	}

	breaker := capability.DefaultBreakerConfig()
	embedder := capability.NewRateLimitedEmbedder(
		capability.NewBreakerEmbedder(client, breaker),
		cfg.Capability.RequestsPerSecond,
	)
	sentiment := capability.NewRateLimitedSentimentAnalyzer(
		capability.NewBreakerSentimentAnalyzer(client, breaker),
		cfg.Capability.RequestsPerSecond,
	)
	return embedder, sentiment
}

// buildVectorIndex selects the vector backend. The SQLite view shares the
// main database; the Postgres index is a separate connection whose cleanup
// must not close the shared store.
func buildVectorIndex(cfg *config.Config, store *sqlite.Store, dimensions int) (storage.VectorIndex, func(), error) {
	switch cfg.Storage.VectorBackend {
	case "postgres":
		idx, err := postgres.NewVectorIndex(cfg.Storage.PostgresDSN, dimensions)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres vector index: %w", err)
		}
		return idx, func() { _ = idx.Close() }, nil
	default:
		return store.VectorIndex(), func() {}, nil
	}
}
