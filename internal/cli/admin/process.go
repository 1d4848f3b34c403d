package admin

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pagedex-io/pagedex/internal/api/handlers"
	"github.com/pagedex-io/pagedex/internal/chunk"
	"github.com/pagedex-io/pagedex/internal/config"
	"github.com/pagedex-io/pagedex/internal/extract"
	"github.com/pagedex-io/pagedex/internal/openai"
	"github.com/pagedex-io/pagedex/internal/pipeline"
	"github.com/pagedex-io/pagedex/internal/queue"
	"github.com/pagedex-io/pagedex/internal/repository"
	"github.com/pagedex-io/pagedex/internal/server"
	"github.com/pagedex-io/pagedex/internal/storage"
)

// ProcessMessagesCmd returns the process-messages command
func ProcessMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-messages",
		Short: "Run the document pipeline worker",
		Long:  "Consume work items from the configured queues and run the ingestion pipeline until interrupted",
		RunE:  runProcessMessages,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port for the operator HTTP endpoint")
	cmd.Flags().String("queues", "", "Comma-separated queue selection (default: ingest and default streams)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

func runProcessMessages(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.HasS3() {
		return fmt.Errorf("object store not configured: S3_ENDPOINT, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY required")
	}
	if !cfg.HasOpenAI() {
		return fmt.Errorf("embedding service not configured: OPENAI_API_KEY required")
	}

	shutdownTelemetry := initTelemetry()
	defer shutdownTelemetry()

	portFlag, _ := cmd.Flags().GetString("port")
	if portFlag != "" && portFlag != "8080" {
		cfg.Port = portFlag
	}

	pool, err := connectPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	streams := []string{cfg.IngestStream, cfg.DefaultStream}
	if queuesFlag, _ := cmd.Flags().GetString("queues"); queuesFlag != "" {
		streams = streams[:0]
		for _, name := range strings.Split(queuesFlag, ",") {
			if name = strings.TrimSpace(name); name != "" {
				streams = append(streams, name)
			}
		}
	}
	for _, stream := range streams {
		if err := queue.EnsureGroup(ctx, rdb, stream, cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("failed to ensure consumer group on %s: %w", stream, err)
		}
	}

	hostname, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	consumer := queue.NewConsumer(rdb, cfg.ConsumerGroup, consumerName)
	publisher := queue.NewPublisher(rdb)

	s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		UsePathStyle:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure S3 bucket: %w", err)
	}
	log.Printf("S3 bucket '%s' ready", cfg.S3Bucket)

	tokenizer, err := chunk.NewTiktokenTokenizer()
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	chunker := chunk.New(tokenizer, chunk.Config{
		MaxTokens: cfg.ChunkTokens,
		Overlap:   cfg.ChunkOverlap,
	})

	extractor := extract.NewService(extract.NewTesseractEngine(cfg.OCRLanguage), extract.Config{
		MinPageChars:   cfg.MinPageChars,
		NativeFraction: cfg.NativeFraction,
		OCRConcurrency: cfg.Concurrency,
	})

	embedder := openai.NewClient(openai.Config{
		APIKey:            cfg.OpenAIAPIKey,
		BatchSize:         cfg.EmbedBatchSize,
		RequestsPerMinute: cfg.EmbedRequestsPerMinute,
	}, tokenizer)

	documentRepo := repository.NewDocumentRepository(pool)
	indexRepo := repository.NewIndexRepository(pool)

	coordinator := pipeline.NewCoordinator(
		s3Client,
		extractor,
		chunker,
		embedder,
		documentRepo,
		indexRepo,
		publisher,
		pipeline.Config{IngestStream: cfg.IngestStream},
	)

	runner := queue.NewRunner(consumer, publisher, coordinator, queue.RunnerConfig{
		Streams:       streams,
		Concurrency:   int64(cfg.Concurrency),
		MaxDeliveries: cfg.MaxDeliveries,
		Timeout:       cfg.DocumentTimeout,
	})
	go runner.Start(ctx)

	router := server.NewRouter(server.RouterConfig{
		DocumentHandler: handlers.NewDocumentHandler(documentRepo),
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Printf("starting operator endpoint on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("worker exited")
	return nil
}
