package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/ai"
	"github.com/Boswecw/rake/internal/config"
	"github.com/Boswecw/rake/internal/db"
	"github.com/Boswecw/rake/internal/extract"
	"github.com/Boswecw/rake/internal/filestore"
	"github.com/Boswecw/rake/internal/handler"
	"github.com/Boswecw/rake/internal/middleware"
	"github.com/Boswecw/rake/internal/pipeline"
	"github.com/Boswecw/rake/internal/ratelimit"
	"github.com/Boswecw/rake/internal/repo"
	"github.com/Boswecw/rake/internal/retry"
	"github.com/Boswecw/rake/internal/schedule"
	"github.com/Boswecw/rake/internal/service"
	"github.com/Boswecw/rake/internal/source"
	"github.com/Boswecw/rake/internal/telemetry"
	"github.com/Boswecw/rake/internal/tokenizer"
	"github.com/Boswecw/rake/internal/vectorstore"
	"github.com/Boswecw/rake/internal/worker"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "rake",
		Short: "rake ingestion pipeline server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run rake server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
			return runServer(cfg)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func runServer(cfg *config.Config) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	log := logutil.GetLogger(rootCtx)

	conn, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer conn.Close()
	if err := db.ApplyMigrations(conn); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	jobRepo := repo.NewJobRepo(conn)

	sink := telemetry.NewHTTPSink(
		cfg.Telemetry.Endpoint,
		cfg.Telemetry.QueueSize,
		time.Duration(cfg.Telemetry.TimeoutSeconds)*time.Second,
	)
	defer sink.Close()

	limiter := ratelimit.New(time.Second)
	limiter.SetDelay("embedding", time.Duration(cfg.RateLimit.Embedding*float64(time.Second)))
	executor := retry.New(retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		Multiplier:   cfg.Retry.Multiplier,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Jitter:       cfg.Retry.Jitter,
	})

	var storeArgs interface{} = cfg.FileStore.S3
	if cfg.FileStore.Type == "local" {
		storeArgs = map[string]interface{}{"dir": cfg.FileStore.Dir}
	}
	files, err := filestore.New(cfg.FileStore.Type, storeArgs)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	sources := source.NewManager(&source.Resources{
		Cfg:       cfg,
		Limiter:   limiter,
		Retry:     executor,
		Extractor: extract.New(),
		Files:     files,
		Engines:   source.NewEngineCache(),
	})
	defer sources.Close()

	embedder, err := ai.NewEmbedder(cfg.Embedding.Provider, ai.ProviderArgs{
		APIKey:  cfg.Embedding.APIKey,
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		Timeout: time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init embedding provider: %w", err)
	}
	embedder = ai.WrapLRUCache(embedder,
		cfg.Embedding.CacheSize,
		time.Duration(cfg.Embedding.CacheTTLSecs)*time.Second,
	)

	var vectors vectorstore.Store
	switch cfg.VectorStore.Backend {
	case "pgvector":
		vectors, err = vectorstore.NewPgVectorStore(conn, cfg.VectorStore.Table, cfg.VectorStore.Dimension)
		if err != nil {
			return fmt.Errorf("init pgvector store: %w", err)
		}
	default:
		vectors = vectorstore.NewHTTPStore(
			cfg.VectorStore.BaseURL,
			cfg.VectorStore.APIKey,
			time.Duration(cfg.VectorStore.TimeoutSeconds)*time.Second,
		)
	}
	defer vectors.Close()

	counter := tokenizer.New(cfg.Pipeline.TokenizerModel)
	semantic := pipeline.NewSemanticSplitter(embedder, cfg.Pipeline.SimilarityThreshold)
	chunker, err := pipeline.NewChunker(
		counter,
		pipeline.ChunkStrategy(cfg.Pipeline.ChunkStrategy),
		cfg.Pipeline.ChunkSize,
		cfg.Pipeline.ChunkOverlap,
		cfg.Pipeline.MinChunkTokens,
		semantic,
	)
	if err != nil {
		return fmt.Errorf("init chunker: %w", err)
	}

	orch := pipeline.NewOrchestrator(
		jobRepo,
		sources,
		pipeline.NewCleanStage(cfg.Pipeline.MinContentLength),
		chunker,
		pipeline.NewEmbedStage(
			embedder,
			ai.CostEstimator{UnitCostPer1K: cfg.Embedding.UnitCostPer1K},
			cfg.Embedding.BatchSize,
			cfg.Embedding.MaxWorkers,
			limiter,
			executor,
		),
		pipeline.NewStoreStage(vectors, cfg.VectorStore.BatchSize),
		sink,
		time.Duration(cfg.Pipeline.StageTimeoutSeconds)*time.Second,
	)

	runner, err := worker.NewRunner(rootCtx, cfg.Pipeline.MaxWorkers, orch)
	if err != nil {
		return fmt.Errorf("init worker pool: %w", err)
	}
	defer runner.Close()

	ingestService := service.NewIngestService(jobRepo, sources, runner, vectors)

	scheduler := schedule.NewCronScheduler()
	if cfg.Scheduler.Enabled {
		for _, entry := range cfg.Scheduler.Entries {
			if err := scheduler.AddJob(schedule.NewScheduledIngestJob(ingestService, entry), entry.Spec); err != nil {
				return fmt.Errorf("schedule %s: %w", entry.Name, err)
			}
		}
		if cfg.Scheduler.RetentionDays > 0 {
			if err := scheduler.AddJob(schedule.NewJobRetentionJob(jobRepo, cfg.Scheduler.RetentionDays), cfg.Scheduler.RetentionSpec); err != nil {
				return fmt.Errorf("schedule retention: %w", err)
			}
		}
		scheduler.Start(rootCtx)
		defer scheduler.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.CORS(cfg.AllowedOrigins))
	engine.Use(gzip.Gzip(gzip.DefaultCompression))
	api := engine.Group("/api/v1")
	handler.RegisterRoutes(api, handler.RouterDeps{
		Ingest:       handler.NewIngestHandler(ingestService),
		JWTSecret:    []byte(cfg.JWTSecret),
		SubmitWindow: time.Second,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
	rootCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
