// Command orchestrator runs the care-plan pipeline: the HTTP API, the
// generation worker pool, and the pdf-import worker pool, all wired against
// one Postgres database and one Redis instance. Bootstrap style follows
// tarsy's cmd/tarsy/main.go: flag + env + godotenv, then construct services
// bottom-up and start a gin router.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/api"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/audit"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/cache"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/config"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/db"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/degradation"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/idempotency"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/mlclient"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/orchestrator"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/progress"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/queue"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/tracker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	configFile := flag.String("config-file", getEnv("CONFIG_FILE", ""), "Path to an optional YAML config override")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v (continuing with existing environment)", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("failed to build cipher: %v", err)
	}

	dbClient, err := db.NewClient(ctx, dbConfigFromEnv())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.SQLDB().Close(); err != nil {
			log.Printf("error closing database connection: %v", err)
		}
	}()
	log.Println("connected to postgres, migrations applied")

	redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	log.Println("connected to redis")

	auditor := audit.NewSlogAuditor(slog.Default())
	idempotencyStore := idempotency.NewStore(dbClient.DB)
	degradationMgr := degradation.New(redisClient)
	degradationMgr.StartRefreshLoop(ctx, cfg.FlagRefresh)
	cachingLayer := cache.New(redisClient, cipher, auditor, cfg.CacheDefaultTTL, cfg.CachePHIMaxTTL, cfg.CacheEarlyRefreshBeta)
	requestTracker := tracker.New(dbClient.DB, cipher)
	dlq := tracker.NewDLQ(dbClient.DB)
	progressBus := progress.New(redisClient)

	mlFactory := mlclient.NewHTTPFactory(mlclient.HTTPConfig{
		AudioIntelligenceURL: getEnv("AUDIO_INTELLIGENCE_URL", ""),
		RecommenderURL:       getEnv("RECOMMENDER_URL", ""),
		RAGEmbeddingsURL:     getEnv("RAG_EMBEDDINGS_URL", ""),
		PDFParserURL:         getEnv("PDF_PARSER_URL", ""),
		Timeout:              cfg.StageTimeout,
	})

	orch := orchestrator.New(mlFactory, cachingLayer, idempotencyStore, degradationMgr, auditor, cipher,
		requestTracker, progressBus, redisClient, *cfg)

	jobQueue := queue.New(redisClient)

	generationPool := queue.NewWorkerPool(jobQueue, cipher, queue.NewGenerationHandler(orch), auditor, dlq, queue.PoolConfig{
		Name:                  "generation",
		JobType:               "generation",
		Concurrency:           cfg.WorkerGenerationConcurrency,
		RatePerSec:            cfg.RateLimitPerSec,
		Attempts:              3,
		BackoffInitial:        500 * time.Millisecond,
		BackoffMax:            30 * time.Second,
		RemoveOnCompleteCount: 1000,
		RemoveOnFailCount:     10000,
	})
	pdfImportPool := queue.NewWorkerPool(jobQueue, cipher, queue.NewPDFImportHandler(mlFactory.PDFParser(), requestTracker), auditor, dlq, queue.PoolConfig{
		Name:                  "pdf-import",
		JobType:               "pdf-import",
		Concurrency:           cfg.WorkerPDFConcurrency,
		RatePerSec:            cfg.RateLimitPerSec,
		Attempts:              3,
		BackoffInitial:        500 * time.Millisecond,
		BackoffMax:            30 * time.Second,
		RemoveOnCompleteCount: 1000,
		RemoveOnFailCount:     10000,
	})

	if err := generationPool.Start(ctx); err != nil {
		log.Fatalf("failed to start generation pool: %v", err)
	}
	if err := pdfImportPool.Start(ctx); err != nil {
		log.Fatalf("failed to start pdf-import pool: %v", err)
	}
	log.Println("worker pools started")

	server := api.NewServer(requestTracker, dlq, progressBus, cipher, generationPool, pdfImportPool, jobQueue)

	go func() {
		log.Printf("http server listening on :%s", httpPort)
		if err := server.Start(":" + httpPort); err != nil {
			log.Printf("http server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down http server: %v", err)
	}

	generationPool.Stop()
	pdfImportPool.Stop()
	log.Println("shutdown complete")
}

func dbConfigFromEnv() db.Config {
	return db.Config{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "careplan_orchestrator"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}
