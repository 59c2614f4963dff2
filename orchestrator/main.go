package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/adapter/ingress"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/adapter/llm"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/config"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/eventlog"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/executor"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/metrics"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/policy"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/repository"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/service"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/tracker"
	handler "github.com/kvnkishore11/agentickanban/orchestrator/internal/transport/http"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/transport/rpc"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting orchestrator...")
	log.Printf("Internal HTTP Port: %d", cfg.InternalPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Ingress URL: %s", cfg.IngressURL)
	log.Printf("Executor: %s", cfg.ExecutorMode)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	deps := service.Deps{
		Store:        db,
		Executor:     newExecutor(cfg),
		Classifier:   policyEngine,
		Publisher:    ingress.NewClient(cfg.IngressURL),
		LLM:          llm.NewLLMClient(cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout),
		DiffProvider: tracker.GitDiff(cfg.RepoDir),
		Metrics:      metrics.New("orchestrator"),
	}

	// Optional Redis replay window
	if cfg.RedisAddr != "" {
		events, err := eventlog.New(ctx, eventlog.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			MaxLen:   cfg.RedisStreamLen,
		})
		if err != nil {
			log.Printf("WARN: redis replay window disabled: %v", err)
		} else {
			defer events.Close()
			deps.EventLog = events
			log.Printf("Redis replay window: %s", cfg.RedisAddr)
		}
	}

	svc := service.New(cfg, deps)
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	internalServer := handler.NewInternalServer(svc, deps.Metrics.Handler())

	rpcServer, err := rpc.NewServer(svc)
	if err != nil {
		log.Fatalf("Failed to create RPC server: %v", err)
	}

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start internal server: %v", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			log.Fatalf("Failed to start RPC server: %v", err)
		}
	}()

	log.Printf("Internal API started on port %d", cfg.InternalPort)
	log.Printf("RPC server started on port %d", cfg.RPCPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down orchestrator...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown internal server gracefully: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}
	stop()

	log.Println("Orchestrator stopped")
}

func newExecutor(cfg *config.Config) executor.StageExecutor {
	switch cfg.ExecutorMode {
	case config.ExecutorRemote:
		return executor.NewRemote(cfg.WorkerURL, cfg.StageTimeout)
	case config.ExecutorExternal:
		return executor.NewExternal()
	default:
		return executor.NewScripted(cfg.StepDelay)
	}
}
