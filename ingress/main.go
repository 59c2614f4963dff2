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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kvnkishore11/agentickanban/ingress/internal/config"
	internalhttp "github.com/kvnkishore11/agentickanban/ingress/internal/http"
	"github.com/kvnkishore11/agentickanban/ingress/internal/hub"
	"github.com/kvnkishore11/agentickanban/ingress/internal/metrics"
	"github.com/kvnkishore11/agentickanban/ingress/internal/orchestrator"
	"github.com/kvnkishore11/agentickanban/ingress/internal/router"
	"github.com/kvnkishore11/agentickanban/ingress/internal/transport/rpc"
	"github.com/kvnkishore11/agentickanban/ingress/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting ingress service...")
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Orchestrator URL: %s", cfg.OrchestratorURL)
	log.Printf("Heartbeat interval: %s", cfg.HeartbeatInterval)

	m := metrics.New("ingress")
	registry := hub.NewRegistry(cfg.SendBufferSize, m)
	rt := router.New(registry, m)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go rt.RunHeartbeat(ctx, cfg.HeartbeatInterval)

	orchClient := orchestrator.NewClient(cfg.OrchestratorURL)
	wsServer := ws.NewServer(cfg, registry, rt, orchClient, m)

	// Create WebSocket Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	httpServer := internalhttp.NewServer(registry, rt, m)

	rpcServer, err := rpc.NewServer(rt)
	if err != nil {
		log.Fatalf("Failed to create RPC server: %v", err)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start WebSocket server: %v", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			log.Fatalf("Failed to start RPC server: %v", err)
		}
	}()

	log.Printf("WebSocket server started on port %d", cfg.WSPort)
	log.Printf("Internal HTTP server started on port %d", cfg.HTTPPort)
	log.Printf("RPC server started on port %d", cfg.RPCPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down ingress...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown WebSocket server gracefully: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}

	log.Println("Ingress stopped")
}
