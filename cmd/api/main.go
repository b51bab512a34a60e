package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"dev/bravebird/visual-verify/pkg/api"
	"dev/bravebird/visual-verify/pkg/config"
	"dev/bravebird/visual-verify/pkg/database"
	"dev/bravebird/visual-verify/pkg/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Logger)
	defer logging.Sync(logger)

	logger.Info("Starting Visual Verification API Server")

	// Initialize database
	var store api.RunStore
	if cfg.MySQL.DSN != "" {
		db, err := database.New(cfg.MySQL.DSN)
		if err != nil {
			logger.Warn("Failed to connect to database, running without persistence", zap.Error(err))
		} else {
			defer db.Close()
			if err := db.Migrate(context.Background()); err != nil {
				logger.Warn("Failed to migrate database", zap.Error(err))
			}
			store = db
		}
	}

	// Initialize Temporal client
	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logging.NewTemporalLogger(logger.Named("temporal")),
	})
	if err != nil {
		logger.Fatal("Failed to create Temporal client", zap.Error(err))
	}
	defer temporalClient.Close()

	handlers := api.NewHandlers(store, temporalClient, api.Options{
		Plan:      cfg.Plan(),
		Headless:  cfg.Browser.Headless,
		TaskQueue: cfg.Temporal.TaskQueue,
	}, logger.Named("api"))

	// Setup router
	router := mux.NewRouter()
	handlers.Register(router)

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("API server listening", zap.String("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return
	}

	logger.Info("Server stopped")
}
