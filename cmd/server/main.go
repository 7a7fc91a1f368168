// Package main is the entry point for the realtime task board service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskboard/realtime-board/cmd/server/handlers"
	"github.com/taskboard/realtime-board/internal/board/presence"
	"github.com/taskboard/realtime-board/internal/board/router"
	"github.com/taskboard/realtime-board/internal/board/snapshot"
	"github.com/taskboard/realtime-board/internal/board/taskservice"
	"github.com/taskboard/realtime-board/internal/config"
	"github.com/taskboard/realtime-board/internal/database"
	"github.com/taskboard/realtime-board/internal/database/postgres"
	"github.com/taskboard/realtime-board/internal/realtime"
	"github.com/taskboard/realtime-board/pkg/logger"
	"github.com/taskboard/realtime-board/pkg/middleware"
)

const defaultPort = "8080"

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	var showHelp = flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("realtime-board version %s\n", "1.0.0")
		os.Exit(0)
	}

	if *showHelp {
		fmt.Printf("Realtime Task Board - collaborative kanban backend\n\n")
		fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
		fmt.Printf("Options:\n")
		fmt.Printf("  -version    Show version information\n")
		fmt.Printf("  -help       Show this help message\n\n")
		fmt.Printf("Environment variables:\n")
		fmt.Printf("  PORT        HTTP server port (default: %s)\n\n", defaultPort)
		os.Exit(0)
	}

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrapLogger)

	cfg, err := config.LoadConfigFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(appLogger)

	slog.Info("starting realtime task board",
		"service", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	dbConfig := &postgres.PostgresConfig{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Database,
		User:              cfg.Database.Username,
		Password:          cfg.Database.Password,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          int32(cfg.Database.MaxConnections),
		MinConns:          int32(cfg.Database.MinConnections),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
	}

	slog.Info("initializing database connection...")
	pool := postgres.NewPostgresPool(dbConfig, appLogger)

	ctx := context.Background()
	if err := pool.Connect(ctx); err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	if err := database.RunMigrations(ctx, pool, appLogger); err != nil {
		slog.Error("failed to run database migrations", "error", err)
		slog.Warn("continuing without migrations - manual intervention may be required")
	} else {
		slog.Info("database migrations completed successfully")
	}

	metrics := realtime.NewRealtimeMetrics("realtime_board")
	broadcaster := realtime.NewBroadcaster(appLogger, metrics)
	presenceRegistry := presence.NewRegistry()
	taskService := taskservice.New(pool, appLogger)
	snapshots := snapshot.New(taskService, presenceRegistry)
	boardRouter := router.New(taskService, presenceRegistry, snapshots, broadcaster, appLogger)

	wsHandler := handlers.NewBoardWebSocketHandler(
		boardRouter,
		broadcaster,
		presenceRegistry,
		snapshots,
		appLogger,
		cfg.Realtime.MaxConnectionsPerIP,
		cfg.Realtime.ConnectionWindow,
		cfg.Realtime.InboundMessagesPerSec,
		cfg.Realtime.InboundBurst,
	)
	healthHandlers := handlers.NewHealthHandlers(broadcaster, pool.GetHealthChecker(), cfg.App.Version)
	tasksHandlers := handlers.NewTasksHandlers(taskService)

	httpRouter := mux.NewRouter()
	httpRouter.HandleFunc("/api/health", healthHandlers.Health).Methods(http.MethodGet)
	httpRouter.HandleFunc("/api/tasks", tasksHandlers.List).Methods(http.MethodGet)
	httpRouter.HandleFunc("/ws", wsHandler.ServeHTTP).Methods(http.MethodGet)

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	handler := http.Handler(httpRouter)
	handler = middleware.SecureHeaders()(handler)
	handler = logger.LoggingMiddleware(appLogger)(handler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("HTTP server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	close(done)
	slog.Info("server exited")
}
