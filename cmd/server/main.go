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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"comfy-mcp/server/internal/api"
	"comfy-mcp/server/internal/asset"
	"comfy-mcp/server/internal/comfy"
	"comfy-mcp/server/internal/config"
	"comfy-mcp/server/internal/defaults"
	"comfy-mcp/server/internal/logging"
	"comfy-mcp/server/internal/mcp"
	"comfy-mcp/server/internal/repository"
	"comfy-mcp/server/internal/template"
	"comfy-mcp/server/internal/webhook"
)

func main() {
	root := &cobra.Command{
		Use:   "comfy-mcp",
		Short: "MCP bridge exposing ComfyUI workflow templates as tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	if err := root.Execute(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger.Info("Configuration loaded: backend=%s templates=%s config_file=%s",
		cfg.ComfyUI.URL, cfg.Templates.Dir, viper.ConfigFileUsed())

	logger.Info("Starting ComfyUI Agent Bridge")

	// Webhook registration store: Postgres when configured, in-memory otherwise.
	var store repository.WebhookStore
	if cfg.DB.Enabled {
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("database initialization failed: %w", err)
		}
		defer pool.Close()
		pgStore := repository.NewPostgresWebhookStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("webhook schema initialization failed: %w", err)
		}
		store = pgStore
		logger.Info("Webhook store: postgres")
	} else {
		store = repository.NewInMemoryWebhookStore()
		logger.Info("Webhook store: in-memory")
	}

	client := comfy.NewClient(
		cfg.ComfyUI.URL,
		time.Duration(cfg.ComfyUI.RequestTimeout)*time.Second,
		time.Duration(cfg.ComfyUI.TransferTimeout)*time.Second,
		logger,
	)

	dm := defaults.NewManager(cfg.Defaults)

	resolver := template.NewResolver(cfg.Templates.Dir, dm, logger)
	if err := resolver.Load(); err != nil {
		return fmt.Errorf("template loading failed: %w", err)
	}
	logger.Info("Loaded %d workflow template(s) from %s", len(resolver.Definitions()), cfg.Templates.Dir)

	if cfg.Templates.Watch {
		go func() {
			if err := resolver.Watch(ctx); err != nil {
				logger.Error("Template watcher stopped: %v", err)
			}
		}()
	}

	registry := asset.NewRegistry(
		time.Duration(cfg.Assets.TTLHours)*time.Hour,
		time.Duration(cfg.Assets.CleanupMinutes)*time.Minute,
		client,
		logger,
	)

	dispatcher := webhook.NewDispatcher(store, webhook.Config{
		MaxRetries:        cfg.Webhooks.MaxRetries,
		InitialRetryDelay: time.Duration(cfg.Webhooks.InitialRetryDelay * float64(time.Second)),
		MaxRetryDelay:     time.Duration(cfg.Webhooks.MaxRetryDelay * float64(time.Second)),
		Timeout:           time.Duration(cfg.Webhooks.Timeout * float64(time.Second)),
		MaxLogEntries:     cfg.Webhooks.MaxLogEntries,
	}, logger)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiHandler := api.NewHandler(resolver, registry, dispatcher)
	apiHandler.RegisterRoutes(apiGroup)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(resolver, registry, dispatcher, dm, client, mcp.Options{
		PollInterval: time.Duration(cfg.ComfyUI.PollInterval) * time.Second,
		JobTimeout:   time.Duration(cfg.ComfyUI.JobTimeout) * time.Second,
	}, logger)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting on %s", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received: %v", sig)

		// Stop the template watcher, then drain pending webhook deliveries
		// before the HTTP listener goes away.
		cancel()
		dispatcher.Shutdown(5 * time.Second)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error: %v", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
