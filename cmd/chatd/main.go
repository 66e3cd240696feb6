package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/instchat/internal/auth"
	"github.com/knoguchi/instchat/internal/chat"
	"github.com/knoguchi/instchat/internal/config"
	"github.com/knoguchi/instchat/internal/llm"
	"github.com/knoguchi/instchat/internal/logging"
	"github.com/knoguchi/instchat/internal/memory"
	"github.com/knoguchi/instchat/internal/relay"
	"github.com/knoguchi/instchat/internal/repository"
	"github.com/knoguchi/instchat/internal/repository/postgres"
	"github.com/knoguchi/instchat/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up structured logging
	logger := logging.New(
		logging.WithLevel(cfg.LogLevel),
		logging.WithFormat(cfg.LogFormat),
	)
	slog.SetDefault(logger)

	slog.Info("starting chat service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"provider", cfg.Provider,
	)

	// Initialize the transcript archive
	var archive repository.TranscriptRepository = repository.Noop{}
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		}
		archive = postgres.NewTranscriptRepo(db)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Info("DATABASE_URL not set, transcripts are kept in memory only")
	}

	// Initialize the generation provider
	provider, err := llm.New(llm.ProviderConfig{
		Provider:    cfg.Provider,
		Endpoint:    cfg.HFEndpointURL,
		BaseURL:     cfg.HFAPIURL,
		ModelID:     cfg.HFModelID,
		Token:       cfg.HFToken,
		OllamaURL:   cfg.OllamaURL,
		OllamaModel: cfg.OllamaModel,
	})
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	if cfg.Provider == llm.ProviderTGI && cfg.HFToken == "" {
		slog.Warn("HF_READ_TOKEN not set, requests to the hosted endpoint are unauthenticated")
	}
	slog.Info("initialized provider", "provider", provider.Name())

	// Initialize services
	store := memory.NewStore(cfg.SessionMaxTurns, cfg.SessionTTL)
	defer store.Close()

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = chat.DefaultSystemPrompt
	}

	chatSvc := chat.NewService(
		relay.New(provider,
			relay.WithMaxNewTokens(cfg.MaxNewTokensCeiling),
			relay.WithLogger(logger),
		),
		store,
		chat.WithArchive(archive),
		chat.WithSystemPrompt(systemPrompt),
		chat.WithQueueSize(cfg.QueueSize),
		chat.WithLogger(logger),
	)

	apiKey := auth.NewAPIKeyInterceptor(cfg.APIKey)
	if !apiKey.Enabled() {
		slog.Warn("API_KEY not set, the API is open")
	}
	if !cfg.IsDevelopment() && cfg.JWTSecret == "change-this-in-production" {
		return fmt.Errorf("JWT_SECRET must be set outside development")
	}
	tokens := auth.NewJWTManager(&auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Expiry: cfg.JWTExpiry,
		Issuer: "instchat",
	})

	// Create gRPC server
	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: logger,
		Chat:   chatSvc,
		APIKey: apiKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	// Create HTTP server
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Chat:           chatSvc,
		APIKey:         apiKey,
		Tokens:         tokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped", "active_sessions", chatSvc.ActiveSessions())
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TranscriptRepository = (*postgres.TranscriptRepo)(nil)
	_ llm.Provider                    = (*llm.TGIClient)(nil)
	_ llm.Provider                    = (*llm.OllamaClient)(nil)
)
