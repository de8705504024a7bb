package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/voice-agent/internal/api"
	"github.com/ashureev/voice-agent/internal/chat"
	"github.com/ashureev/voice-agent/internal/config"
	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/extract"
	"github.com/ashureev/voice-agent/internal/identity"
	"github.com/ashureev/voice-agent/internal/middleware"
	"github.com/ashureev/voice-agent/internal/onboard"
	"github.com/ashureev/voice-agent/internal/probe"
	"github.com/ashureev/voice-agent/internal/schema"
	"github.com/ashureev/voice-agent/internal/speech"
	"github.com/ashureev/voice-agent/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

const (
	probeInterval   = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}))
			slog.SetDefault(logger)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

// routeRegistrar is implemented by every HTTP handler.
type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// newRouter applies the global middleware and mounts handlers.
func newRouter(cfg *config.Config, handlers ...routeRegistrar) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(identity.Middleware(cfg.DefaultUserID))

	for _, h := range handlers {
		h.RegisterRoutes(r)
	}
	return r
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "agent_backend", cfg.AgentBackend)

	client := newLLMClient(cfg)
	if err := client.Ready(); err != nil {
		slog.Warn("Text generation not configured, requests will fail until it is", "error", err)
	}

	repo, err := openRepository(cfg, client)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	sessions := store.NewKeyed[*domain.Session](store.KeyedOptions{Name: "sessions", TTL: cfg.SessionTTL})
	threads := store.NewKeyed[*domain.Thread](store.KeyedOptions{Name: "threads", TTL: cfg.ThreadTTL, MaxEntries: cfg.MaxThreads})
	sessions.StartSweeper(ctx)
	threads.StartSweeper(ctx)
	slog.Info("Session sweepers started", "session_ttl", cfg.SessionTTL, "thread_ttl", cfg.ThreadTTL)

	cosy := speech.NewCosyVoice(cfg.CosyVoice.URL, cfg.CosyVoice.Enabled, cfg.SpeechTimeout)
	azure := speech.NewAzure(speech.AzureConfig{
		Key:    cfg.Speech.Key,
		Region: cfg.Speech.Region,
		Voice:  cfg.Speech.Voice,
	}, cfg.SpeechTimeout)
	gateway := speech.NewGateway(cosy, azure, speech.GatewayOptions{
		Concurrency: int64(cfg.SynthesisConcurrency),
		Timeout:     cfg.SpeechTimeout,
		Logger:      logger,
	})

	convLog, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	onboardSvc := onboard.NewService(onboard.Config{
		Sessions:   sessions,
		LLM:        client,
		Extractor:  extract.New(client, schema.Default(), logger),
		Agents:     repo,
		LLMTimeout: cfg.GenerationTimeout,
		Logger:     logger,
	})
	pipeline := chat.NewPipeline(chat.Config{
		Threads:           threads,
		LLM:               client,
		Agents:            repo,
		Speech:            gateway,
		GenerationTimeout: cfg.GenerationTimeout,
		ConversationLog:   convLog,
		Logger:            logger,
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	limiter.StartEviction(ctx)

	checks := map[string]func(context.Context) error{
		"llm":    func(context.Context) error { return client.Ready() },
		"agents": repo.Ping,
		"speech": func(context.Context) error { return azure.Ready() },
	}
	httpChecks := make(map[string]api.Check, len(checks))
	probeChecks := make(map[string]probe.Check, len(checks))
	for name, c := range checks {
		httpChecks[name] = c
		probeChecks[name] = c
	}

	r := newRouter(cfg,
		api.NewHealthHandler(httpChecks),
		api.NewAgentHandler(repo),
		onboard.NewHandler(onboardSvc, azure, cfg.MaxUploadBytes),
		chat.NewHandler(pipeline, limiter, cfg.CORSOrigins),
		speech.NewHandler(cosy, azure, cfg.MaxUploadBytes),
	)

	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("listen for health probe: %w", err)
		}
		hp := probe.New(probeChecks, logger)
		go func() {
			if err := hp.Serve(lis); err != nil {
				slog.Error("Health probe failed", "error", err)
			}
		}()
		go hp.Run(ctx, probeInterval)
		defer hp.Stop()
		slog.Info("gRPC health probe listening", "addr", cfg.GRPCHealthAddr)
	}

	// SSE streams need an unbounded write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
