// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/apikeys"
	"github.com/fusion-data/bridge/internal/assistant"
	"github.com/fusion-data/bridge/internal/catalog"
	"github.com/fusion-data/bridge/internal/config"
	"github.com/fusion-data/bridge/internal/handler"
	"github.com/fusion-data/bridge/internal/llm"
	"github.com/fusion-data/bridge/internal/middleware"
	natsclient "github.com/fusion-data/bridge/internal/nats"
	"github.com/fusion-data/bridge/internal/render"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/internal/requests"
	"github.com/fusion-data/bridge/internal/session"
	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "fusion-data-bridge", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Database
	db, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("failed to get database handle", zap.Error(err))
	}
	defer sqlDB.Close()

	sessionRepo := repository.NewSessionRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	apiKeyRepo := repository.NewAPIKeyRepository(db)

	// Event bus: JetStream when enabled, in process otherwise
	var (
		bus        natsclient.Bus
		natsClient *natsclient.Client
	)
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		events := natsclient.NewEventStream(natsClient)
		if err := events.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		go reportStreamMetrics(ctx, events, log)
		bus = events
	} else {
		log.Info("NATS disabled, using in-process event bus")
		bus = natsclient.NewMemoryBus(24 * time.Hour)
	}
	notifier := requests.NewNotifier(bus, log)

	// LLM provider and gateway
	llmClient := newLLMClient(cfg, log)
	transport, err := newTransport(cfg, llmClient)
	if err != nil {
		log.Fatal("failed to configure llm gateway", zap.Error(err))
	}
	gateway := llm.NewGateway(transport, llm.GatewayOptions{
		SystemPrompt: cfg.SystemPrompt,
		Timeout:      cfg.LLMTimeout,
		AssistantID:  cfg.AssistantID,
		MaxTokens:    cfg.LLMMaxTokens,
		Logger:       log,
	})
	log.Info("llm gateway configured", zap.String("transport", transport.Name()))

	// Catalog
	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		cat, err = catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			log.Fatal("failed to load catalog", zap.Error(err))
		}
	}

	// Wizard state
	var states assistant.StateStore = assistant.NewMemoryStateStore(cfg.SessionCacheTTL)
	if cfg.RedisURL != "" {
		rdb := assistant.NewRedisClient(cfg.RedisURL)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, keeping wizard state in memory", zap.Error(err))
		} else {
			defer rdb.Close()
			states = assistant.NewRedisStateStore(rdb, cfg.SessionCacheTTL)
		}
	}

	// Initialize services
	writeBehind := session.NewWriteBehind(cfg.WriteBehindTimeout, log)
	registry := session.NewRegistry(sessionRepo, writeBehind, cfg.SessionCacheTTL, log)
	requestSvc := requests.NewService(requestRepo, notifier, cfg.SessionCacheTTL, log)
	keySvc, err := apikeys.NewService(apiKeyRepo, cfg.APIKeySecret)
	if err != nil {
		log.Fatal("failed to initialize api key service", zap.Error(err))
	}
	engine := assistant.NewEngine(registry, gateway, cat, requestSvc, states, notifier, assistant.EngineOptions{
		GreetWithLLM: cfg.GreetWithLLM,
		Logger:       log,
	})

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(sqlDB, natsClient)
	sessionHandler := handler.NewSessionHandler(registry, engine, render.New(nil), log)
	streamHandler := handler.NewStreamHandler(registry, log)
	requestHandler := handler.NewRequestHandler(requestSvc, registry, sessionRepo, log)
	profileHandler := handler.NewProfileHandler(keySvc, log)
	notificationHandler := handler.NewNotificationHandler(bus, log)
	proxyHandler := handler.NewProxyHandler(keySvc, llmClient, nil, cfg.LLMModel, cfg.LLMTimeout, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Chat completion function
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Post("/functions/v1/chat-openai", proxyHandler.ChatOpenAI)
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.List)
			r.Post("/", sessionHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Put("/", sessionHandler.Update)
				r.Delete("/", sessionHandler.Delete)
				r.Post("/archive", sessionHandler.Archive)
				r.Post("/reply", sessionHandler.Reply)
				r.Get("/stream", streamHandler.Stream)
			})
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", requestHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", requestHandler.Get)
				r.Patch("/", requestHandler.Update)
				r.Post("/cancel", requestHandler.Cancel)
				r.Get("/comments", requestHandler.ListComments)
				r.Post("/comments", requestHandler.AddComment)
			})
		})

		r.Route("/profile/api-keys/{provider}", func(r chi.Router) {
			r.Get("/", profileHandler.GetAPIKey)
			r.Put("/", profileHandler.SaveAPIKey)
			r.Delete("/", profileHandler.DeleteAPIKey)
		})

		r.Get("/notifications", notificationHandler.List)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := registry.Flush(shutdownCtx); err != nil {
		log.Warn("pending session writes not flushed", zap.Error(err))
	}

	log.Info("server stopped")
}

// newLLMClient builds the server's own provider client, or nil when no
// provider key is configured.
func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	keys := map[llm.Provider]string{
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
	}

	provider, err := llm.ParseProvider(cfg.DefaultLLM)
	if err != nil {
		log.Warn("unknown DEFAULT_LLM, falling back to openai", zap.String("value", cfg.DefaultLLM))
		provider = llm.ProviderOpenAI
	}
	if keys[provider] == "" {
		for p, k := range keys {
			if k != "" {
				provider = p
				break
			}
		}
	}
	if keys[provider] == "" {
		log.Warn("no LLM provider key configured, LLM features disabled")
		return nil
	}

	client, err := llm.NewClient(provider, keys[provider])
	if err != nil {
		log.Warn("failed to create LLM client, LLM features disabled", zap.String("provider", string(provider)), zap.Error(err))
		return nil
	}
	return client
}

func newTransport(cfg *config.Config, client llm.Client) (llm.Transport, error) {
	switch cfg.LLMGatewayMode {
	case "function":
		if cfg.LLMFunctionURL == "" {
			return nil, fmt.Errorf("LLM_FUNCTION_URL is required in function mode")
		}
		return llm.NewFunctionTransport(cfg.LLMFunctionURL, &http.Client{}), nil
	case "direct", "":
		if client == nil {
			// Without a server key every turn goes through this server's own
			// proxy, which uses the caller's stored key.
			return llm.NewFunctionTransport("http://localhost:"+cfg.ServerPort+"/functions/v1/chat-openai", &http.Client{}), nil
		}
		return llm.NewDirectTransport(client, cfg.LLMModel), nil
	}
	return nil, fmt.Errorf("unknown LLM_GATEWAY_MODE %q", cfg.LLMGatewayMode)
}

func reportStreamMetrics(ctx context.Context, events *natsclient.EventStream, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := events.UpdateMetrics(ctx); err != nil {
				log.Debug("failed to update stream metrics", zap.Error(err))
			}
		}
	}
}
