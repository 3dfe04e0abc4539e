// Lectura - conversational reading tutor server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/lectura-tutor/internal/agent"
	"github.com/ashureev/lectura-tutor/internal/api"
	"github.com/ashureev/lectura-tutor/internal/completion"
	"github.com/ashureev/lectura-tutor/internal/config"
	"github.com/ashureev/lectura-tutor/internal/health"
	"github.com/ashureev/lectura-tutor/internal/identity"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
	"github.com/ashureev/lectura-tutor/internal/middleware"
	"github.com/ashureev/lectura-tutor/internal/store"
)

const healthMonitorInterval = 15 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected")

	lx, err := loadLexicon(cfg.Tutor.LexiconPath)
	if err != nil {
		return err
	}

	ccfg := completion.DefaultConfig(cfg.Completion.BackendURL)
	ccfg.Timeout = cfg.Completion.Timeout
	ccfg.MaxRetries = cfg.Completion.MaxRetries
	ccfg.RetryBaseDelay = cfg.Completion.RetryBaseDelay
	ccfg.RetryMaxDelay = cfg.Completion.RetryMaxDelay
	ccfg.Logger = logger
	gateway := completion.New(ccfg)
	slog.Info("Completion backend configured", "endpoint", gateway.Endpoint())

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	hub := agent.NewHub(0, logger)
	defer hub.Close()

	svc, err := agent.NewService(agent.Options{
		Repo:    repo,
		Gateway: gateway,
		Lexicon: lx,
		Tuning:  agent.TuningFromConfig(cfg.Tutor),
		Hub:     hub,
		Log:     conversationLogger,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	tutorHandler, err := agent.NewHandler(svc, hub, limiter, agent.HandlerConfig{
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		RetryDelay:         cfg.SSE.RetryDelay,
		AllowedOrigins:     cfg.AllowedOrigins(),
		IsDev:              cfg.IsDevelopment(),
	})
	if err != nil {
		return err
	}
	baseHandler := api.NewHandler(repo, cfg.SessionTTL)
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		baseHandler.RegisterRoutes(r)
		tutorHandler.RegisterRoutes(r)
	})

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}
	healthSrv := health.NewServer(logger)
	healthSrv.SetServing(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return healthSrv.Serve(grpcLis)
	})

	g.Go(func() error {
		healthSrv.Monitor(gctx, repo, healthMonitorInterval)
		return nil
	})

	agent.StartTTLWorker(gctx, svc, repo, cfg.SessionTTL)

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		healthSrv.Stop()
		// Cancel in-flight turns so SSE and WebSocket handlers unwind.
		svc.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	return g.Wait()
}

func loadLexicon(path string) (*lexicon.Lexicon, error) {
	if path == "" {
		return lexicon.Default()
	}
	lx, err := lexicon.Load(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Lexicon loaded", "path", path)
	return lx, nil
}
