// Phantom - AI NPC turn gating and age verification server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/phantom/internal/api"
	"github.com/ashureev/phantom/internal/config"
	"github.com/ashureev/phantom/internal/expiry"
	"github.com/ashureev/phantom/internal/identity"
	"github.com/ashureev/phantom/internal/middleware"
	"github.com/ashureev/phantom/internal/phantom"
	"github.com/ashureev/phantom/internal/store"
	"github.com/ashureev/phantom/internal/verification"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Phantom AI turn controllers (optional).
	var registry *phantom.Registry
	gen, closeGen := newGenerator(cfg, logger)
	if closeGen != nil {
		defer closeGen()
	}
	if gen != nil {
		registry = phantom.NewGeneratorRegistry(gen, phantom.Options{
			Limits: phantom.Limits{
				Cooldown:         cfg.Phantom.Cooldown,
				ExtendedCooldown: cfg.Phantom.ExtendedCooldown,
				MaxTriggers:      cfg.Phantom.MaxTriggers,
				GenerateTimeout:  cfg.Phantom.GenerateTimeout,
			},
			Recorder: repo,
			Logger:   logger,
		})
		defer registry.CloseAll()
	} else {
		slog.Info("Phantom AI disabled (PHANTOM_GENERATOR_ADDR and PHANTOM_GENERATOR_URL not set or unreachable)")
	}

	// Age verification. Without a credential the endpoint still answers, with a configuration error.
	analyzer := newAnalyzer(ctx, cfg)
	policy := verification.NewPolicy(analyzer, repo, verification.Options{
		AnalyzeTimeout: cfg.Verify.AnalyzeTimeout,
		Logger:         logger,
	})
	limiter := middleware.NewRateLimiter(cfg.Verify.RateLimit, cfg.Verify.RateWindow)
	limiter.StartEviction(ctx)
	verifyHandler := verification.NewHandler(policy, repo, limiter, cfg.Verify.MaxBodyBytes)

	healthHandler := api.NewHealthHandler(repo, registry != nil, policy.Enabled())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		verifyHandler.RegisterRoutes(r)
		if registry != nil {
			phantom.NewHandler(registry).RegisterRoutes(r)
		}
	})

	// Note: phase streams are long-lived websockets (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var idle expiry.IdleEvicter
	if registry != nil {
		idle = registry
	}
	worker := expiry.NewWorker(repo, idle, expiry.Config{
		Interval: cfg.Expiry.SweepInterval,
		IdleTTL:  cfg.Phantom.IdleTTL,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Wait for shutdown signal.
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newGenerator picks the gRPC generation service when an address is set and
// the serverless HTTP function otherwise. It returns nil when neither is usable.
func newGenerator(cfg *config.Config, logger *slog.Logger) (phantom.Generator, func()) {
	if addr := cfg.Phantom.GeneratorAddr; addr != "" {
		slog.Info("Attempting to connect to generation service via gRPC", "address", addr)
		grpcGen, err := phantom.NewGrpcGenerator(phantom.DefaultGrpcGeneratorConfig(addr), logger)
		if err == nil {
			return grpcGen, grpcGen.Close
		}
		slog.Warn("Failed to connect to generation service", "error", err)
		if cfg.Phantom.GeneratorURL == "" {
			return nil, nil
		}
		slog.Info("Falling back to HTTP generation function")
	}
	if url := cfg.Phantom.GeneratorURL; url != "" {
		return phantom.NewHTTPGenerator(url, cfg.Phantom.GeneratorAPIKey, nil), nil
	}
	return nil, nil
}

// newAnalyzer builds the configured verification analyzer, or nil if its credential is absent.
func newAnalyzer(ctx context.Context, cfg *config.Config) verification.Analyzer {
	key := cfg.VerifyAPIKey()
	if key == "" {
		slog.Warn("Age verification credential missing, verify-age will report a configuration error",
			"provider", cfg.Verify.Provider)
		return nil
	}

	switch cfg.Verify.Provider {
	case "genai":
		a, err := verification.NewGenAIAnalyzer(ctx, verification.GenAIConfig{
			APIKey: key,
			Model:  cfg.Verify.Model,
		})
		if err != nil {
			slog.Error("Failed to initialize GenAI analyzer", "error", err)
			return nil
		}
		return a
	default:
		return verification.NewGatewayAnalyzer(cfg.Verify.GatewayURL, key, cfg.Verify.Model, nil)
	}
}
