// Allocation study server
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

	"github.com/ashureev/allocation-study/internal/api"
	"github.com/ashureev/allocation-study/internal/catalog"
	"github.com/ashureev/allocation-study/internal/config"
	"github.com/ashureev/allocation-study/internal/identity"
	"github.com/ashureev/allocation-study/internal/middleware"
	"github.com/ashureev/allocation-study/internal/session"
	"github.com/ashureev/allocation-study/internal/store"
	"github.com/ashureev/allocation-study/internal/sweeper"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	if cfg.CatalogAutoseed {
		if err := autoseed(context.Background(), repo, cfg.CatalogSeed); err != nil {
			slog.Error("Failed to seed catalog", "error", err)
			os.Exit(1)
		}
	}

	// A broken catalog means the study cannot run at all.
	cat, err := catalog.Load(context.Background(), repo)
	if err != nil {
		slog.Error("Failed to load catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Catalog loaded", "scenarios", len(cat.Scenarios()), "sequences", len(cat.Sequences()))

	sessions := session.NewManager(repo, cat, cfg.LockWindow)

	healthHandler := api.NewHealthHandler(repo)
	sessionHandler := api.NewSessionHandler(sessions)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepDone := sweeper.New(repo, cfg.AbandonAfter, cfg.SweepInterval).Start(ctx)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	<-sweepDone

	slog.Info("Server stopped successfully")
}

// autoseed generates the default catalog when the database has none.
func autoseed(ctx context.Context, repo *store.SQLiteStore, seed uint64) error {
	counts, err := repo.CountCatalog(ctx)
	if err != nil {
		return err
	}
	if counts.Scenarios > 0 {
		slog.Info("Catalog present, skipping autoseed", "scenarios", counts.Scenarios)
		return nil
	}

	def, err := catalog.DefaultDefinition()
	if err != nil {
		return err
	}
	_, err = catalog.Seed(ctx, repo, def, seed)
	return err
}
