package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/lockqueue"
	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/orchestrator"
	"rundown-orchestrator/internal/platform/config"
	"rundown-orchestrator/internal/platform/logger"
	"rundown-orchestrator/internal/platform/metrics"
	"rundown-orchestrator/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	met := metrics.New()

	var st store.Store
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store %s: %w", cfg.SQLitePath, err)
		}
		defer db.Close()
		st = db
	default:
		st = store.NewMemoryStore()
	}

	studios, err := loadStudios(cfg.StudioSettingsFile)
	if err != nil {
		return fmt.Errorf("load studio settings: %w", err)
	}

	locks := lockqueue.NewManager(lockqueue.Config{
		JobTimeout: cfg.LockJobTimeout,
		SlowStart:  cfg.LockSlowStart,
		Logger:     log,
		Metrics:    met,
	})
	registry := cache.NewRegistry()
	svc := orchestrator.NewService(orchestrator.Config{
		Store:    st,
		Locks:    locks,
		Registry: registry,
		Cache: cache.Options{
			Development: cfg.Development,
			Logger:      log,
			Metrics:     met,
			Lifetime:    cfg.CacheLifetime,
			TierYield:   cfg.CacheTierYield,
		},
		Notifier: orchestrator.NewLogNotifier(log.With("component", "timeline"), met),
		Logger:   log,
		Metrics:  met,
	})
	if err := svc.SeedStudios(context.Background(), studios); err != nil {
		return fmt.Errorf("seed studios: %w", err)
	}
	h := orchestrator.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			stats := locks.Stats()
			met.SetLockQueueDepth(stats.Running + stats.Pending)
		}).ServeHTTP(w, r)
	})
	r.Route("/studios/{studio_id}", func(r chi.Router) {
		r.Route("/rundowns/{rundown_id}", func(r chi.Router) {
			r.Put("/", h.PutRundown)
			r.Delete("/", h.DeleteRundown)
			r.Put("/segments/{segment_id}", h.PutSegment)
			r.Delete("/segments/{segment_id}", h.DeleteSegment)
		})
		r.Route("/playlists/{playlist_id}", func(r chi.Router) {
			r.Get("/", h.GetPlaylist)
			r.Post("/activate", h.Activate)
			r.Post("/deactivate", h.Deactivate)
			r.Post("/take", h.Take)
			r.Post("/next", h.SetNext)
		})
	})
	r.Get("/admin/work", h.WorkStatus)
	r.Post("/admin/drain", h.Drain)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"store", cfg.StoreDriver,
		"studios", len(studios),
		"development", cfg.Development,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case err := <-serveErr:
		runErr = fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	// in-flight ingest and playout jobs finish before the store closes
	if err := svc.Drain(ctx); err != nil {
		log.Error("drain lock queues", "error", err, "work", svc.WorkStatus())
	}
	return runErr
}

func loadStudios(path string) ([]model.Studio, error) {
	f, err := config.LoadStudios(path)
	if err != nil {
		return nil, err
	}
	out := make([]model.Studio, 0, len(f.Studios))
	for _, e := range f.Studios {
		lockout, err := e.Lockout()
		if err != nil {
			return nil, err
		}
		out = append(out, model.Studio{
			ID:   model.StudioID(e.ID),
			Name: e.Name,
			Settings: model.StudioSettings{
				PreserveOrphanedSegmentContent: e.Preserve(),
				AutonextLockoutMs:              lockout.Milliseconds(),
			},
		})
	}
	return out, nil
}
