// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/proxyshop/notifycore/internal/config"
	"github.com/proxyshop/notifycore/internal/notifications"
	"github.com/proxyshop/notifycore/internal/notifications/email"
	"github.com/proxyshop/notifycore/internal/notifications/push"
	"github.com/proxyshop/notifycore/internal/pkg/auth"
	"github.com/proxyshop/notifycore/internal/pkg/ctxlog"
	"github.com/proxyshop/notifycore/internal/pkg/httputil"
	"github.com/proxyshop/notifycore/internal/pkg/metrics"
	"github.com/proxyshop/notifycore/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *database
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	notifier      *notifications.Notifier
	worker        *notifications.Worker
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := openDatabase(connectCtx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	build := version.Get()
	metrics.RecordBuildInfo(build.Version, build.Commit, cfg.Database.Driver)
	logger.Info("starting notifycore", "version", build.Version, "commit", build.Commit, "store_driver", cfg.Database.Driver)

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		db.close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"database_driver", a.config.Database.Driver,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, drains background admissions and
// scheduler loops, then closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})
	err := g.Wait()

	a.notifier.Stop()
	a.worker.Stop()

	a.db.close()

	return err
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	a.db.recordMetrics()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.db.recordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	nc := a.config.Notifications
	repo := a.db.repo

	pushClient := push.NewClient(push.Config{
		URL:         nc.Push.URL,
		AccessToken: nc.Push.AccessToken,
		Timeout:     nc.Push.Timeout,
		RateLimit:   nc.Push.RateLimit,
		Burst:       nc.Push.Burst,
	})

	emailSender, err := email.NewSender(email.Config{
		Enabled:      nc.Email.Enabled,
		SMTPHost:     nc.Email.SMTPHost,
		SMTPPort:     nc.Email.SMTPPort,
		SMTPUser:     nc.Email.SMTPUser,
		SMTPPassword: nc.Email.SMTPPassword,
		FromAddress:  nc.Email.FromAddress,
		Timeout:      nc.Email.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !nc.Email.Enabled {
		slog.Warn("email sender is disabled: digest emails will not be sent")
	}

	renderer, err := notifications.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create digest renderer: %w", err)
	}

	dispatcher := notifications.NewDispatcher(repo, pushClient)
	engine := notifications.NewEngine(notifications.EngineConfig{
		DispatchTimeout: nc.Admission.DispatchTimeout,
		StoreTimeout:    nc.Admission.StoreTimeout,
	}, repo, repo, dispatcher, nil)

	a.notifier = notifications.NewNotifier(engine, nc.Admission.AsyncTimeout)

	aggregator := notifications.NewAggregator(notifications.DigestConfig{
		Interval:         nc.Digest.Interval,
		FirstUnreadDelay: nc.Digest.FirstUnreadDelay,
		BatchSize:        nc.Digest.BatchSize,
		EntryTimeout:     nc.Digest.EntryTimeout,
		Concurrency:      nc.Digest.Concurrency,
		BaseURL:          nc.Digest.BaseURL,
	}, repo, repo, repo, emailSender, renderer, nil)

	a.worker = notifications.NewWorker(notifications.WorkerConfig{
		SweepEnabled:     nc.Digest.ScheduleEnabled,
		SweepEvery:       nc.Digest.SweepEvery,
		RetentionEnabled: nc.Retention.Enabled,
		RetentionEvery:   nc.Retention.Every,
		RetentionMaxAge:  nc.Retention.MaxAge,
	}, aggregator, repo, nil)
	a.worker.Start(ctx)

	directory := notifications.NewDirectory(repo, nil)
	notificationsHandler := notifications.NewHandler(engine, a.notifier, aggregator, a.worker, directory)

	validator, err := a.tokenValidator()
	if err != nil {
		return nil, err
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(validator))
		notificationsHandler.RegisterRoutes(r)
	})

	return r, nil
}

// tokenValidator returns nil when no secret is configured, which disables
// authentication.
func (a *App) tokenValidator() (httputil.TokenValidator, error) {
	if a.config.Auth.Secret == "" {
		slog.Warn("auth secret is empty: API is served without authentication")
		return nil, nil
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Secret: a.config.Auth.Secret,
		Issuer: a.config.Auth.Issuer,
		TTL:    a.config.Auth.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}
	return authenticator, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.repo.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
