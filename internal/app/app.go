// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/usergate/api/openapi"
	"github.com/bissquit/usergate/internal/config"
	"github.com/bissquit/usergate/internal/domain"
	"github.com/bissquit/usergate/internal/identity"
	"github.com/bissquit/usergate/internal/identity/jwt"
	identitypostgres "github.com/bissquit/usergate/internal/identity/postgres"
	"github.com/bissquit/usergate/internal/pkg/ctxlog"
	"github.com/bissquit/usergate/internal/pkg/httputil"
	"github.com/bissquit/usergate/internal/pkg/metrics"
	"github.com/bissquit/usergate/internal/pkg/postgres"
	"github.com/bissquit/usergate/internal/version"
	"github.com/bissquit/usergate/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

const welcomeMessage = "Welcome to the server!"

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	orm           *gorm.DB
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance: it connects to the database,
// applies migrations when enabled, seeds the admin account and builds both
// HTTP servers.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrations applied")
	}

	orm, err := postgres.OpenGORM(db, postgres.GORMConfig{
		SlowThreshold: cfg.Database.SlowThreshold,
		LogLevel:      cfg.Database.LogLevel,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		orm:           orm,
		metricsCancel: metricsCancel,
	}

	router, err := app.setupRouter()
	if err != nil {
		metricsCancel()
		app.closeDB()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	go metrics.CollectDBPoolMetrics(metricsCtx, db, 15*time.Second)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

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

// Run starts the HTTP servers and blocks until the main server stops.
func (a *App) Run() error {
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
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.closeDB()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) closeDB() {
	if sqlDB, err := a.orm.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.db.Close()
}

func (a *App) setupRouter() (*chi.Mux, error) {
	repo := identitypostgres.NewRepository(a.orm)

	tokens, err := jwt.NewAuthenticator(jwt.Config{
		SecretKey:           a.config.JWT.SecretKey,
		AccessTokenDuration: a.config.JWT.AccessTokenDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("create token service: %w", err)
	}

	identityService := identity.NewService(repo, tokens, identity.NewBcryptHasher(identity.DefaultBcryptCost))

	if err := a.seedAdmin(identityService); err != nil {
		return nil, err
	}

	identityHandler := identity.NewHandler(identityService, identity.CookieSettings{
		Secure:              a.config.Cookie.Secure,
		Domain:              a.config.Cookie.Domain,
		AccessTokenDuration: a.config.JWT.AccessTokenDuration,
	})

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(httputil.SecurityHeadersMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	if a.config.RateLimit.Enabled {
		limiter := httputil.NewRateLimiter(httputil.RateLimitConfig{
			RequestsPerSecond: a.config.RateLimit.RequestsPerSecond,
			Burst:             a.config.RateLimit.Burst,
		})
		r.Use(limiter.Middleware)
	}
	r.Use(middleware.Recoverer)
	if a.config.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(a.config.Server.RequestTimeout))
	}

	r.Get("/", a.welcomeHandler)
	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)
	r.Get("/api-docs", a.docsHandler)
	r.Get("/api-docs/openapi.yaml", a.openAPIHandler)
	a.mountStatic(r)

	identityHandler.RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(identityService))
		identityHandler.RegisterProtectedRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			identityHandler.RegisterAdminRoutes(r)
		})
	})

	return r, nil
}

func (a *App) seedAdmin(service *identity.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := service.EnsureAdmin(ctx, identity.AdminSeed{
		Username: a.config.Admin.Username,
		Email:    a.config.Admin.Email,
		Password: a.config.Admin.Password,
	})
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if created {
		a.logger.Info("admin account created", "email", a.config.Admin.Email)
	}
	return nil
}

// mountStatic serves the configured directory under /static/ when it exists.
func (a *App) mountStatic(r chi.Router) {
	dir := a.config.Static.Dir
	if dir == "" {
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		a.logger.Debug("static directory not found, skipping", "dir", dir)
		return
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
}

func (a *App) welcomeHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, welcomeMessage)
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := a.orm.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Info())
}

func (a *App) openAPIHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openapi.Spec)
}

func (a *App) docsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerPage))
}

const swaggerPage = `<!DOCTYPE html>
<html>
<head>
    <title>usergate API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api-docs/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
