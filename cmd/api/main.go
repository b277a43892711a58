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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventgate/internal/api"
	"eventgate/internal/attendance"
	"eventgate/internal/audit"
	"eventgate/internal/auth"
	"eventgate/internal/config"
	"eventgate/internal/group"
	"eventgate/internal/httpmiddleware"
	"eventgate/internal/participant"
	"eventgate/internal/queue"
	"eventgate/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env", "error", err)
	}
	cfg := config.Load()
	setupLogger(cfg)

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.App) {
	if cfg.Production() {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
		return
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	})))
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		db          *store.DB
		redisClient *store.Redis
		ledger      attendance.Ledger
		people      participant.Store
		groupStore  group.Store
	)

	if cfg.StoreBackend == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		ledger = attendance.NewMemoryLedger()
		people = participant.NewMemoryStore()
		groupStore = group.NewMemoryStore()
	} else {
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, participant.Schema, group.Schema, attendance.Schema); err != nil {
				return err
			}
		}
		ledger = attendance.NewRepository(db.Client, cfg.LockTimeout)
		people = participant.NewRepository(db.Client)
		groupStore = group.NewRepository(db.Client)
	}

	if cfg.QueueBackend == "redis" || cfg.CacheBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	var cache attendance.RotationCache
	if cfg.CacheBackend == "redis" {
		cache = attendance.NewRedisRotationCache(redisClient.Client, "")
	} else {
		cache = attendance.NewMemoryRotationCache()
	}

	accounts := participant.NewService(people, 0)
	events := attendance.NewService(ledger, accounts, attendance.Options{
		RotationInterval: cfg.RotationInterval,
		LockTimeout:      cfg.LockTimeout,
		Cache:            cache,
		Notify:           q,
	})

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := accounts.EnsureAdmin(ctx, "Admin", cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return err
		}
	}

	// nothing outside this process can drain an in-memory queue
	if cfg.QueueBackend == "memory" {
		go func() {
			if err := audit.New(events, slog.Default()).Run(ctx, q); err != nil {
				slog.Error("auditor failed", "error", err)
			}
		}()
	}

	if cfg.SweepInterval > 0 {
		go sweep(ctx, events, cfg.SweepInterval)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(cfg.CORSOrigins, cfg.Production()))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewKeyedLimiter("ip", cfg.RateLimitPerMin).GinMiddleware(httpmiddleware.ClientIP))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		body := gin.H{"status": "ok", "store": cfg.StoreBackend}
		status := http.StatusOK
		if db != nil {
			ok := db.Healthy(checkCtx)
			body["db"] = ok
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		if redisClient != nil {
			ok := redisClient.Healthy(checkCtx)
			body["redis"] = ok
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	api.New(api.Config{
		Events:      events,
		People:      accounts,
		Groups:      group.NewService(groupStore, events, nil, slog.Default()),
		Tokens:      auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		JoinLimiter: httpmiddleware.NewKeyedLimiter("join", cfg.JoinRatePerMin),
	}).Register(r)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}

	slog.Info("server exited")
	return nil
}

// sweep reconciles all events on a fixed interval so stale statuses and
// codes are fixed even when nobody reads them.
func sweep(ctx context.Context, events *attendance.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := events.Sweep(ctx, now); err != nil {
				slog.Warn("sweep finished with errors", "error", err)
			}
		}
	}
}

// corsMiddleware allows the configured origins. Without a list, production
// sends no CORS headers at all and development accepts any origin without
// credentials.
func corsMiddleware(origins []string, production bool) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Disposition", "Retry-After"},
		MaxAge:        24 * time.Hour,
	}
	switch {
	case len(origins) > 0:
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	case production:
		return func(c *gin.Context) { c.Next() }
	default:
		cfg.AllowAllOrigins = true
	}
	return cors.New(cfg)
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
