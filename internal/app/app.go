// Package app assembles the stores, queue, limiter and services shared by the binaries.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/cloudinary"
	"qrattend/internal/config"
	"qrattend/internal/handler"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/logger"
	"qrattend/internal/metrics"
	"qrattend/internal/qr"
	"qrattend/internal/qrimage"
	"qrattend/internal/queue"
	"qrattend/internal/ratelimit"
	"qrattend/internal/roster"
	"qrattend/internal/store"
)

const reconcileQueueKey = "qrattend:attendance:reconcile"

// App holds the wired dependencies of one process.
type App struct {
	Config     config.App
	Log        *zap.Logger
	Metrics    metrics.Recorder
	DB         *store.DB    // nil with the memory store
	Redis      *store.Redis // nil unless a redis backend is selected
	Queue      queue.Queue
	Reconciler *attendance.Reconciler
	Service    *qr.Service
}

// Build connects the configured backends.
func Build(ctx context.Context, cfg config.App, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.Init(cfg.MetricsEnabled)}

	var (
		tokens  qr.Store
		dir     rosterDirectory
		ledger  attendance.Store
		limiter ratelimit.Limiter
	)
	switch cfg.StoreBackend {
	case "memory":
		mem := roster.NewMemory()
		roster.SeedDemo(mem)
		tokens, dir, ledger = qr.NewMemory(), mem, attendance.NewMemory()
		log.Warn("using in-memory store; data is lost on restart")
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.DB = db
		if err := store.Migrate(ctx, db.Client); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		tokens = qr.NewRepository(db.Client)
		dir = roster.NewRepository(db.Client)
		ledger = attendance.NewRepository(db.Client)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		a.Redis = store.NewRedis(cfg.RedisAddr)
		if !a.Redis.Healthy(ctx) {
			log.Warn("redis not reachable yet", zap.String("addr", cfg.RedisAddr))
		}
	}

	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewInMemory(256)
	case "redis":
		a.Queue = queue.NewRedisQueue(a.Redis.Client, reconcileQueueKey)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	switch cfg.RateLimitBackend {
	case "memory":
		limiter = ratelimit.NewMemory(cfg.QR.RateLimitMax, cfg.QR.RateLimitWindow)
	case "redis":
		rl, err := ratelimit.NewRedis(a.Redis.Client, "qrattend:checkin", cfg.QR.RateLimitMax, cfg.QR.RateLimitWindow)
		if err != nil {
			a.Close()
			return nil, err
		}
		limiter = rl
	default:
		a.Close()
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimitBackend)
	}

	a.Reconciler = attendance.NewReconciler(ledger, a.Queue, logger.WithComponent(log, "reconciler"))

	var images qr.ImagePublisher
	if cfg.CloudinaryConfigured() {
		cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		images = qrimage.NewPublisher(cdn, qrimage.DefaultSize)
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		log.Info("cloudinary not configured; QR images are rendered on demand only")
	}

	a.Service = qr.NewService(tokens, qr.Deps{
		Courses:    dir,
		Teachers:   dir,
		Students:   dir,
		Ledger:     ledger,
		Reconciler: a.Reconciler,
		Images:     images,
		Limiter:    limiter,
		Metrics:    a.Metrics,
		Log:        logger.WithComponent(log, "qr"),
	}, qr.Options{
		DefaultTTL: cfg.QR.DefaultTTL,
		MaxTTL:     cfg.QR.MaxTTL,
		ClockSkew:  cfg.QR.ClockSkew,
		MaxUsesCap: cfg.QR.MaxUsesCap,
		Location:   cfg.Location(),
	})
	return a, nil
}

type rosterDirectory interface {
	qr.CourseDirectory
	qr.TeacherDirectory
	qr.StudentDirectory
}

// Router builds the HTTP surface.
func (a *App) Router() (*gin.Engine, error) {
	limit := httpmiddleware.RateLimitConfig{
		RequestsPerMinute: a.Config.RateLimitPerMin,
		StoreType:         httpmiddleware.StoreMemory,
	}
	if a.Config.RateLimitBackend == "redis" {
		limit.StoreType = httpmiddleware.StoreRedis
		limit.Redis = a.Redis.Client
	}
	rateLimit, err := httpmiddleware.NewRateLimiter(limit)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	// With no trusted proxies ClientIP is the socket peer and X-Forwarded-For is ignored.
	if err := r.SetTrustedProxies(a.Config.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(
		httpmiddleware.Recovery(a.Log),
		httpmiddleware.RequestLogger(logger.WithComponent(a.Log, "http")),
		httpmiddleware.CORS(a.Config.CORSOrigins),
		httpmiddleware.SecurityHeaders(a.Config.IsProduction()),
		metrics.HTTPMiddleware(a.Metrics),
	)

	if a.Config.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.GET("/healthz", a.health)

	api := r.Group("", rateLimit)
	handler.NewQRHandler(a.Service, logger.WithComponent(a.Log, "handler")).
		Register(api, auth.Bearer(a.Config.JWTSigningKey, a.Config.JWTIssuer))
	return r, nil
}

func (a *App) health(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	if a.DB != nil {
		ok := a.DB.Healthy(ctx)
		body["db"] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	if a.Redis != nil {
		ok := a.Redis.Healthy(ctx)
		body["redis"] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// Close releases the database and redis pools.
func (a *App) Close() {
	if err := a.DB.Close(); err != nil {
		a.Log.Warn("close postgres", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn("close redis", zap.Error(err))
	}
}
