package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursehub/server/internal/module/course"
	"github.com/coursehub/server/internal/module/enrollment"
	"github.com/coursehub/server/internal/module/payment"
	"github.com/coursehub/server/internal/module/payment/entity"
	"github.com/coursehub/server/internal/module/payment/gateway"
	sharedcache "github.com/coursehub/server/internal/shared/cache"
	"github.com/coursehub/server/internal/shared/config"
	"github.com/coursehub/server/internal/shared/database"
	"github.com/coursehub/server/internal/shared/logger"
	"github.com/coursehub/server/internal/utils/metrics"
	"github.com/coursehub/server/internal/utils/middleware"
)

// App wires the payment service together. Construction is fail fast: any
// configuration or dependency error aborts startup instead of limping
// into request handling with a half-configured gateway.
type App struct {
	config *config.Config
	db     *gorm.DB
	redis  goredis.UniversalClient
	router *gin.Engine
	logger *zap.Logger

	paymentService    *payment.Service
	paymentHandler    *payment.Handler
	webhookHandler    *payment.WebhookHandler
	courseHandler     *course.Handler
	metricsMiddleware gin.HandlerFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{config: cfg, logger: log}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	if err := app.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Redis is optional: without it course reads skip the cache and the
	// idempotency middleware passes requests through.
	if cfg.Redis.Address != "" {
		redisClient, err := sharedcache.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("redis connection failed, continuing without cache", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	if err := app.initModules(); err != nil {
		return nil, fmt.Errorf("init modules: %w", err)
	}
	app.router = app.setupRouter()

	return app, nil
}

// migrate keeps the schema current. The unique indexes on transaction_id
// and the gateway event journal are load-bearing; the ledger's guarantees
// assume they exist.
func (a *App) migrate() error {
	return a.db.AutoMigrate(
		&entity.PaymentEntity{},
		&entity.PaymentMethodEntity{},
		&entity.GatewayEventEntity{},
		&course.Course{},
	)
}

// initModules builds the service graph.
func (a *App) initModules() error {
	m := metrics.New("coursehub")

	registry, err := a.buildGatewayRegistry()
	if err != nil {
		return err
	}

	courseRepo := course.NewRepository(a.db)
	courseService := course.NewService(courseRepo, a.redis, a.config.Payment.PriceCacheTTL, a.logger)
	a.courseHandler = course.NewHandler(courseService)

	enroller, err := enrollment.NewClient(enrollment.Config{
		BaseURL: a.config.Enrollment.BaseURL,
		Token:   a.config.Enrollment.Token,
		Timeout: a.config.Enrollment.Timeout,
	}, a.logger)
	if err != nil {
		return err
	}

	paymentRepo := payment.NewRepository(a.db)
	a.paymentService = payment.NewService(
		paymentRepo,
		registry,
		&courseReaderAdapter{service: courseService},
		enroller,
		m,
		a.logger,
	)
	a.paymentHandler = payment.NewHandler(a.paymentService)
	a.webhookHandler = payment.NewWebhookHandler(a.paymentService, a.logger)

	a.metricsMiddleware = middleware.Metrics(m)
	return nil
}

// buildGatewayRegistry constructs an adapter per enabled gateway. Missing
// credentials surface here and abort startup.
func (a *App) buildGatewayRegistry() (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	gateways := a.config.Gateways
	apiBase := a.config.Payment.NotifyBaseURL + "/api/v1"

	if gateways.Hosted.Enabled {
		adapter, err := gateway.NewHostedAdapter(gateway.HostedConfig{
			APIKey:             gateways.Hosted.APIKey,
			WebhookSecret:      gateways.Hosted.WebhookSecret,
			SignatureTolerance: gateways.Hosted.SignatureTolerance,
			SuccessURL:         apiBase + "/payments/hosted/return?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:          a.config.Payment.ReturnBaseURL + "/checkout/cancelled",
		}, a.logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if gateways.Redirect.Enabled {
		adapter, err := gateway.NewRedirectAdapter(gateway.RedirectConfig{
			TenantCode: gateways.Redirect.TenantCode,
			HashSecret: gateways.Redirect.HashSecret,
			PayURL:     gateways.Redirect.PayURL,
			APIURL:     gateways.Redirect.APIURL,
			ReturnURL:  apiBase + "/payments/redirect/return",
			NotifyURL:  apiBase + "/webhooks/redirect",
		}, gateways.Redirect.Timeout, a.logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if gateways.ApiSigned.Enabled {
		adapter, err := gateway.NewApiSignedAdapter(gateway.ApiSignedConfig{
			PartnerCode: gateways.ApiSigned.PartnerCode,
			AccessKey:   gateways.ApiSigned.AccessKey,
			SecretKey:   gateways.ApiSigned.SecretKey,
			Endpoint:    gateways.ApiSigned.Endpoint,
			ReturnURL:   apiBase + "/payments/apisigned/return",
			NotifyURL:   apiBase + "/webhooks/apisigned",
		}, gateways.ApiSigned.Timeout, a.logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no payment gateway enabled")
	}
	return registry, nil
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	r.Use(a.metricsMiddleware)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// Public catalog.
	a.courseHandler.RegisterRoutes(api)

	// Gateway callbacks carry their own authentication: signatures.
	a.webhookHandler.RegisterWebhookRoutes(api.Group("/webhooks"))
	a.webhookHandler.RegisterReturnRoutes(api.Group("/payments"))

	// Everything else requires a signed-in user.
	validator := middleware.NewJWTValidator(a.config.Auth.JWTSecret)
	authed := api.Group("")
	authed.Use(middleware.Auth(validator))
	authed.Use(middleware.Idempotency(a.redis, middleware.DefaultIdempotencyConfig()))
	a.paymentHandler.RegisterRoutes(authed)

	return r
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stop releases application resources.
func (a *App) Stop() {
	if a.redis != nil {
		if err := sharedcache.Close(a.redis); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// courseReaderAdapter bridges the course service to the payment module's
// consumer-side interface.
type courseReaderAdapter struct {
	service *course.Service
}

func (c *courseReaderAdapter) GetCourse(ctx context.Context, id uuid.UUID) (*payment.CourseInfo, error) {
	crs, err := c.service.GetCourse(ctx, id)
	if err != nil {
		if errors.Is(err, course.ErrCourseNotFound) {
			return nil, payment.ErrCourseNotFound
		}
		return nil, err
	}
	return &payment.CourseInfo{
		ID:          crs.ID,
		Name:        crs.Name,
		Description: crs.Description,
		Price:       crs.Price,
		Currency:    crs.Currency,
		Published:   crs.Published,
	}, nil
}
