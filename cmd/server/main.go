package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/internal/api/handlers"
	"github.com/ringable/callbridge/internal/quota"
	"github.com/ringable/callbridge/internal/ratelimit"
	"github.com/ringable/callbridge/internal/relay"
	"github.com/ringable/callbridge/internal/scenario"
	"github.com/ringable/callbridge/pkg/env"
	"github.com/ringable/callbridge/pkg/logger"
	"github.com/ringable/callbridge/pkg/middleware"
	"github.com/ringable/callbridge/pkg/mongo"
	"github.com/ringable/callbridge/pkg/otel"
)

type Server struct {
	cfg         *env.Config
	redisClient *redis.Client
	mongoClient *mongo.Client
	handler     *handlers.Handler
}

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("callbridge", "1.0.0", cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting callbridge",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
	)

	// Redis backs the operator API rate limit and webhook deduplication.
	// The relay itself does not need it; running without Redis is supported.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Log.Fatal("Failed to parse Redis URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opt)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Log.Warn("Redis unreachable, continuing without it", zap.Error(err))
			redisClient = nil
		}
		cancel()
	} else {
		logger.Log.Info("REDIS_URL not set; API rate limiting and webhook dedup are disabled")
	}

	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = mongo.NewClient(cfg.MongoURI, cfg.DBName)
		if err != nil {
			logger.Log.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoClient.Disconnect(ctx); err != nil {
				logger.Log.Warn("Failed to disconnect MongoDB", zap.Error(err))
			}
		}()
	} else {
		logger.Log.Info("MONGO_URI not set; call records are not persisted")
	}

	keyer := quota.NewKeyer(cfg.PhoneHashSecret, cfg.DefaultCountryCode, logger.Log)
	quotaStore := buildQuotaStore(cfg, mongoClient)

	engine := ratelimit.NewEngine(ratelimit.Config{
		MaxConnsPerIP:      cfg.MaxConnsPerIP,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		CallsPerIP:         cfg.CallsPerIPMax,
		CallWindow:         cfg.CallWindow(),
		SuspendThreshold:   cfg.SuspendThreshold,
		SuspendDuration:    time.Duration(cfg.SuspendDurationMin) * time.Minute,
		PenaltyDelay:       time.Duration(cfg.PenaltyDelayMs) * time.Millisecond,
		PenaltyDelayMax:    time.Duration(cfg.PenaltyDelayMaxMs) * time.Millisecond,
	}, logger.Log)

	scenarios := scenario.NewRegistry(logger.Log)
	functions := scenario.NewFunctions()
	functions.Register("get_current_time", func(args string) (string, error) {
		out, err := json.Marshal(map[string]string{
			"time": time.Now().Format(time.RFC3339),
		})
		return string(out), err
	})

	var recorder relay.Recorder = relay.NoopRecorder{}
	if mongoClient != nil {
		recorder = relay.NewMongoRecorder(mongoClient, logger.Log)
	}

	registry := relay.NewRegistry(logger.Log)
	bridge := relay.New(cfg, engine, registry, scenarios, functions, quotaStore, keyer, recorder, logger.Log)

	apiHandler := handlers.NewHandler(cfg, redisClient, mongoClient, bridge, engine, scenarios, quotaStore, keyer)

	server := &Server{
		cfg:         cfg,
		redisClient: redisClient,
		mongoClient: mongoClient,
		handler:     apiHandler,
	}
	router := server.setupRouter()

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: router,
		// No global write timeout: /call and /logs hold websockets open for
		// the life of a call.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Log.Info("callbridge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Log.Info("Server exited")
}

// buildQuotaStore picks the per-phone quota backend. Asking for mongo without
// a database degrades to disabled rather than refusing to start; the calling
// feature must stay up.
func buildQuotaStore(cfg *env.Config, mongoClient *mongo.Client) quota.Store {
	switch cfg.QuotaDriver {
	case "mongo":
		if mongoClient == nil {
			logger.Log.Warn("QUOTA_DRIVER=mongo but MONGO_URI is not set; quota enforcement disabled")
			return quota.Disabled(logger.Log)
		}
		store := quota.NewMongoStore(mongoClient, time.Duration(cfg.QuotaRetentionDays)*24*time.Hour, logger.Log)
		store.StartCleanup(context.Background(), time.Hour)
		return store
	case "memory":
		logger.Log.Info("Using in-memory quota store; counts reset on restart")
		return quota.NewMemoryStore()
	case "off":
		return quota.Disabled(logger.Log)
	default:
		logger.Log.Warn("Unknown QUOTA_DRIVER, quota enforcement disabled",
			zap.String("driver", cfg.QuotaDriver))
		return quota.Disabled(logger.Log)
	}
}

func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.RequestSizeLimit(1 << 20))

	if s.cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s\n",
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))

	corsConfig := cors.DefaultConfig()
	if s.cfg.CORSAllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{s.cfg.CORSAllowedOrigins}
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handler.HealthCheck)
	router.GET("/metrics", s.handler.GetMetrics)
	router.GET("/metrics/prometheus", s.handler.GetPrometheusMetrics)

	// Telephony surface. The provider fetches TwiML, then opens the stream.
	router.GET("/twiml", s.handler.TwiML)
	router.POST("/twiml", s.handler.TwiML)
	router.GET("/call", s.handler.CallWebSocket)
	router.GET("/logs", s.handler.LogsWebSocket)
	router.POST("/webhooks/status", s.handler.StatusWebhook)

	// Operator API (protected)
	rateLimiter := middleware.NewRateLimiter(s.redisClient, s.cfg.APIRateLimitRPM)
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(s.cfg.JWTSecret))
	api.Use(rateLimiter.Middleware())
	{
		api.GET("/calls", s.handler.ListCalls)
		api.GET("/quota/:phone", s.handler.QuotaStatus)
		api.GET("/scenarios", s.handler.ListScenarios)
	}

	return router
}
