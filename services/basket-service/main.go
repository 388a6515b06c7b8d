package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/pkg/auth"
	awspkg "github.com/ValRusDev/microshop/pkg/aws"
	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/ValRusDev/microshop/pkg/health"
	"github.com/ValRusDev/microshop/pkg/logger"
	"github.com/ValRusDev/microshop/pkg/metrics"
	"github.com/ValRusDev/microshop/pkg/middleware"
	"github.com/ValRusDev/microshop/pkg/obs"
	"github.com/ValRusDev/microshop/services/basket-service/config"
	"github.com/ValRusDev/microshop/services/basket-service/controllers"
	"github.com/ValRusDev/microshop/services/basket-service/database"
	"github.com/ValRusDev/microshop/services/basket-service/models"
	"github.com/ValRusDev/microshop/services/basket-service/routes"
	"github.com/ValRusDev/microshop/services/basket-service/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "basket-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("development", serviceName).Fatal("Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	var cloud metrics.CloudRecorder
	var logSink io.Writer
	if cfg.CloudWatchEnabled {
		awsCfg, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			logger.Initialize(cfg.AppEnv, serviceName).Fatal("Failed to load AWS config", zap.Error(err))
		}
		cloud = awspkg.NewMetricsClient(awsCfg, cfg.CloudWatchNamespace, true)
		if sink, err := awspkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, serviceName); err == nil {
			logSink = sink
		}
	}

	log := logger.InitializeWithWriter(cfg.AppEnv, serviceName, logSink)
	defer func() { _ = log.Sync() }()

	shutdownTracer, err := obs.InitTracer(ctx, serviceName, cfg.OTelEndpoint, cfg.AppEnv)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	bus, err := eventbus.Open(ctx, cfg.EventBus, log)
	if err != nil {
		log.Fatal("Failed to open event bus", zap.String("driver", cfg.EventBus.Driver), zap.Error(err))
	}

	serverMetrics := metrics.NewServerMetrics(serviceName, cloud)
	models.RegisterValidators()

	store := database.NewBasketStore(redisClient, cfg.BasketTTL)
	checkout := services.NewCheckoutService(store, bus, serverMetrics, log)
	controller := controllers.NewBasketController(store, checkout, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(log),
		middleware.SecurityHeaders(),
		middleware.CORS(cfg.CORSOrigins),
		middleware.RequestTimeout(cfg.CallTimeout),
		serverMetrics.Middleware(),
		apperrors.ErrorMiddleware(),
	)

	checker := health.NewChecker(5*time.Second,
		health.RedisCheck(redisClient),
		health.Check{Name: "eventbus", Fn: bus.Healthy},
	)
	health.Register(router, checker)
	router.GET("/metrics", gin.WrapH(serverMetrics.Handler()))

	routes.RegisterBasketRoutes(router, controller, auth.NewTokenValidator(cfg.JWTSecret), routes.Options{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
		TrustGatewayHeader: cfg.TrustGatewayHeader,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Basket service listening", zap.String("port", cfg.Port), zap.String("eventbus", cfg.EventBus.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down basket service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		log.Warn("Event bus close failed", zap.Error(err))
	}
	if err := redisClient.Close(); err != nil {
		log.Warn("Redis close failed", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown failed", zap.Error(err))
	}
	log.Info("Basket service stopped")
}
