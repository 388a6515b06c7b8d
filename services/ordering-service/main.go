package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	awspkg "github.com/ValRusDev/microshop/pkg/aws"
	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/ValRusDev/microshop/pkg/health"
	"github.com/ValRusDev/microshop/pkg/logger"
	"github.com/ValRusDev/microshop/pkg/metrics"
	"github.com/ValRusDev/microshop/pkg/middleware"
	"github.com/ValRusDev/microshop/pkg/obs"
	"github.com/ValRusDev/microshop/services/ordering-service/config"
	"github.com/ValRusDev/microshop/services/ordering-service/controllers"
	"github.com/ValRusDev/microshop/services/ordering-service/database"
	"github.com/ValRusDev/microshop/services/ordering-service/routes"
	"github.com/ValRusDev/microshop/services/ordering-service/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "ordering-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("development", serviceName).Fatal("Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	var cloud metrics.CloudRecorder
	var logSink io.Writer
	if cfg.CloudWatchEnabled || cfg.AWSUseSecrets {
		awsCfg, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			logger.Initialize(cfg.AppEnv, serviceName).Fatal("Failed to load AWS config", zap.Error(err))
		}
		if cfg.AWSUseSecrets {
			if err := cfg.ApplySecrets(ctx, awspkg.NewSecretsClient(awsCfg)); err != nil {
				logger.Initialize(cfg.AppEnv, serviceName).Warn("Using environment database credentials", zap.Error(err))
			}
		}
		if cfg.CloudWatchEnabled {
			cloud = awspkg.NewMetricsClient(awsCfg, cfg.CloudWatchNamespace, true)
			if sink, err := awspkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, serviceName); err == nil {
				logSink = sink
			}
		}
	}

	log := logger.InitializeWithWriter(cfg.AppEnv, serviceName, logSink)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	shutdownTracer, err := obs.InitTracer(ctx, serviceName, cfg.OTelEndpoint, cfg.AppEnv)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}

	orderRepo, closeStore, err := database.OpenOrderStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open order store", zap.String("store", cfg.OrderStore), zap.Error(err))
	}

	bus, err := eventbus.Open(ctx, cfg.EventBus, log)
	if err != nil {
		log.Fatal("Failed to open event bus", zap.String("driver", cfg.EventBus.Driver), zap.Error(err))
	}

	serverMetrics := metrics.NewServerMetrics(serviceName, cloud)
	materializer := services.NewOrderMaterializer(orderRepo, serverMetrics, log, cfg.HandlerTimeout)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		if err := materializer.Run(consumerCtx, bus); err != nil {
			log.Error("Checkout consumer stopped", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(log),
		middleware.SecurityHeaders(),
		middleware.CORS(cfg.CORSOrigins),
		serverMetrics.Middleware(),
		apperrors.ErrorMiddleware(),
	)

	checker := health.NewChecker(5*time.Second,
		health.Check{Name: "order-store", Fn: orderRepo.Ping},
		health.Check{Name: "eventbus", Fn: bus.Healthy},
	)
	health.Register(router, checker)
	router.GET("/metrics", gin.WrapH(serverMetrics.Handler()))

	orderService := services.NewOrderService(orderRepo, log)
	routes.RegisterOrderRoutes(router, controllers.NewOrderController(orderService))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Ordering service listening",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.OrderStore),
			zap.String("eventbus", cfg.EventBus.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down ordering service")

	consumerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		consumers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn("Consumer did not stop before deadline")
	}

	if err := bus.Close(); err != nil {
		log.Warn("Event bus close failed", zap.Error(err))
	}
	if err := closeStore(shutdownCtx); err != nil {
		log.Warn("Order store close failed", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown failed", zap.Error(err))
	}
	log.Info("Ordering service stopped")
}
