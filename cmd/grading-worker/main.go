package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/config"
	"riddleflow/internal/common/db"
	commonmw "riddleflow/internal/common/http/middleware"
	"riddleflow/internal/common/metrics"
	"riddleflow/internal/common/mq"
	"riddleflow/internal/common/storage"
	"riddleflow/internal/grading/controller"
	"riddleflow/internal/grading/evaluator"
	"riddleflow/internal/grading/repository"
	"riddleflow/internal/grading/sandbox"
	"riddleflow/internal/grading/service"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/logger"
	"riddleflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConfigPath   = "configs/grading_worker.yaml"
	imagePreflightLimit = 5 * time.Minute
	healthCheckTimeout  = 2 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grading worker stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	pg, err := db.NewPostgreSQL(appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = pg.Close()
	}()

	redisClient, err := cache.NewRedisClient(appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisClient.Close()
	}()
	redisCache, err := cache.NewRedisCache(redisClient)
	if err != nil {
		return fmt.Errorf("init redis cache failed: %w", err)
	}

	queue, err := config.NewQueue(appCfg.Queue, redisClient)
	if err != nil {
		return fmt.Errorf("init queue failed: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	registry := metrics.NewRegistry()
	gradingMetrics := metrics.NewGradingMetrics(registry)

	dockerClient, err := sandbox.NewDockerClient()
	if err != nil {
		return fmt.Errorf("init docker client failed: %w", err)
	}
	defer func() {
		_ = dockerClient.Close()
	}()
	runner, err := sandbox.NewDockerRunner(dockerClient, appCfg.Sandbox, gradingMetrics)
	if err != nil {
		return fmt.Errorf("init sandbox runner failed: %w", err)
	}
	preflightCtx, cancelPreflight := context.WithTimeout(ctx, imagePreflightLimit)
	err = runner.EnsureImage(preflightCtx)
	cancelPreflight()
	if err != nil {
		return fmt.Errorf("sandbox image preflight failed: %w", err)
	}

	statusRepo := repository.NewStatusRepository(redisCache, appCfg.Status.TTL)
	svcCfg := service.Config{
		Submissions: repository.NewSubmissionRepository(pg),
		Evaluator:   evaluator.New(runner),
		Queue:       queue,
		Retry: service.RetryPolicy{
			Topic:      appCfg.Queue.RetryTopic,
			DeadLetter: appCfg.Queue.DeadLetterTopic,
			MaxRetries: appCfg.Queue.RetryMax,
			BaseDelay:  appCfg.Queue.RetryBaseDelay,
			MaxDelay:   appCfg.Queue.RetryMaxDelay,
		},
		Status:         statusRepo,
		Metrics:        gradingMetrics,
		WorkerPoolSize: appCfg.Worker.PoolSize,
		SlotWait:       appCfg.Worker.SlotWait,
		StatusTimeout:  appCfg.Status.Timeout,
	}
	if appCfg.Queue.GradedTopic != "" {
		svcCfg.Events = repository.NewMQGradedEventPublisher(queue, appCfg.Queue.GradedTopic)
	}
	var reportReader controller.ReportReader
	if appCfg.Report.Enabled {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		if err := objStorage.EnsureBucket(ctx, appCfg.Report.Bucket); err != nil {
			return fmt.Errorf("ensure report bucket failed: %w", err)
		}
		reports := repository.NewReportStore(objStorage, appCfg.Report.Bucket, appCfg.Report.Prefix)
		svcCfg.Reports = reports
		reportReader = reports
	}
	gradingSvc, err := service.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init grading service failed: %w", err)
	}

	subOpts := &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Queue.ConsumerGroup,
		PrefetchCount:   appCfg.Queue.PrefetchCount,
		Concurrency:     appCfg.Queue.Concurrency,
		MaxRetries:      appCfg.Queue.MaxRetries,
		RetryDelay:      appCfg.Queue.RetryDelay,
		DeadLetterTopic: appCfg.Queue.DeadLetterTopic,
	}
	for _, topic := range []string{appCfg.Queue.JobsTopic, appCfg.Queue.RetryTopic} {
		if err := queue.SubscribeWithOptions(ctx, topic, gradingSvc.HandleMessage, subOpts); err != nil {
			return fmt.Errorf("subscribe %s failed: %w", topic, err)
		}
	}

	checks := map[string]func(context.Context) error{
		"database": pg.Ping,
		"redis":    redisCache.Ping,
		"queue":    queue.Ping,
		"sandbox":  runner.Ping,
	}
	httpServer := buildHTTPServer(appCfg.Server, registry, controller.NewGradingController(statusRepo, reportReader), checks)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.Start(); err != nil {
		return fmt.Errorf("start consumer failed: %w", err)
	}
	logger.Info(ctx, "grading worker started",
		zap.String("driver", appCfg.Queue.Driver),
		zap.String("jobs_topic", appCfg.Queue.JobsTopic),
		zap.Int("pool_size", appCfg.Worker.PoolSize))

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		logger.Info(ctx, "grading http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "http server shutdown failed", zap.Error(err))
		}
		// Stop waits for in-flight jobs; unfinished ones stay unacknowledged.
		return queue.Stop()
	})
	return g.Wait()
}

func buildHTTPServer(cfg config.ServerConfig, registry *prometheus.Registry, gradingController *controller.GradingController, checks map[string]func(context.Context) error) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	router.GET("/healthz", healthHandler(checks))
	router.GET("/metrics", gin.WrapH(metrics.Handler(registry)))
	gradingController.Register(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func healthHandler(checks map[string]func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "%s is unavailable", name))
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	}
}
