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

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/config"
	"riddleflow/internal/common/db"
	commonmw "riddleflow/internal/common/http/middleware"
	"riddleflow/internal/common/metrics"
	"riddleflow/internal/lifecycle/repository"
	"riddleflow/internal/lifecycle/scheduler"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/logger"
	"riddleflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/lifecycle_scheduler.yaml"

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
		logger.Error(context.Background(), "lifecycle scheduler stopped with error", zap.Error(err))
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

	registry := metrics.NewRegistry()
	schedCfg := scheduler.Config{
		Store:       repository.NewEventRepository(pg),
		Interval:    appCfg.Scheduler.Interval,
		TickTimeout: appCfg.Scheduler.TickTimeout,
		LockKey:     appCfg.Scheduler.LockKey,
		LockTTL:     appCfg.Scheduler.LockTTL,
		Metrics:     metrics.NewSchedulerMetrics(registry),
	}
	checks := map[string]func(context.Context) error{"database": pg.Ping}
	if appCfg.Scheduler.LockEnabled {
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
		schedCfg.Lock = redisCache
		checks["redis"] = redisCache.Ping
	}
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return fmt.Errorf("init scheduler failed: %w", err)
	}

	httpServer := buildHTTPServer(appCfg.Server, registry, checks)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		logger.Info(ctx, "scheduler http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildHTTPServer(cfg config.ServerConfig, registry *prometheus.Registry, checks map[string]func(context.Context) error) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "%s is unavailable", name))
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(registry)))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
