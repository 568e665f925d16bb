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

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/keystone-admin/keystone-admin/internal/app"
	"github.com/keystone-admin/keystone-admin/internal/hierarchy"
	"github.com/keystone-admin/keystone-admin/internal/platform/cache"
	"github.com/keystone-admin/keystone-admin/internal/platform/db"
	"github.com/keystone-admin/keystone-admin/internal/rbac"
	"github.com/keystone-admin/keystone-admin/internal/roles"
	"github.com/keystone-admin/keystone-admin/internal/shared"
	"github.com/keystone-admin/keystone-admin/internal/users"
	"github.com/keystone-admin/keystone-admin/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		// The cache is a performance layer; resolution degrades to the store.
		logger.Warn("redis unavailable, running without cache", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	var jobClient *jobs.Client
	if redisClient != nil {
		if jobClient, err = jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}); err != nil {
			logger.Warn("jobs client unavailable", slog.Any("error", err))
		} else {
			defer func() {
				if err := jobClient.Close(); err != nil {
					logger.Warn("jobs client close", slog.Any("error", err))
				}
			}()
		}
	}

	var enqueuer rbac.TaskEnqueuer
	if jobClient != nil {
		enqueuer = jobClient
	}
	userCache := rbac.NewUserCache(redisClient, cfg.PermCacheTTL, cfg.CacheEvictDelay, enqueuer, logger)

	auditLogger := shared.NewAuditLogger(pool)

	hierarchyRepo := hierarchy.NewRepository(pool)
	hierarchyService := hierarchy.NewService(hierarchyRepo, userCache, auditLogger, logger)

	rbacRepo := rbac.NewRepository(pool)
	aggregator := rbac.NewAggregator(rbacRepo, logger)
	resolver := rbac.NewResolver(rbacRepo, userCache, logger)
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger}

	rolesService := roles.NewService(hierarchyService, rbacRepo, aggregator, userCache, logger)
	rolesHandler := roles.NewHandler(logger, rolesService, rbacMiddleware)

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo, resolver, userCache, logger)
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware)

	var jobHandler *jobs.Handler
	if redisClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		RolesHandler: rolesHandler,
		UsersHandler: usersHandler,
		JobHandler:   jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
