package main

import (
	"context"
	"fmt"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/redis/go-redis/v9"
	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/internal/handlers"
	"github.com/rupaya/backend/internal/models"
	"github.com/rupaya/backend/internal/services"
	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/rupaya/backend/internal/store"
	"github.com/rupaya/backend/internal/utils"
	"github.com/rupaya/backend/pkg/logger"
	"gorm.io/gorm"
)

const startupTimeout = 30 * time.Second

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg *config.Config
	db  *gorm.DB

	redis             *redis.Client
	bus               evbus.Bus
	tokenService      *services.TokenService
	cleanupScheduler  *services.CleanupScheduler
	registry          *featureflags.Registry
	evaluator         *featureflags.Evaluator
	deploymentMetrics *services.DeploymentMetrics
	auditLogService   *services.AuditLogService
	taskQueue         services.TaskQueue
	worker            *services.Worker

	authHandler        *handlers.AuthHandler
	cleanupHandler     *handlers.CleanupHandler
	featureFlagHandler *handlers.FeatureFlagHandler
	metricsHandler     *handlers.MetricsHandler
	deploymentHandler  *handlers.DeploymentMetricsHandler
	healthHandler      *handlers.HealthHandler
	auditLogHandler    *handlers.AuditLogHandler
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(ctx context.Context, cfg *config.Config) (*appServices, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := models.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	db := models.GetDB()

	svc := &appServices{cfg: cfg, db: db}

	// Redis is optional; everything it backs has an in-process fallback
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using in-process flag cache and metrics history")
			_ = client.Close()
		} else {
			svc.redis = client
		}
	}

	// Alerts
	svc.bus = services.NewAlertBus()
	if err := services.NewAlertNotifier(cfg.Alerts.WebhookURL).Subscribe(svc.bus); err != nil {
		return nil, err
	}

	// Tokens and accounts
	tokenStore, err := store.New(cfg.TokenStore.Driver, db)
	if err != nil {
		return nil, err
	}
	svc.tokenService = services.NewTokenService(tokenStore, services.NewRoleResolver(db), &cfg.JWT, cfg.Cleanup.Retention)
	authService := services.NewAuthService(db, svc.tokenService, &cfg.Auth)
	if err := authService.CreateAdminIfNotExists(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	// Revoked-token cleanup
	var locker *services.SchedulerLocker
	if cfg.Cleanup.DistributedLock {
		locker = services.NewSchedulerLocker(db)
	}
	cleanupMetrics := services.NewCleanupMetrics(svc.bus)
	svc.cleanupScheduler = services.NewCleanupScheduler(svc.tokenService, cleanupMetrics, cfg.Cleanup, locker)

	// Feature flags
	var flagCache featureflags.Cache
	var history services.MetricsHistory
	if svc.redis != nil {
		flagCache = featureflags.NewRedisCache(svc.redis, cfg.Flags.CacheTTL)
		history = services.NewRedisMetricsHistory(svc.redis)
	}
	svc.registry = featureflags.NewRegistry(cfg.Flags.Environment, featureflags.NewGormRepository(db), flagCache)
	if err := svc.registry.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seed feature flags: %w", err)
	}
	svc.evaluator = featureflags.NewEvaluator(svc.registry, nil)

	// Deployment metrics and the rollback circuit breaker
	svc.deploymentMetrics = services.NewDeploymentMetrics(cfg.Deployment, cfg.Flags.Environment, history, svc.evaluator, svc.registry, svc.bus)
	svc.registry.OnChange(svc.deploymentMetrics.RecordEvent)

	// Canary advancement (Redis queue when reachable, in-process otherwise)
	svc.taskQueue = services.NewTaskQueue(&cfg.Redis)
	canaryScheduler := services.NewCanaryScheduler(svc.registry, svc.taskQueue)
	if svc.taskQueue.IsAsync() {
		svc.worker = services.NewWorker(&cfg.Redis)
		svc.worker.SetProcessor(canaryScheduler.Process)
	}

	svc.auditLogService = services.NewAuditLogService(db)

	svc.authHandler = handlers.NewAuthHandler(authService, svc.tokenService)
	svc.cleanupHandler = handlers.NewCleanupHandler(svc.cleanupScheduler, svc.tokenService)
	svc.featureFlagHandler = handlers.NewFeatureFlagHandler(svc.registry, svc.evaluator, canaryScheduler)
	svc.metricsHandler = handlers.NewMetricsHandler(db, svc.cleanupScheduler, svc.deploymentMetrics, svc.evaluator, svc.tokenService, svc.taskQueue)
	svc.deploymentHandler = handlers.NewDeploymentMetricsHandler(svc.deploymentMetrics, svc.registry, svc.evaluator)
	svc.healthHandler = handlers.NewHealthHandler(db, svc.redis, svc.taskQueue, svc.cleanupScheduler)
	svc.auditLogHandler = handlers.NewAuditLogHandler(svc.auditLogService)

	return svc, nil
}

// start launches the background jobs.
func (s *appServices) start() error {
	if err := s.cleanupScheduler.Start(); err != nil {
		return err
	}
	s.deploymentMetrics.Start()
	if s.worker != nil {
		if err := s.worker.Start(); err != nil {
			return err
		}
	}
	return nil
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.cleanupScheduler.Stop()
	s.deploymentMetrics.Stop()
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		_ = s.taskQueue.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
