package main

import (
	"time"

	"github.com/huangang/featurehub/internal/config"
	"github.com/huangang/featurehub/internal/handlers"
	"github.com/huangang/featurehub/internal/lock"
	"github.com/huangang/featurehub/internal/mention"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/internal/services/syncengine"
	"github.com/huangang/featurehub/internal/services/webhook"
	"github.com/huangang/featurehub/internal/tracker"
	"github.com/huangang/featurehub/internal/utils"
	"github.com/huangang/featurehub/internal/vault"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg         *config.Config
	taskQueue   services.TaskQueue
	worker      *services.Worker
	scheduler   *syncengine.Scheduler
	redisLocker *lock.RedisLocker

	authHandler      *handlers.AuthHandler
	featureHandler   *handlers.FeatureHandler
	categoryHandler  *handlers.CategoryHandler
	syncHandler      *handlers.SyncHandler
	webhookHandler   *handlers.WebhookHandler
	systemLogHandler *handlers.SystemLogHandler
	healthHandler    *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := models.SeedDefaultData(); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}
	db := models.GetDB()

	services.InitSystemLogger(db)
	services.StartLogCleanupScheduler(db, cfg.Log.RetentionDays)

	// Without a master key tokens can be neither stored nor used.
	tokenVault, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		logger.Fatalf("Failed to initialize token vault: %v", err)
	}
	registry := tracker.NewRegistry(tokenVault, tracker.Options{
		CallTimeout:       cfg.Sync.CallTimeout(),
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		Burst:             cfg.Sync.Burst,
	})

	app := &appServices{cfg: cfg}

	var locker lock.Locker = lock.NewDBLocker(db)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.redisLocker = lock.NewRedisLocker(client)
		locker = app.redisLocker
		logger.Infof("[Lock] Using Redis locks at %s", cfg.Redis.Addr)
	}

	mentions := mention.NewTranslator(services.NewUserDirectory(db))
	orchestrator := syncengine.NewOrchestrator(db, registry, mentions, locker, syncengine.Options{
		LockTTL: cfg.Sync.LockTTL(),
	})

	// Outbound sync runs on asynq when Redis is enabled, else in-process.
	app.taskQueue = services.NewTaskQueue(&cfg.Redis)
	if syncQueue, ok := app.taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(orchestrator.ProcessTask)
	}
	if app.taskQueue.IsAsync() {
		app.worker = services.NewWorker(&cfg.Redis)
		if app.worker != nil {
			app.worker.SetProcessor(orchestrator.ProcessTask)
			if err := app.worker.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start async worker")
			}
		}
	}

	app.scheduler = syncengine.NewScheduler(orchestrator, locker, cfg.Sync.Schedule, 0)
	if cfg.Sync.Enabled {
		if err := app.scheduler.Start(); err != nil {
			logger.Fatalf("Invalid sync schedule %q: %v", cfg.Sync.Schedule, err)
		}
	} else {
		logger.Info().Msg("[Sync] Scheduled reconciliation disabled")
	}

	users := services.NewUserService(db)
	if err := users.EnsureAdmin(cfg.Admin.Username, cfg.Admin.Password); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	app.authHandler = handlers.NewAuthHandler(services.NewAuthService(db, &cfg.JWT), users)
	app.featureHandler = handlers.NewFeatureHandler(services.NewFeatureService(db, app.taskQueue), orchestrator)
	app.categoryHandler = handlers.NewCategoryHandler(services.NewIntegrationConfigService(db, tokenVault, registry))
	app.syncHandler = handlers.NewSyncHandler(orchestrator, app.scheduler)
	app.webhookHandler = handlers.NewWebhookHandler(webhook.NewService(db, orchestrator, cfg.Webhook))
	app.systemLogHandler = handlers.NewSystemLogHandler(db)
	app.healthHandler = handlers.NewHealthHandler(db, app.taskQueue)
	return app
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	services.StopLogCleanupScheduler()
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		// give in-flight outbound tasks a moment; the next sweep covers the rest
		done := make(chan struct{})
		go func() {
			_ = s.taskQueue.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logger.Warn().Msg("Timed out waiting for outbound sync tasks")
		}
	}
	if s.redisLocker != nil {
		_ = s.redisLocker.Close()
	}
}
