// Package main provides the main entry point for the ViewBoost fulfilment service
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/app/handlers"
	"github.com/mstolbov/viewboost/app/middleware"
	"github.com/mstolbov/viewboost/app/router"
	"github.com/mstolbov/viewboost/app/services"
	"github.com/mstolbov/viewboost/app/workers"
	businessflow "github.com/mstolbov/viewboost/business_flow"
	"github.com/mstolbov/viewboost/config"
	"github.com/mstolbov/viewboost/repository"
)

// Application represents the main application structure
type Application struct {
	router    router.Router
	config    *config.ProductionConfig
	server    *fiber.App
	stopFuncs []func()
}

func main() {
	log.Println("Starting ViewBoost application...")

	// Load production configuration
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setupLogging(cfg.Logging)

	// Initialize application
	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Setup routes
	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Server starting on %s", address)

		if err := app.server.Listen(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down gracefully...")

	// Stop background workers before closing the listener so in-flight
	// deliveries finish against a live database
	for _, fn := range app.stopFuncs {
		fn()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// setupLogging points the standard logger at the configured sink. File
// output rotates through lumberjack.
func setupLogging(cfg config.LoggingConfig) {
	if cfg.Output == "stdout" || cfg.Output == "" {
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	switch cfg.Output {
	case "file":
		log.SetOutput(rotator)
	case "both":
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pooling
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test the connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeRedis initializes the Redis client and verifies connectivity.
// The same client backs the bus, the refill fence and the reconciler lock.
func initializeRedis(cfg config.CacheConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	// Override DB and password if provided in config
	opt.DB = cfg.RedisDB
	if cfg.RedisPassword != "" {
		opt.Password = cfg.RedisPassword
	}

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

// startRedisHealthMonitor starts a background goroutine that periodically pings Redis
// to detect connectivity issues. The returned cancel function stops the monitor.
func startRedisHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	var stopFuncs []func()

	logger := log.Default()

	// Initialize database
	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeRedis(cfg.Cache)
	if err != nil {
		return nil, err
	}

	cancelMonitor := startRedisHealthMonitor(context.Background(), rc, 30*time.Second)
	stopFuncs = append(stopFuncs, cancelMonitor)

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	adminRepo := repository.NewAdminRepository(db)
	serviceRepo := repository.NewServiceRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	orderEventRepo := repository.NewOrderEventRepository(db)
	orderRefillRepo := repository.NewOrderRefillRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	balanceTxRepo := repository.NewBalanceTransactionRepository(db)
	depositRepo := repository.NewDepositRepository(db)
	coefRepo := repository.NewCoefficientRepository(db)
	vpRepo := repository.NewVideoProcessingRepository(db)
	accountRepo := repository.NewYouTubeAccountRepository(db)
	campaignRepo := repository.NewFixedCampaignRepository(db)
	bindingRepo := repository.NewCampaignBindingRepository(db)
	runRepo := repository.NewReconciliationRunRepository(db)

	// Initialize token service
	tokenService, err := services.NewTokenService(
		cfg.JWT.AccessTokenTTL,
		cfg.JWT.Issuer,
		cfg.JWT.Audience,
		cfg.JWT.UseRSAKeys,
		cfg.JWT.PrivateKey,
		cfg.JWT.PublicKey,
		cfg.JWT.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	log.Printf("Token service initialized with issuer: %s, audience: %s", cfg.JWT.Issuer, cfg.JWT.Audience)

	// Initialize upstream clients
	trackerClient := services.NewHTTPTrackerClient(
		cfg.Tracker.BaseURL,
		cfg.Tracker.APIKey,
		services.DefaultReadPolicy(),
		services.DefaultWritePolicy(),
		services.NewCircuitBreaker(cfg.Tracker.FailureThreshold, cfg.Tracker.BreakerCooldown),
		logger,
	)

	videoClient := services.NewHTTPVideoClient(
		cfg.VideoAPI.BaseURL,
		cfg.VideoAPI.APIKey,
		cfg.VideoAPI.ReadTimeout,
		cfg.VideoAPI.WriteTimeout,
		cfg.VideoAPI.ClipsPerMinute,
		logger,
	)

	notifier := services.NewWebhookNotificationService(cfg.Webhook.NotificationURL, logger)

	// Initialize the message bus
	pipelineBus := bus.NewRedisBus(rc, bus.Config{
		StreamPrefix:        cfg.Bus.StreamPrefix,
		DefaultMaxAttempts:  cfg.Bus.DefaultMaxAttempts,
		RetryBaseDelay:      cfg.Bus.RetryBaseDelay,
		DedupTTL:            cfg.Bus.DedupTTL,
		SaturationThreshold: cfg.Bus.SaturationThreshold,
		ReclaimIdle:         cfg.Bus.ReclaimIdle,
	}, logger)

	// Initialize flows
	ledger := businessflow.NewLedger(userRepo, balanceTxRepo, db)

	intakeFlow := businessflow.NewOrderIntakeFlow(
		userRepo,
		serviceRepo,
		orderRepo,
		orderEventRepo,
		auditRepo,
		ledger,
		pipelineBus,
		db,
		logger,
	)

	refillFlow := businessflow.NewRefillFlow(
		userRepo,
		orderRepo,
		orderRefillRepo,
		orderEventRepo,
		auditRepo,
		videoClient,
		pipelineBus,
		rc,
		db,
		logger,
	)

	depositFlow := businessflow.NewDepositFlow(
		userRepo,
		depositRepo,
		auditRepo,
		ledger,
		db,
		logger,
	)

	adminFlow := businessflow.NewAdminFlow(adminRepo, auditRepo, tokenService, logger)

	// Initialize handlers
	orderHandler := handlers.NewOrderHandler(intakeFlow)
	adminHandler := handlers.NewAdminHandler(adminFlow, refillFlow)
	webhookHandler := handlers.NewWebhookHandler(depositFlow, cfg.Webhook.DepositSecret)

	// Initialize auth middleware
	authMiddleware := middleware.NewAuthMiddleware(tokenService, userRepo)

	// Initialize router
	appRouter := router.NewFiberRouter(
		orderHandler,
		adminHandler,
		webhookHandler,
		authMiddleware,
		cfg.Security.AllowedOrigins,
	)

	// Start pipeline workers
	stopWorkers := startPipeline(cfg, pipelineBus, rc, db, logger,
		userRepo, serviceRepo, orderRepo, coefRepo, vpRepo, accountRepo,
		campaignRepo, bindingRepo, runRepo,
		trackerClient, videoClient, notifier,
	)
	stopFuncs = append(stopFuncs, stopWorkers)

	application := &Application{
		router:    appRouter,
		config:    cfg,
		server:    appRouter.GetApp(),
		stopFuncs: stopFuncs,
	}

	return application, nil
}

// startPipeline wires the bus consumers and the periodic loops. The returned
// function cancels them all.
func startPipeline(
	cfg *config.ProductionConfig,
	pipelineBus *bus.RedisBus,
	rc *redis.Client,
	db *gorm.DB,
	logger *log.Logger,
	userRepo repository.UserRepository,
	serviceRepo repository.ServiceRepository,
	orderRepo repository.OrderRepository,
	coefRepo repository.CoefficientRepository,
	vpRepo repository.VideoProcessingRepository,
	accountRepo repository.YouTubeAccountRepository,
	campaignRepo repository.FixedCampaignRepository,
	bindingRepo repository.CampaignBindingRepository,
	runRepo repository.ReconciliationRunRepository,
	trackerClient services.TrackerClient,
	videoClient services.VideoClient,
	notifier services.NotificationService,
) func() {
	ctx, cancel := context.WithCancel(context.Background())

	consumerName := consumerInstanceName()
	group := cfg.Bus.ConsumerGroup

	videoWorker := workers.NewVideoWorker(
		orderRepo, serviceRepo, coefRepo, vpRepo, accountRepo,
		videoClient, pipelineBus, notifier, db, logger,
	)
	assigner := workers.NewCampaignAssigner(
		orderRepo, campaignRepo, bindingRepo,
		trackerClient, pipelineBus, notifier, db, logger,
	)
	resultWorker := workers.NewResultWorker(orderRepo, pipelineBus, db, logger)

	go bus.NewConsumer(pipelineBus, bus.TopicOrderCreated, group, consumerName, videoWorker.Handle, logger).Run(ctx)
	go bus.NewConsumer(pipelineBus, bus.TopicOfferAssignment, group, consumerName, assigner.Handle, logger).Run(ctx)
	go bus.NewConsumer(pipelineBus, bus.TopicInstagramResults, group, consumerName, resultWorker.Handle, logger).Run(ctx)

	// Retry pump moves delayed redeliveries back onto the main streams
	pump := bus.NewRetryPump(pipelineBus, []string{
		bus.TopicOrderCreated,
		bus.TopicOfferAssignment,
		bus.TopicInstagramResults,
	}, cfg.Bus.RetryPumpInterval, logger)
	go pump.Run(ctx)

	// DLQ monitor surfaces dead-lettered orders to the operator channel
	dlqMonitor := bus.NewDLQMonitor(pipelineBus, []string{
		bus.TopicOrderCreated,
		bus.TopicOfferAssignment,
		bus.TopicInstagramResults,
	}, func(ctx context.Context, topic string, env *bus.Envelope) error {
		return notifier.NotifyDeadLetter(ctx, topic, env.OrderID, bus.DeadLetterReason(env))
	}, cfg.Bus.DLQCheckInterval, logger)
	go dlqMonitor.Run(ctx)

	reconciler := workers.NewReconciler(
		orderRepo, bindingRepo, runRepo,
		trackerClient, notifier, pipelineBus, rc, db,
		cfg.Scheduler.ReconcileInterval, logger,
	)
	go reconciler.Run(ctx)

	sweeper := workers.NewRecoverySweeper(
		orderRepo, userRepo, pipelineBus,
		cfg.Scheduler.RecoveryInterval, cfg.Scheduler.RecoveryStaleAge, logger,
	)
	go sweeper.Run(ctx)

	return cancel
}

// consumerInstanceName identifies this process inside the consumer group
func consumerInstanceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "viewboost"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
