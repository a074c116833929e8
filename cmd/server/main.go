package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/whalewallet/shardgate/internal/breaker"
	"github.com/whalewallet/shardgate/internal/chain"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/handler"
	"github.com/whalewallet/shardgate/internal/ledger"
	"github.com/whalewallet/shardgate/internal/middleware"
	"github.com/whalewallet/shardgate/internal/pipeline"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
	"github.com/whalewallet/shardgate/internal/policy"
	"github.com/whalewallet/shardgate/internal/repository"
	"github.com/whalewallet/shardgate/internal/service"
	"github.com/whalewallet/shardgate/internal/shard"
	"github.com/whalewallet/shardgate/internal/signing"
)

func main() {
	// 0. Initialize Logger
	logger.Init("info")

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Persistence
	// Velocity counters and quarantine (Redis > Memory)
	var counterStore ledger.CounterStore
	var quarantineStore policy.QuarantineStore
	var idempotencyStore middleware.IdempotencyStore
	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("Connected to Redis")
			counterStore = redisClient
			quarantineStore = redisClient
			idempotencyStore = repository.NewRedisIdempotencyStore(redisClient, 24*time.Hour)
		} else {
			logger.Error("Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if quarantineStore == nil {
		quarantineStore = policy.NewMemoryQuarantineStore()
	}
	if idempotencyStore == nil {
		idempotencyStore = middleware.NewInMemIdempotencyStore()
	}

	// Accounts, policies, whitelist and audit (Postgres > Memory/File)
	var accountRepo service.AccountRepo
	var policyRepo handler.PolicyStore
	var whitelistRepo handler.WhitelistStore
	var auditRepo service.AuditRepo
	if cfg.Database.DSN != "" {
		if db, err := repository.NewDB(cfg); err == nil {
			logger.Info("Connected to PostgreSQL")
			pgAudit := repository.NewPostgresAuditRepo(db)
			auditRepo = pgAudit
			if cfg.Database.AuditRetentionDays > 0 {
				go runAuditRetention(pgAudit, cfg.Database.AuditRetentionDays)
			}
			whitelistRepo = repository.NewPostgresWhitelistRepo(db)
			if counterStore == nil {
				counterStore = repository.NewPostgresVelocityRepo(db)
			}
		} else {
			logger.Error("Failed to connect to DB, audit records will be file-only", "error", err)
		}
		if gdb, err := repository.NewGormDB(cfg); err == nil {
			accountRepo = repository.NewGormAccountRepo(gdb)
			policyRepo = repository.NewGormPolicyRepo(gdb)
		} else {
			logger.Error("Failed to open ORM handle, accounts are config-only", "error", err)
		}
	}
	if whitelistRepo == nil {
		whitelistRepo = repository.NewMemoryWhitelistRepo()
	}
	if policyRepo == nil {
		policyRepo = repository.NewMemoryPolicyRepo()
	}
	if counterStore == nil {
		counterStore = ledger.NewMemoryStore()
	}

	// 3. Initialize Core Services
	accounts := service.NewAccountManager(cfg, accountRepo)

	breakers := breaker.NewRegistry(breaker.Config{
		WindowSize:      cfg.Breaker.WindowSize,
		MinimumCalls:    cfg.Breaker.MinimumCalls,
		FailureRate:     cfg.Breaker.FailureRate,
		Wait:            time.Duration(cfg.Breaker.WaitSeconds) * time.Second,
		PermittedProbes: cfg.Breaker.PermittedProbes,
	})

	chainClient := chain.NewClient(cfg.Chain, breakers)
	verifier := chain.NewVerifier(cfg.Chain, chainClient, breakers)
	priceOracle := chain.NewPriceOracle(cfg.Chain, breakers)

	alertSvc := service.NewAlertService(cfg.Duress)
	duress := policy.NewDuressEvaluator(alertSvc)
	twofa := service.NewTwoFAService(cfg.Auth.TwoFASecret)

	engine := policy.NewEngine(cfg.Policy, duress, whitelistRepo, quarantineStore,
		chainClient, verifier, twofa)

	velocityLedger := ledger.New(counterStore)

	orchestrator := signing.NewOrchestrator(cfg.Signing, signing.ECDSAAssembler{}, nil)
	hub := shard.NewHub(cfg.Signing, orchestrator)
	orchestrator.SetSolicitor(hub)

	auditSvc, err := service.NewAuditService(cfg.Server.AuditLogDir, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	authPipeline := pipeline.New(accounts, velocityLedger, engine, duress, orchestrator,
		policyRepo, priceOracle, chainClient, auditSvc, cfg.Chain)

	// 4. Initialize Handlers
	txHandler := handler.NewTransactionHandler(authPipeline, duress)
	policyHandler := handler.NewPolicyHandler(policyRepo, accounts, velocityLedger)
	whitelistHandler := handler.NewWhitelistHandler(whitelistRepo)
	auditHandler := handler.NewAuditHandler(auditSvc)

	// 5. Setup Router
	r := gin.Default()

	// Global Middleware
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.RequestLogMiddleware())

	// Health Check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "shardgate"})
	})

	// Metrics Endpoint
	r.GET(cfg.Server.MetricsPath, gin.WrapH(promhttp.Handler()))

	// Shard participant channel
	r.GET("/v1/shards/ws", func(c *gin.Context) {
		hub.Serve(c.Writer, c.Request)
	})

	// API V1 Routes
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, accounts))
	v1.Use(middleware.RateLimitMiddleware(accounts))
	v1.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnlyMode))
	v1.Use(middleware.IdempotencyMiddleware(idempotencyStore))
	{
		v1.POST("/transactions/authorize", txHandler.Authorize)
		v1.DELETE("/sessions", txHandler.EndSession)
		v1.GET("/policies/limits", policyHandler.Limits)
		v1.GET("/policies", policyHandler.List)
		v1.POST("/policies", policyHandler.Create)
		v1.PUT("/policies/:id", policyHandler.Update)
		v1.DELETE("/policies/:id", policyHandler.Delete)
		v1.GET("/whitelist", whitelistHandler.List)
		v1.POST("/whitelist", whitelistHandler.Add)
		v1.DELETE("/whitelist/:chain/:address", whitelistHandler.Remove)
	}

	// Operator routes
	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	admin.Use(middleware.AuthMiddleware(cfg, accounts))
	{
		admin.GET("/audit", auditHandler.List)
	}

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("ShardGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	auditSvc.Close()
	alertSvc.Close()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}

// runAuditRetention trims audit rows past the configured retention, once
// at startup and then daily.
func runAuditRetention(repo *repository.PostgresAuditRepo, days int) {
	retention := time.Duration(days) * 24 * time.Hour
	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := repo.Cleanup(ctx, retention); err != nil {
			logger.Warn("audit retention cleanup failed", "error", err)
		}
	}
	sweep()
	for range time.Tick(24 * time.Hour) {
		sweep()
	}
}
