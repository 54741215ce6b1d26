package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/pixelpets/backend/internal/audit"
	"github.com/pixelpets/backend/internal/cache"
	"github.com/pixelpets/backend/internal/config"
	"github.com/pixelpets/backend/internal/database"
	"github.com/pixelpets/backend/internal/ingest"
	"github.com/pixelpets/backend/internal/ledger"
	mW "github.com/pixelpets/backend/internal/middleware"
	"github.com/pixelpets/backend/internal/observability"
	"github.com/pixelpets/backend/internal/services"
	"github.com/pixelpets/backend/internal/worker"
)

func main() {
	log := observability.NewLogger("server")

	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("nats.url", "NATS_URL")

	engineCfg := config.LoadEngineConfig()

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Wire the ledger core.
	accounts := ledger.NewPostgresAccountStore(db)
	ledgerLog := ledger.NewPostgresLedgerLog(db)
	escrows := ledger.NewPostgresEscrowStore(db)

	metrics := observability.NewMetrics()
	auditLog := audit.NewLogger()
	serializer := ledger.NewAccountSerializer()

	var refCache ledger.ReferenceCache
	if redisClient != nil {
		refCache = cache.NewReferenceCache(redisClient)
	}

	engine := ledger.NewEngine(accounts, ledgerLog, serializer, ledger.EngineOptions{
		LockWait:   engineCfg.LockWait,
		CASRetries: engineCfg.CASRetries,
		RefCache:   refCache,
		Audit:      auditLog,
		Metrics:    metrics,
	})

	escrowMgr := ledger.NewEscrowManager(engine, accounts, escrows, auditLog, metrics)
	reconciler := ledger.NewReconciliationService(accounts, ledgerLog, engine, auditLog, metrics)
	riskScorer := ledger.NewRiskScorer(accounts, ledgerLog, engineCfg.RiskWindowSize)

	// Background escrow expiry sweep. The pool may only be stopped after the
	// sweep loop has returned, or an in-flight Submit races the channel close.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	pool := worker.NewPool(engineCfg.SweepWorkers)
	sweeper := ledger.NewSweeper(escrowMgr, escrows, pool, engineCfg.SweepInterval, engineCfg.SweepBatchSize)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(sweepCtx)
	}()

	// Optional reward feed: activity services publish earns over NATS.
	if natsURL := viper.GetString("nats.url"); natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name("points-ledger"))
		if err != nil {
			log.Warn().Err(err).Msg("nats connection failed, continuing without reward feed")
		} else {
			defer nc.Close()
			consumer := ingest.NewRewardConsumer(nc, engine, metrics)
			if err := consumer.Start(sweepCtx); err != nil {
				log.Error().Err(err).Msg("reward feed subscribe failed")
			} else {
				defer consumer.Stop()
			}
		}
	}

	walletService := services.NewWalletService(engine, escrowMgr, ledgerLog, reconciler, riskScorer, engineCfg.DefaultEscrowTTL)

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/wallets/{userId}", walletService.GetWallet)
		r.Get("/wallets/{userId}/ledger", walletService.GetLedger)
		r.Get("/wallets/{userId}/risk", walletService.GetRisk)

		r.Post("/points/earn", walletService.Earn)
		r.Post("/points/spend", walletService.Spend)
		r.Post("/trades", walletService.Trade)

		r.Post("/escrows", walletService.CreateEscrow)
		r.Post("/escrows/{escrowId}/release", walletService.ReleaseEscrow)
		r.Post("/escrows/{escrowId}/forfeit", walletService.ForfeitEscrow)

		r.Post("/admin/reconcile/{userId}", walletService.Reconcile)
		r.Post("/admin/reconcile/{userId}/repair", walletService.Repair)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")
	stopSweep()
	<-sweepDone
	pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
