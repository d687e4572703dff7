package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/agents"
	"github.com/servesys-labs/ainp-broker/internal/antifraud"
	"github.com/servesys-labs/ainp-broker/internal/api"
	"github.com/servesys-labs/ainp-broker/internal/cache"
	"github.com/servesys-labs/ainp-broker/internal/config"
	"github.com/servesys-labs/ainp-broker/internal/contacts"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/internal/delivery"
	"github.com/servesys-labs/ainp-broker/internal/discovery"
	"github.com/servesys-labs/ainp-broker/internal/embedding"
	"github.com/servesys-labs/ainp-broker/internal/identity"
	"github.com/servesys-labs/ainp-broker/internal/ledger"
	"github.com/servesys-labs/ainp-broker/internal/mailbox"
	"github.com/servesys-labs/ainp-broker/internal/negotiation"
	"github.com/servesys-labs/ainp-broker/internal/payments"
	"github.com/servesys-labs/ainp-broker/internal/reputation"
	"github.com/servesys-labs/ainp-broker/internal/router"
	"github.com/servesys-labs/ainp-broker/internal/stream"
	"github.com/servesys-labs/ainp-broker/internal/usefulness"
)

func main() {
	log := newLogger()
	defer func() { _ = log.Sync() }()

	log.Info("starting AINP broker")
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.InitSchema(ctx); err != nil {
		log.Fatal("schema init failed", zap.Error(err))
	}

	redis := cache.New(cfg.RedisAddr, cfg.RedisPass, log)
	defer func() { _ = redis.Close() }()
	if err := redis.Healthy(ctx); err != nil {
		log.Warn("redis unreachable at boot, continuing degraded", zap.Error(err))
	}

	js, err := stream.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal("nats connect failed", zap.Error(err))
	}
	defer js.Close()
	if err := js.EnsureStreams(); err != nil {
		log.Fatal("stream provisioning failed", zap.Error(err))
	}

	embedder := embedding.New(cfg.EmbeddingURL, cfg.EmbeddingKey, cfg.EmbeddingModel, cfg.EmbeddingConc, redis, log)

	registry := agents.NewStore(pool, embedder, log)
	validator := identity.NewValidator(registry, log)

	weights := discovery.Weights{Sim: cfg.WeightSim, Trust: cfg.WeightTrust, Use: cfg.WeightUse}
	finder := discovery.NewEngine(pool, embedder, redis, weights, cfg.Flags.Web4Discovery, log)

	book := contacts.NewService(pool, log)
	mail := mailbox.NewStore(pool, log)
	credits := ledger.NewService(pool, log)
	distributor := ledger.NewDistributor(credits, cfg.PoolDID, log)

	guard := antifraud.NewGuard(redis, book, credits, antifraud.Config{
		ReplayEnabled:    true,
		DedupeEnabled:    true,
		GreylistEnabled:  cfg.Flags.Messaging,
		PostageEnabled:   cfg.Flags.GreylistBypass,
		ReplayWindow:     cfg.ReplayWindow,
		DedupeWindow:     cfg.DedupeWindow,
		GreylistRetrySec: cfg.GreylistRetrySec,
		PostageCredits:   cfg.PostageCredits,
	}, log)

	fabric := delivery.NewFabric(js, log)

	useful := usefulness.New(pool, log)
	receipts := reputation.NewService(pool, useful, cfg.CommitteeK, cfg.CommitteeM, log)
	negotiator := negotiation.NewService(pool, credits, distributor, fabric, receipts, cfg.BrokerDID, log)
	pay := payments.NewService(pool, credits, "http://localhost:"+cfg.Port, log)

	pipeline := router.NewPipeline(validator, guard, redis, finder, js, mail, book, fabric,
		mailbox.ConversationID, router.Options{
			RateLimitPerMin: cfg.RateLimitPerMin,
			RateWindow:      cfg.RateWindow,
			BroadcastFanout: cfg.BroadcastFanout,
		}, log)

	go runJobs(ctx, log, negotiator, pay, useful, receipts)

	r := api.SetupRouter(api.Deps{
		Config:     cfg,
		Agents:     registry,
		Discovery:  finder,
		Pipeline:   pipeline,
		Guard:      guard,
		Negotiator: negotiator,
		Mail:       mail,
		Contacts:   book,
		Ledger:     credits,
		Usefulness: useful,
		Reputation: receipts,
		Payments:   pay,
		Fabric:     fabric,
		Pool:       pool,
		Cache:      redis,
		Stream:     js,
		Log:        log,
	})

	log.Info("broker listening", zap.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// runJobs drives the periodic sweeps: stale negotiations and payment
// requests, the usefulness cache refresh, and the receipt finalizer.
func runJobs(ctx context.Context, log *zap.Logger,
	negotiator *negotiation.Service, pay *payments.Service,
	useful *usefulness.Aggregator, receipts *reputation.Service) {

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)

		if n, err := negotiator.ExpireStale(jobCtx); err != nil {
			log.Warn("negotiation expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("expired stale negotiations", zap.Int("count", n))
		}

		if n, err := pay.ExpireStale(jobCtx); err != nil {
			log.Warn("payment expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("expired stale payment requests", zap.Int("count", n))
		}

		if _, err := useful.RefreshCache(jobCtx); err != nil {
			log.Warn("usefulness cache refresh failed", zap.Error(err))
		}

		if n, err := receipts.FinalizePending(jobCtx); err != nil {
			log.Warn("receipt finalizer failed", zap.Error(err))
		} else if n > 0 {
			log.Info("finalized task receipts", zap.Int("count", n))
		}

		cancel()
	}
}

func newLogger() *zap.Logger {
	if os.Getenv("LOG_MODE") == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
