package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/coldsense/backend/internal/aggregate"
	"github.com/coldsense/backend/internal/api"
	"github.com/coldsense/backend/internal/config"
	"github.com/coldsense/backend/internal/escalate"
	"github.com/coldsense/backend/internal/evaluator"
	"github.com/coldsense/backend/internal/ingest"
	"github.com/coldsense/backend/internal/middleware"
	"github.com/coldsense/backend/internal/notify"
	"github.com/coldsense/backend/internal/queue"
	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/stream"
	"github.com/coldsense/backend/internal/tenancy"
	"github.com/coldsense/backend/internal/threshold"
	"github.com/coldsense/backend/internal/unitstate"
)

func main() {
	log.Println("Starting coldsense backend...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	ctx := context.Background()

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Database connect failed: %v", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis connect failed: %v", err)
	}

	// Repositories.
	units := store.NewUnitStore()
	readings := store.NewReadingStore()
	rules := store.NewRuleStore()
	alerts := store.NewAlertStore()
	contacts := store.NewContactStore()
	deliveries := store.NewDeliveryStore()
	buckets := store.NewMetricBucketStore()
	apiKeys := store.NewAPIKeyStore()

	keys := tenancy.NewKeyManager(db, apiKeys)

	// Real-time fan-out. The bridge keeps multiple instances in sync.
	var bridge stream.Bridge
	switch cfg.Stream.Bridge {
	case "redis":
		bridge = stream.NewRedisBridge(rdb)
	case "pubsub":
		psClient, err := pubsub.NewClient(ctx, cfg.Stream.PubSubProject)
		if err != nil {
			log.Fatalf("Pub/Sub connect failed: %v", err)
		}
		bridge = stream.NewPubSubBridge(psClient, cfg.Stream.PubSubTopic, cfg.Stream.PubSubSub)
	case "":
		// Single instance, no bridge.
	default:
		log.Fatalf("Unknown stream bridge %q", cfg.Stream.Bridge)
	}
	hub := stream.NewHub(keys.Authenticate, bridge)
	feed := stream.NewFeed(keys.Authenticate)
	buffer := stream.NewBuffer(stream.MultiEmitter{hub, feed}, cfg.Stream.FlushInterval)

	// Dashboard state cache; the pipeline invalidates it on transitions and
	// the sweep below downgrades silent units.
	cache := unitstate.NewCache()

	// Core pipeline.
	resolver := threshold.NewResolver(rules)
	eval := evaluator.New(db, units, alerts, resolver)
	agg := aggregate.New(buckets, resolver)
	orch := ingest.NewOrchestrator(db, units, readings, agg, eval, buffer, hub, cache)

	// Escalation and SMS delivery.
	smsQueue := queue.New(rdb)
	provider := notify.NewHTTPProvider(cfg.SMS.ProviderURL, cfg.SMS.APIKey,
		cfg.SMS.MessagingProfileID, cfg.SMS.FromNumber)
	worker := queue.NewSMSWorker(db, deliveries, provider)
	engine := escalate.NewEngine(db, escalate.DefaultConfig(), alerts, contacts, deliveries, smsQueue, hub)
	escSweeper := escalate.NewSweeper(engine)
	webhook := notify.NewWebhook(db, deliveries)

	// Offline downgrade sweep.
	offlineSweeper := unitstate.NewSweeper(db, units, cache, hub)

	server := api.NewServer(cfg.Server.Addr, api.Deps{
		DB:       db,
		Orch:     orch,
		Alerts:   alerts,
		Units:    units,
		Readings: readings,
		Buckets:  buckets,
		Engine:   engine,
		Webhook:  webhook,
		Cache:    cache,
		Hub:      hub,
		Feed:     feed,
		Auth:     keys,
		RateLimit: middleware.NewRateLimiter(middleware.RateLimitConfig{
			MaxCallsPerMinute: cfg.Ingest.RateLimitPerMinute,
		}),
	})

	hub.Start()
	buffer.Start()
	cache.Start()
	smsQueue.Start(worker.Handle, worker.OnDead)
	escSweeper.Start()
	offlineSweeper.Start()

	// SIGTERM drains HTTP first, then the background loops, so no new work
	// arrives while they stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}

		buffer.Stop()
		escSweeper.Stop()
		offlineSweeper.Stop()
		cache.Stop()
		smsQueue.Stop()
		if err := hub.Close(); err != nil {
			log.Printf("Hub close error: %v", err)
		}
		feed.Close()
		rdb.Close()
		db.Close()
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}
