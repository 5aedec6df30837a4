package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/internal/broadcast"
	"github.com/solrouter/solrouter/internal/bus"
	"github.com/solrouter/solrouter/internal/config"
	"github.com/solrouter/solrouter/internal/engine"
	"github.com/solrouter/solrouter/internal/orders"
	"github.com/solrouter/solrouter/internal/queue"
	"github.com/solrouter/solrouter/internal/router"
	"github.com/solrouter/solrouter/internal/server"
	"github.com/solrouter/solrouter/internal/store"
	"github.com/solrouter/solrouter/internal/venues"
	"github.com/solrouter/solrouter/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(os.Getenv("SOLROUTER_CONFIG"))
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := store.Open(store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open order store", zap.Error(err))
	}
	defer db.Close()

	// Optional cross-process transports.
	var remote bus.EventBus
	if cfg.Redis.Enabled {
		redisBus, err := bus.NewRedis(bus.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisBus.Close()
		remote = redisBus
	}
	var mirrors []bus.Publisher
	if cfg.Kafka.Enabled {
		sink := bus.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer sink.Close()
		mirrors = append(mirrors, sink)
	}

	bcast := broadcast.New(broadcast.Config{
		Buffer:            cfg.Broadcast.Buffer,
		KeepaliveInterval: cfg.Broadcast.KeepaliveInterval,
		IdleTimeout:       cfg.Broadcast.IdleTimeout,
	}, engine.Snapshot(db), remote, mirrors, zapLogger)
	if err := bcast.Start(); err != nil {
		zapLogger.Fatal("Failed to start broadcaster", zap.Error(err))
	}

	sm := orders.NewStateMachine(db, bcast, zapLogger)

	venueClients := make([]router.VenueClient, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		base, err := decimal.NewFromString(vc.BasePrice)
		if err != nil {
			zapLogger.Fatal("Invalid venue base price",
				zap.String("venue", vc.Name), zap.String("base_price", vc.BasePrice), zap.Error(err))
		}
		venueClients = append(venueClients, venues.NewSim(venues.SimConfig{
			Name:        vc.Name,
			BasePrice:   base,
			FeeBps:      vc.FeeBps,
			SlippageBps: vc.SlippageBps,
			JitterBps:   vc.JitterBps,
			Latency:     vc.Latency,
			FailRate:    vc.FailRate,
			Seed:        vc.Seed,
		}, zapLogger))
	}
	if len(venueClients) == 0 {
		zapLogger.Fatal("No venues configured")
	}
	selector := router.NewSelector(venueClients, cfg.Router.QuoteTimeout, zapLogger)

	var dlq *queue.DeadLetter
	if cfg.Queue.DeadLetterPath != "" {
		dlq, err = queue.NewDeadLetter(cfg.Queue.DeadLetterPath, zapLogger.Sugar())
		if err != nil {
			zapLogger.Fatal("Failed to open dead letter store", zap.Error(err))
		}
		defer dlq.Close()
	}

	eng := engine.New(engine.Config{
		Queue: queue.Config{
			Workers:          cfg.Queue.Workers,
			RateLimit:        cfg.Queue.RateLimit,
			RateWindow:       cfg.Queue.RateWindow,
			MaxAttempts:      cfg.Queue.MaxAttempts,
			BaseDelay:        cfg.Queue.BaseDelay,
			BacklogThreshold: cfg.Queue.BacklogThreshold,
		},
		ExecTimeout: cfg.Router.ExecTimeout,
	}, sm, selector, venueClients, bcast, dlq, zapLogger)

	srv := server.New(cfg.Server, eng, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		zapLogger.Error("HTTP server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Engine shutdown error", zap.Error(err))
	}
	zapLogger.Info("Shutdown complete")
}
