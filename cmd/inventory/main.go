package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/casahaus/fulfillment/internal/config"
	"github.com/casahaus/fulfillment/internal/event"
	"github.com/casahaus/fulfillment/internal/inventory"
	kafkax "github.com/casahaus/fulfillment/internal/kafka"
	"github.com/casahaus/fulfillment/internal/outbox"
	"github.com/casahaus/fulfillment/internal/postgres"
	"github.com/casahaus/fulfillment/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()

	svc := &inventory.Service{
		Ledger: &inventory.Repo{DB: db},
		Name:   cfg.ServiceName + "-inventory",
		Log:    log,
	}

	relay := &outbox.Relay{
		DB:       db,
		Producer: prod,
		Interval: cfg.OutboxInterval,
		Batch:    cfg.OutboxBatch,
		Log:      log,
	}
	go relay.Run(ctx)

	group := getenv("INVENTORY_GROUP", "inventory-svc")
	workers := mustAtoi(os.Getenv("INVENTORY_WORKERS"), 8)
	disp := &event.Dispatcher{
		Service:  group,
		Redis:    rdb,
		Handlers: svc.Handlers(),
		Log:      log,
	}
	topics := []string{
		event.TopicOrderPlaced,
		event.TopicOrderCancelled,
		event.TopicDeliveryConfirmed,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topics, workers, log)

	go func() {
		log.Info("inventory consumer started", zap.String("group", group), zap.Int("workers", workers))
		if err := cons.Start(ctx, disp.Handle); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down consumer")
	cancel()
}

func mustAtoi(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
