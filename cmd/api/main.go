package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/casahaus/fulfillment/internal/config"
	"github.com/casahaus/fulfillment/internal/event"
	"github.com/casahaus/fulfillment/internal/httpx"
	kafkax "github.com/casahaus/fulfillment/internal/kafka"
	"github.com/casahaus/fulfillment/internal/orders"
	"github.com/casahaus/fulfillment/internal/outbox"
	"github.com/casahaus/fulfillment/internal/postgres"
	"github.com/casahaus/fulfillment/internal/redisx"
	"github.com/casahaus/fulfillment/internal/stores"
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

	gateway := stores.NewClient(cfg.StoreGatewayURL, cfg.StoreGatewayTimeout)

	repo := &orders.Repo{DB: db}
	svc := &orders.Service{
		Store:   repo,
		Gateway: gateway,
		Name:    cfg.ServiceName,
		Log:     log,
	}

	// Outbox relay: publishes the events the state changes scheduled.
	relay := &outbox.Relay{
		DB:       db,
		Producer: prod,
		Interval: cfg.OutboxInterval,
		Batch:    cfg.OutboxBatch,
		Log:      log,
	}
	go relay.Run(ctx)

	// Consumer: reservation results, delivery confirmations, downstream
	// cancellations.
	group := getenv("ORDER_GROUP", "order-svc")
	workers := mustAtoi(os.Getenv("ORDER_WORKERS"), 8)
	disp := &event.Dispatcher{
		Service:  group,
		Redis:    rdb,
		Handlers: svc.Handlers(),
		Log:      log,
	}
	topics := []string{
		event.TopicStockReserved,
		event.TopicStockRejected,
		event.TopicDeliveryConfirmed,
		event.TopicOrderCancelled,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topics, workers, log)
	go func() {
		log.Info("order consumer started", zap.String("group", group), zap.Int("workers", workers))
		if err := cons.Start(ctx, disp.Handle); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{Service: svc, Redis: rdb}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
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
