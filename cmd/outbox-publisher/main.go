package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/parchi/internal/adapters/rabbit"
	"github.com/robertarktes/parchi/internal/clock"
	"github.com/robertarktes/parchi/internal/config"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/outbox"
	"github.com/robertarktes/parchi/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StoreBackend == config.BackendMemory {
		log.Fatalf("the outbox publisher needs a shared store, got %q", cfg.StoreBackend)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "parchi-outbox-publisher")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	store, err := storage.Open(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	publisher := outbox.NewPublisher(store.Backend, rabbitPub, clock.NewSystem(), logger, cfg.OutboxBatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher.Run(ctx, cfg.OutboxInterval)
	logger.Info("Shutdown outbox publisher")
}
