package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	mongoadapter "github.com/robertarktes/parchi/internal/adapters/mongo"
	"github.com/robertarktes/parchi/internal/adapters/rabbit"
	"github.com/robertarktes/parchi/internal/config"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/sink"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "parchi-ledger-sink")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(cfg.MongoDB)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, cfg.SinkQueue, cfg.SinkWorkers*2)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	handler := sink.NewHandler(
		mongoadapter.NewAuditLogger(db, logger),
		mongoadapter.NewMetadataRepository(db, logger),
		cfg.PublicBaseURL,
		logger,
	)

	logger.WithField("queue", cfg.SinkQueue).WithField("workers", cfg.SinkWorkers).Info("Ledger sink started")
	if err := handler.Run(ctx, deliveries, cfg.SinkWorkers); err != nil {
		logger.WithError(err).Error("ledger sink stopped with error")
	}
	logger.Info("Shutdown ledger sink")
}
