package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tripstack/trip-service/internal/bus"
	"github.com/tripstack/trip-service/internal/config"
	"github.com/tripstack/trip-service/internal/logger"
	"github.com/tripstack/trip-service/internal/projector"
	"github.com/tripstack/trip-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	publisher := bus.NewKafkaPublisher(kw)
	repository := repo.NewRepository(gdb, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shards := cfg.Projector.Shards
	if shards <= 0 {
		shards = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < shards; i++ {
		p := projector.New(repository, publisher, projector.Config{
			Shards:         shards,
			ShardIndex:     i,
			BatchSize:      cfg.Projector.BatchSize,
			MaxRetries:     cfg.Projector.MaxRetries,
			PollInterval:   cfg.Projector.PollInterval.Std(),
			IdleInterval:   cfg.Projector.IdleInterval.Std(),
			PublishTimeout: cfg.Projector.PublishTimeout.Std(),
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// ctx cancellation lets the in-flight batch finish, then exits.
			_ = p.Run(ctx)
		}()
	}

	log.Infof("trip-projector started (%d shard(s))", shards)
	wg.Wait()
	log.Info("trip-projector stopped")
}
