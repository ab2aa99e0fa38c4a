package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tripstack/trip-service/internal/bus"
	"github.com/tripstack/trip-service/internal/config"
	"github.com/tripstack/trip-service/internal/logger"
	"github.com/tripstack/trip-service/internal/model"
	"github.com/tripstack/trip-service/internal/repo"
	"github.com/tripstack/trip-service/internal/schema"
	"github.com/tripstack/trip-service/internal/service"
	httptransport "github.com/tripstack/trip-service/internal/transport/http"
	"github.com/tripstack/trip-service/internal/uow"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Trip{}, &model.OutboxRecord{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	publisher := bus.NewKafkaPublisher(kw)

	// 6. repo, unit of work, service
	repository := repo.NewRepository(gdb, rdb, log)
	resolver := schema.NewStaticResolver(map[string]schema.Ref{
		"trip.created":    {ID: "trip.created.v1", Version: 1},
		"trip.stop_added": {ID: "trip.stop_added.v1", Version: 1},
	})
	manager := uow.NewManager(gdb, repository, resolver, publisher, uow.RetryConfig{
		MaxAttempts:    cfg.Publish.MaxAttempts,
		BaseBackoff:    cfg.Publish.BaseBackoff.Std(),
		AttemptTimeout: cfg.Publish.AttemptTimeout.Std(),
	}, log)
	svc := service.NewTripService(manager, repository, log)

	// 7. gin router
	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("trip-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
