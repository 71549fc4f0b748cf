package main

import (
	"context"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"gitlab.ozon.dev/qwestard/console/internal/audit"
	"gitlab.ozon.dev/qwestard/console/internal/cache"
	"gitlab.ozon.dev/qwestard/console/internal/config"
	"gitlab.ozon.dev/qwestard/console/internal/db"
	"gitlab.ozon.dev/qwestard/console/internal/kafka"
	"gitlab.ozon.dev/qwestard/console/internal/optimistic"
	taskprocessor "gitlab.ozon.dev/qwestard/console/internal/processor"
	"gitlab.ozon.dev/qwestard/console/internal/repository"
	"gitlab.ozon.dev/qwestard/console/internal/server"
	"gitlab.ozon.dev/qwestard/console/internal/service"
)

func main() {
	cfg := config.LoadConfig()

	database, err := db.NewDB(cfg.DSN, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("db init: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := repository.NewOrderRepository(database)
	taskRepo := repository.NewPostgresTaskRepository(database)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	bans := cache.NewBanCache(rdb)

	active := cache.NewActiveOrdersCache()
	if err := active.Refresh(ctx, repo); err != nil {
		log.Printf("initial active cache load: %v", err)
	}
	go active.StartAutoRefresh(ctx, repo, 30*time.Second)

	auditPool := audit.NewWorkerPool(
		audit.PoolConfig{BatchSize: 5, Timeout: 500 * time.Millisecond, ChannelSize: 100},
		audit.NewDBProcessor(database),
		&audit.StdoutProcessor{Filter: cfg.FilterWord},
	)
	auditPool.Start(ctx, 2)
	defer auditPool.Shutdown(cancel)

	producer, err := kafka.NewSaramaProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatalf("kafka producer init: %v", err)
	}
	defer producer.Close()

	relay := taskprocessor.NewAuditRelay(taskRepo, producer, cfg.KafkaTopic, 2*time.Second, 50)
	go relay.Start(ctx)

	consumerCfg := sarama.NewConfig()
	consumerCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	go kafka.StartSaramaConsumer(ctx, consumerCfg, cfg.KafkaBrokers, cfg.KafkaGroupID, []string{cfg.KafkaTopic})

	engine := optimistic.NewEngine(func() bool {
		return ctx.Err() == nil
	})

	svc := service.NewOrderService(repo, engine, active,
		service.WithBanCache(bans),
		service.WithAudit(auditPool, taskRepo),
	)

	srv := server.NewServer(svc, auditPool, cfg)
	if err := srv.Run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
