package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghtransport/waytrack/config"
	"github.com/ghtransport/waytrack/internal/broker/kafka"
	"github.com/ghtransport/waytrack/internal/broker/messages"
	"github.com/ghtransport/waytrack/internal/cache"
	"github.com/ghtransport/waytrack/internal/cache/rediscache"
	"github.com/ghtransport/waytrack/internal/services/reconciler"
	"github.com/ghtransport/waytrack/internal/services/tracks"
	"github.com/ghtransport/waytrack/internal/services/waybills"
	"github.com/ghtransport/waytrack/internal/storage/pgstore"
)

// storage — то, что pgstore отдаёт всем трём сервисам.
type storage interface {
	tracks.Repository
	waybills.Repository
	reconciler.OverdueLister
}

type feedConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type ingestFactories struct {
	newStorage     func(cfg *config.Config) (storage, func(), error)
	newCache       func(cfg *config.Config) cache.BytesCache
	newRateLimiter func(cfg *config.Config) reconciler.RateLimiter
	newProducer    func(cfg *config.Config) reconciler.Producer
	newConsumer    func(cfg *config.Config, topic, group string) feedConsumer
}

func defaultIngestFactories() ingestFactories {
	return ingestFactories{
		newStorage: func(cfg *config.Config) (storage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgstore.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newRateLimiter: func(cfg *config.Config) reconciler.RateLimiter {
			return rediscache.NewRateLimiter(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newProducer: func(cfg *config.Config) reconciler.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newConsumer: func(cfg *config.Config, topic, group string) feedConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
	}
}

func RunTrackIngest(ctx context.Context, cfg *config.Config, f ingestFactories) error {
	feedTopic := cfg.Kafka.TrackReportedTopicName
	if feedTopic == "" {
		feedTopic = "track.reported"
	}
	overdueTopic := cfg.Kafka.WaybillOverdueTopicName
	if overdueTopic == "" {
		overdueTopic = "waybill.overdue"
	}
	group := cfg.Waytrack.KafkaConsumerGroup
	if group == "" {
		group = "waytrack-ingest"
	}

	currentTTL := time.Duration(cfg.Waytrack.CurrentStatusTTLSeconds) * time.Second
	sweepInterval := time.Duration(cfg.Waytrack.SweepIntervalSeconds) * time.Second
	signalWindow := time.Duration(cfg.Waytrack.OverdueSignalWindowSeconds) * time.Second

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	trackSvc := tracks.New(st)
	waybillSvc := waybills.New(st, f.newCache(cfg), currentTTL, cfg.Waytrack.TransitionMaxRetries)
	rec := reconciler.New(trackSvc, waybillSvc, st, f.newProducer(cfg), f.newRateLimiter(cfg), overdueTopic).
		WithSettings(sweepInterval, cfg.Waytrack.SweepBatchSize, signalWindow)

	consumer := f.newConsumer(cfg, feedTopic, group)
	defer func() { _ = consumer.Close() }()

	consumeErr := make(chan error, 1)
	go func() {
		slog.Info("feed consumer started", "topic", feedTopic, "group", group)
		consumeErr <- consumer.Consume(ctx, func(_key, value []byte) error {
			var m messages.TrackReported
			if err := json.Unmarshal(value, &m); err != nil {
				// Нечитаемое сообщение партицию не блокирует.
				slog.Error("dropping unparseable feed message", "error", err.Error())
				return nil
			}
			return rec.HandleTrackReported(ctx, m)
		})
	}()

	sweepErr := make(chan error, 1)
	go func() {
		slog.Info("overdue sweeper started", "interval", sweepInterval.String())
		sweepErr <- rec.Run(ctx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runIngestHTTPServer(ctx, ingestHTTPOpts{
			httpAddr:   cfg.Waytrack.IngestHTTPAddr,
			reconciler: rec,
			cfg:        cfg,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-consumeErr:
		return err
	case err := <-sweepErr:
		return err
	case err := <-httpErr:
		return err
	}
}
