package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"banwatch/internal/config"
	"banwatch/internal/model"
)

func StartKafka(ctx context.Context, cfg *config.Manager, p *Pipeline, logger *slog.Logger) {
	current := cfg.Get().Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	source := model.SourceKind(current.Source)
	if source == "" {
		source = model.SourceAuthLog
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			p.HandleLine(ctx, string(m.Value), source)
		}
	}()
}
