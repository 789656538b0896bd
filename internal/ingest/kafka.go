package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"homesense/internal/config"
)

// StartKafka consumes replicated sensor documents from a Kafka topic and
// feeds them through the same queue as live MQTT traffic. Site gateways
// publish with the original MQTT topic as the message key, so topic-based
// identity resolution keeps working across the bridge.
func StartKafka(ctx context.Context, cfg *config.Manager, queue *Queue, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
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
			value := DecodeValue(m.Value)
			if value == nil {
				if logger != nil {
					logger.Warn("undecodable kafka payload", "topic", m.Topic, "offset", m.Offset)
				}
				continue
			}
			topic := string(m.Key)
			if topic == "" {
				topic = m.Topic
			}
			queue.Push(Message{
				Topic:      topic,
				Value:      value,
				ReceivedAt: time.Now().UTC(),
				Source:     "kafka",
			})
		}
	}()
}
