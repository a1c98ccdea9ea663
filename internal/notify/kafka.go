package notify

import (
	"encoding/json"
	"time"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// SnapshotSink receives each tick's snapshot batch for downstream
// consumers. Publishing is best-effort.
type SnapshotSink interface {
	PublishSnapshots(snaps []models.PriceSnapshot)
}

// KafkaSink produces price updates to a Kafka topic.
type KafkaSink struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaSink(brokers, topic string) (*KafkaSink, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": brokers})
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

func (s *KafkaSink) PublishSnapshots(snaps []models.PriceSnapshot) {
	for _, snap := range snaps {
		update := models.PriceUpdate{
			Source:    "coingecko",
			Symbol:    snap.Symbol,
			Price:     snap.Price,
			Timestamp: snap.FetchedAt.Format(time.RFC3339),
		}
		value, err := json.Marshal(update)
		if err != nil {
			logger.Log.Error("Failed to marshal price update", zap.Error(err))
			continue
		}

		err = s.producer.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
			Value:          value,
		}, nil)
		if err != nil {
			logger.Log.Warn("Failed to produce price update",
				zap.String("symbol", snap.Symbol),
				zap.Error(err),
			)
		}
	}
}

// Close flushes pending messages and shuts down the producer.
func (s *KafkaSink) Close() {
	s.producer.Flush(5000)
	s.producer.Close()
}
