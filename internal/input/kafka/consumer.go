package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"datapulse/internal/models"
)

// Sink receives decoded records; the coordinator implements it.
type Sink interface {
	Ingest(models.Record) (uint64, error)
}

type Consumer struct {
	reader *kafka.Reader
	sink   Sink
}

func New(brokers []string, topic, group string, sink Sink) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, sink: sink}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			return err
		}
		rec := models.Record{}
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			log.Warn().Err(err).Msg("kafka decode")
			continue
		}
		if rec.Kind == "" {
			log.Warn().Msg("kafka record without kind dropped")
			continue
		}
		rec.ID = 0
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if _, err := c.sink.Ingest(rec); err != nil {
			log.Error().Err(err).Msg("kafka ingest")
		}
	}
}
