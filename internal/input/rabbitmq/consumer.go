package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"datapulse/internal/models"
)

type Sink interface {
	Ingest(models.Record) (uint64, error)
}

type Consumer struct {
	url   string
	queue string
	sink  Sink
}

func New(url, queue string, sink Sink) *Consumer {
	return &Consumer{url: url, queue: queue, sink: sink}
}

func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	msgs, err := ch.Consume(c.queue, "", true, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			rec := models.Record{}
			if err := json.Unmarshal(m.Body, &rec); err != nil {
				log.Warn().Err(err).Msg("amqp decode")
				continue
			}
			if rec.Kind == "" {
				log.Warn().Msg("amqp record without kind dropped")
				continue
			}
			rec.ID = 0
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = time.Now().UTC()
			}
			if _, err := c.sink.Ingest(rec); err != nil {
				log.Error().Err(err).Msg("amqp ingest")
			}
		}
	}
}
