package mock

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"datapulse/internal/models"
)

type Sink interface {
	Ingest(models.Record) (uint64, error)
}

// Generator feeds synthetic records into the sink for local development.
type Generator struct{ Sink Sink }

func (g *Generator) Run(ctx context.Context) {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()

	kinds := []string{"trade", "quote", "signal", "fill"}
	symbols := []string{"AAPL", "MSFT", "TSLA", "BTCUSD", "EURUSD"}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rec := models.Record{
				Kind:       kinds[rand.Intn(len(kinds))],
				Symbol:     symbols[rand.Intn(len(symbols))],
				StrategyID: uuid.NewString()[:8],
				Payload: map[string]any{
					"price": 10 + rand.Intn(990),
					"qty":   1 + rand.Intn(100),
				},
				CreatedAt: time.Now().UTC(),
			}
			if _, err := g.Sink.Ingest(rec); err != nil {
				log.Error().Err(err).Msg("mock ingest")
			}
		}
	}
}
