package filter

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"datapulse/internal/models"
)

func TestMatchesEmptySpec(t *testing.T) {
	rec := models.Record{Kind: "trade", Symbol: "AAPL"}
	assert.True(t, Matches(rec, models.FilterSpec{}))
}

func TestMatchesPredicates(t *testing.T) {
	rec := models.Record{
		Kind:       "trade",
		Symbol:     "AAPL",
		StrategyID: "momentum-1",
		Tags:       []string{"us", "equity", "large-cap"},
	}

	tests := []struct {
		name string
		spec models.FilterSpec
		want bool
	}{
		{"kind match", models.FilterSpec{Kind: "trade"}, true},
		{"kind mismatch", models.FilterSpec{Kind: "quote"}, false},
		{"symbol match", models.FilterSpec{Symbol: "AAPL"}, true},
		{"symbol mismatch", models.FilterSpec{Symbol: "MSFT"}, false},
		{"strategy match", models.FilterSpec{StrategyID: "momentum-1"}, true},
		{"strategy mismatch", models.FilterSpec{StrategyID: "momentum-2"}, false},
		{"tag subset", models.FilterSpec{Tags: []string{"us", "equity"}}, true},
		{"tag missing", models.FilterSpec{Tags: []string{"us", "crypto"}}, false},
		{"conjunctive all hold", models.FilterSpec{Kind: "trade", Symbol: "AAPL", Tags: []string{"us"}}, true},
		{"conjunctive one fails", models.FilterSpec{Kind: "trade", Symbol: "MSFT"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(rec, tt.spec))
		})
	}
}

func TestMatchesTagsOnRecordWithoutTags(t *testing.T) {
	rec := models.Record{Kind: "trade"}
	assert.False(t, Matches(rec, models.FilterSpec{Tags: []string{"us"}}))
}

// Randomized check of the conjunctive contract: a generated record matches a
// generated spec iff every present predicate independently holds.
func TestMatchesRandomized(t *testing.T) {
	kinds := []string{"", "trade", "quote", "fill"}
	symbols := []string{"", "AAPL", "MSFT", "BTCUSD"}
	strategies := []string{"", "s1", "s2"}
	tagPool := []string{"us", "eu", "equity", "crypto"}

	rng := rand.New(rand.NewSource(7))
	pick := func(xs []string) string { return xs[rng.Intn(len(xs))] }
	pickTags := func() []string {
		var out []string
		for _, tg := range tagPool {
			if rng.Intn(2) == 0 {
				out = append(out, tg)
			}
		}
		return out
	}

	for i := 0; i < 500; i++ {
		rec := models.Record{
			Kind:       pick(kinds[1:]),
			Symbol:     pick(symbols[1:]),
			StrategyID: pick(strategies[1:]),
			Tags:       pickTags(),
		}
		spec := models.FilterSpec{
			Kind:       pick(kinds),
			Symbol:     pick(symbols),
			StrategyID: pick(strategies),
			Tags:       pickTags(),
		}

		want := (spec.Kind == "" || spec.Kind == rec.Kind) &&
			(spec.Symbol == "" || spec.Symbol == rec.Symbol) &&
			(spec.StrategyID == "" || spec.StrategyID == rec.StrategyID) &&
			subset(spec.Tags, rec.Tags)

		assert.Equal(t, want, Matches(rec, spec), fmt.Sprintf("rec=%+v spec=%+v", rec, spec))
	}
}
