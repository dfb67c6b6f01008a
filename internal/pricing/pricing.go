package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arcanum/internal/llm"
	"arcanum/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const maxAttempts = 3

// Price is one appraisal result. Unpriced marks an item the appraiser
// could not value; callers must render it as "price unavailable",
// never as a number.
type Price struct {
	Amount   int64
	Unpriced bool
}

// Service turns generated items into gold piece prices via a dedicated
// appraiser completion. Pricing is best-effort: transient upstream
// failures are retried, and total failure degrades to unpriced items
// rather than failing the caller.
type Service struct {
	llm        llm.Completer
	model      string
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
}

func NewService(completer llm.Completer, model string, log zerolog.Logger) *Service {
	return &Service{
		llm:   completer,
		model: model,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.Multiplier = 2
			b.MaxInterval = 8 * time.Second
			b.RandomizationFactor = 0
			return b
		},
		log: log.With().Str("component", "pricing").Logger(),
	}
}

// PriceItems appraises items in a single batched call. The result
// always has exactly len(items) entries, aligned by index.
func (s *Service) PriceItems(ctx context.Context, items []models.GeneratedItem, threadID string) []Price {
	out := make([]Price, len(items))
	for i := range out {
		out[i].Unpriced = true
	}
	if len(items) == 0 {
		return out
	}

	payload, err := json.Marshal(items)
	if err != nil {
		s.log.Error().Err(err).Msg("encode items for appraisal")
		return out
	}

	var prices []json.Number
	attempt := 0
	op := func() error {
		attempt++
		resp, err := s.llm.Complete(ctx, llm.Request{
			Model:     s.model,
			MaxTokens: 1024,
			System:    llm.Prompt("PRICING"),
			Messages: []models.Turn{
				{Role: "user", Content: string(payload)},
			},
			ThreadID: threadID,
		})
		if err != nil {
			if llm.IsTransient(err) {
				s.log.Warn().Err(err).Int("attempt", attempt).Msg("pricing call failed, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		raw := llm.ExtractJSONArray(resp.Text)
		if raw == "" {
			return backoff.Permanent(fmt.Errorf("appraisal response contained no JSON array"))
		}
		if err := json.Unmarshal([]byte(raw), &prices); err != nil {
			return backoff.Permanent(fmt.Errorf("appraisal response: %w", err))
		}
		return nil
	}

	bo := backoff.WithMaxRetries(s.newBackOff(), maxAttempts-1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		s.log.Error().Err(err).Int("items", len(items)).Msg("pricing failed, items left unpriced")
		return out
	}

	if len(prices) != len(items) {
		s.log.Warn().
			Int("expected", len(items)).
			Int("got", len(prices)).
			Msg("appraisal count mismatch, aligning by index")
	}
	for i := range items {
		if i >= len(prices) {
			break
		}
		n, err := prices[i].Int64()
		if err != nil || n < 0 {
			continue
		}
		out[i] = Price{Amount: n}
	}
	return out
}

// SetBackOff overrides the retry schedule.
func (s *Service) SetBackOff(fn func() backoff.BackOff) {
	s.newBackOff = fn
}
