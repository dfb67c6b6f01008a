package craft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"arcanum/internal/config"
	"arcanum/internal/llm"
	"arcanum/internal/models"
	"arcanum/internal/pricing"

	"github.com/rs/zerolog"
)

var ErrBadComponents = errors.New("crafting needs exactly two components")

// Pricer appraises generated items.
type Pricer interface {
	PriceItems(ctx context.Context, items []models.GeneratedItem, threadID string) []pricing.Price
}

// Exchanger swaps two owned items for a crafted one atomically.
type Exchanger interface {
	ExchangeForCraft(ctx context.Context, playerID, consumeA, consumeB int64, crafted models.GeneratedItem, priceGp int64, messageID, sessionID string) (*models.InventoryItem, error)
}

// Engine fuses two inventory items into a new one. Generation comes
// first and may fail freely; the inventory exchange happens only once
// a valid result item exists.
type Engine struct {
	llm       llm.Completer
	pricer    Pricer
	exchanger Exchanger
	cfg       *config.Config
	log       zerolog.Logger
	roll      func() int
}

func NewEngine(completer llm.Completer, pricer Pricer, exchanger Exchanger, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		llm:       completer,
		pricer:    pricer,
		exchanger: exchanger,
		cfg:       cfg,
		log:       log.With().Str("component", "craft").Logger(),
		roll:      func() int { return rand.Intn(100) + 1 },
	}
}

// SetRoll overrides the quality die.
func (e *Engine) SetRoll(fn func() int) {
	e.roll = fn
}

// Result is one completed craft.
type Result struct {
	Synergy   *models.Synergy
	BaseRoll  int
	Quality   int
	Narrative string
	Item      *models.InventoryItem
	PriceGp   int64
}

func neutralSynergy() *models.Synergy {
	s := &models.Synergy{Assessment: "The components are compatible enough to attempt a fusion."}
	for _, c := range s.Categories() {
		c.Score = 3
		c.Reason = "No strong interaction either way."
	}
	s.TotalBonus = 15
	return s
}

// ScoreSynergy rates the compatibility of two components. Category
// scores from the model are clamped to [1,5] and the total is always
// recomputed from them. Any failure degrades to a neutral rating;
// crafting never blocks on the rating call.
func (e *Engine) ScoreSynergy(ctx context.Context, threadID, model string, a, b models.GeneratedItem) *models.Synergy {
	payload, err := json.Marshal(map[string]models.GeneratedItem{"first": a, "second": b})
	if err != nil {
		return neutralSynergy()
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:     model,
		MaxTokens: 1024,
		System:    llm.Prompt("SYNERGY"),
		Messages: []models.Turn{
			{Role: "user", Content: string(payload)},
		},
		ThreadID: threadID,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("synergy call failed, using neutral rating")
		return neutralSynergy()
	}
	raw := llm.ExtractJSONObject(resp.Text)
	if raw == "" {
		return neutralSynergy()
	}
	var syn models.Synergy
	if err := json.Unmarshal([]byte(raw), &syn); err != nil {
		return neutralSynergy()
	}

	total := 0
	for _, c := range syn.Categories() {
		if c.Score < 1 {
			c.Score = 1
		}
		if c.Score > 5 {
			c.Score = 5
		}
		total += c.Score
	}
	syn.TotalBonus = total
	return &syn
}

type craftOutput struct {
	Narrative string               `json:"narrative"`
	Result    models.GeneratedItem `json:"result"`
}

// Execute runs a full craft: synergy rating, quality roll, item
// generation, appraisal, then the inventory exchange. A generation
// failure returns before anything touches the inventory, so the
// components survive it.
func (e *Engine) Execute(ctx context.Context, playerID int64, selections []models.InventoryItem, threadID, tier string) (*Result, error) {
	if len(selections) != 2 {
		return nil, ErrBadComponents
	}
	first, second := selections[0], selections[1]
	model := e.cfg.Tier(tier).Model

	syn := e.ScoreSynergy(ctx, threadID, model, first.Item.GeneratedItem, second.Item.GeneratedItem)
	baseRoll := e.roll()
	quality := baseRoll + syn.TotalBonus

	payload, err := json.Marshal(map[string]any{
		"first":   first.Item.GeneratedItem,
		"second":  second.Item.GeneratedItem,
		"synergy": syn,
		"quality": quality,
	})
	if err != nil {
		return nil, err
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:     model,
		MaxTokens: 2048,
		System:    llm.Prompt("CRAFTING"),
		Messages: []models.Turn{
			{Role: "user", Content: string(payload)},
		},
		ThreadID: threadID,
	})
	if err != nil {
		return nil, fmt.Errorf("craft generation: %w", err)
	}
	raw := llm.ExtractJSONObject(resp.Text)
	if raw == "" {
		return nil, fmt.Errorf("craft generation: response contained no JSON object")
	}
	var out craftOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("craft generation: %w", err)
	}
	if out.Result.Name == "" {
		return nil, errors.New("craft generation: result item has no name")
	}

	priceGp := e.cfg.CraftFallbackPriceGp
	prices := e.pricer.PriceItems(ctx, []models.GeneratedItem{out.Result}, threadID)
	if len(prices) == 1 && !prices[0].Unpriced {
		priceGp = prices[0].Amount
	}

	crafted, err := e.exchanger.ExchangeForCraft(ctx, playerID, first.InventoryID, second.InventoryID, out.Result, priceGp, "", threadID)
	if err != nil {
		return nil, fmt.Errorf("craft exchange: %w", err)
	}

	e.log.Info().
		Int64("player", playerID).
		Str("result", out.Result.Name).
		Int("quality", quality).
		Int("bonus", syn.TotalBonus).
		Msg("craft completed")

	return &Result{
		Synergy:   syn,
		BaseRoll:  baseRoll,
		Quality:   quality,
		Narrative: out.Narrative,
		Item:      crafted,
		PriceGp:   priceGp,
	}, nil
}
