package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arcanum/internal/config"
	"arcanum/internal/llm"
	"arcanum/internal/models"
	"arcanum/internal/pricing"
	"arcanum/internal/session"

	"github.com/rs/zerolog"
)

var (
	ErrNoSession   = errors.New("no search session in progress")
	ErrUnknownItem = errors.New("message does not correspond to a purchasable item")
	ErrUnknownTier = errors.New("unknown model tier")
)

type Pricer interface {
	PriceItems(ctx context.Context, items []models.GeneratedItem, threadID string) []pricing.Price
}

// Budget gates conversation calls against the daily spend ceiling.
type Budget interface {
	CheckBudget(tier string) error
}

// Purchaser settles an item purchase atomically.
type Purchaser interface {
	ExecutePurchase(ctx context.Context, playerID int64, gen models.GeneratedItem, priceGp int64, messageID, sessionID string) (*models.Transaction, int64, error)
}

// Engine runs the shopkeeper conversation: queries, item listings with
// appraisals and budget filtering, purchases, and tier switching.
type Engine struct {
	sessions  *session.Store
	llm       llm.Completer
	pricer    Pricer
	budget    Budget
	purchases Purchaser
	cfg       *config.Config
	log       zerolog.Logger
}

func NewEngine(sessions *session.Store, completer llm.Completer, pricer Pricer, budget Budget, purchases Purchaser, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		sessions:  sessions,
		llm:       completer,
		pricer:    pricer,
		budget:    budget,
		purchases: purchases,
		cfg:       cfg,
		log:       log.With().Str("component", "search").Logger(),
	}
}

// Offer is one presented item with its appraisal.
type Offer struct {
	Item  models.GeneratedItem
	Price pricing.Price
}

// Result is the shopkeeper's answer to one query.
type Result struct {
	Plain       bool
	Message     string
	Offers      []Offer
	FilteredOut int
	LimitGp     int64
}

// Run handles one shopkeeper query. The budget gate runs before the
// completion call, so an exhausted budget costs nothing. The session is
// created on first contact and accumulates the conversation.
func (e *Engine) Run(ctx context.Context, threadID, playerID, playerName string, balanceGp int64, query string) (*Result, error) {
	sess := e.sessions.Get(threadID)
	if sess == nil {
		sess = &models.Session{
			PlayerID:   playerID,
			PlayerName: playerName,
			StartedAt:  time.Now(),
			Type:       models.SessionSearch,
			ModelTier:  e.cfg.DefaultTier,
		}
		e.sessions.Set(threadID, sess)
	}

	if err := e.budget.CheckBudget(sess.ModelTier); err != nil {
		return nil, err
	}

	messages := append([]models.Turn{}, sess.Turns...)
	messages = append(messages, models.Turn{Role: "user", Content: query})

	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:     e.cfg.Tier(sess.ModelTier).Model,
		MaxTokens: 4096,
		System:    llm.BalanceAwareSystem(balanceGp),
		Messages:  messages,
		ThreadID:  threadID,
	})
	if err != nil {
		return nil, fmt.Errorf("shopkeeper reply: %w", err)
	}

	parsed := llm.ParseResponse(resp.Text)
	if parsed.Kind == llm.ParsedPlain {
		e.appendTurns(ctx, threadID, query, models.Turn{Role: "assistant", Content: parsed.Content})
		return &Result{Plain: true, Message: parsed.Content}, nil
	}

	prices := e.pricer.PriceItems(ctx, parsed.Items, threadID)

	offers := make([]Offer, 0, len(parsed.Items))
	for i, it := range parsed.Items {
		offers = append(offers, Offer{Item: it, Price: prices[i]})
	}

	result := &Result{Message: parsed.Content, Offers: offers}
	if parsed.Payload.FilterByBudget {
		limit := e.budgetLimit(parsed.Payload, balanceGp)
		result.LimitGp = limit
		kept := offers[:0]
		for _, o := range offers {
			// Unpriced items cannot be compared against the limit,
			// so they stay visible but unpurchasable.
			if !o.Price.Unpriced && o.Price.Amount > limit {
				result.FilteredOut++
				continue
			}
			kept = append(kept, o)
		}
		result.Offers = kept
	}

	turnItems := &models.TurnItems{}
	for _, o := range result.Offers {
		if o.Price.Unpriced {
			continue
		}
		turnItems.Items = append(turnItems.Items, models.PricedItem{GeneratedItem: o.Item, PriceGp: o.Price.Amount})
	}
	e.appendTurns(ctx, threadID, query, models.Turn{Role: "assistant", Content: parsed.Content, Items: turnItems})

	return result, nil
}

// budgetLimit resolves what a model-requested budget filter caps
// against, per configuration.
func (e *Engine) budgetLimit(payload *llm.ItemsPayload, balanceGp int64) int64 {
	if e.cfg.BudgetFilterMode == config.BudgetFilterModel && payload.MaxPriceGp != nil {
		return *payload.MaxPriceGp
	}
	return balanceGp
}

func (e *Engine) appendTurns(ctx context.Context, threadID, query string, assistant models.Turn) {
	e.sessions.Update(threadID, func(s *models.Session) {
		s.Turns = append(s.Turns, models.Turn{Role: "user", Content: query}, assistant)
	})
	if err := e.sessions.Persist(ctx); err != nil {
		e.log.Error().Err(err).Msg("persist after shopkeeper turn")
	}
}

// RecordItemMessages ties posted item messages to the priced items they
// present, on the most recent item-bearing turn.
func (e *Engine) RecordItemMessages(ctx context.Context, threadID string, msgs []models.ItemMessage) error {
	ok := e.sessions.Update(threadID, func(s *models.Session) {
		for i := len(s.Turns) - 1; i >= 0; i-- {
			if s.Turns[i].Items != nil {
				s.Turns[i].Items.Messages = append(s.Turns[i].Items.Messages, msgs...)
				return
			}
		}
	})
	if !ok {
		return ErrNoSession
	}
	return e.sessions.Persist(ctx)
}

// PurchaseResult is one settled purchase.
type PurchaseResult struct {
	Transaction *models.Transaction
	InventoryID int64
	Item        models.PricedItem
}

// Purchase settles a cart reaction against the item its message
// presented. The message must still map to a live session item; the
// repository enforces the funds check.
func (e *Engine) Purchase(ctx context.Context, threadID, messageID string, playerID int64) (*PurchaseResult, error) {
	sess := e.sessions.Get(threadID)
	if sess == nil {
		return nil, ErrNoSession
	}
	im := sess.FindItemMessage(messageID)
	if im == nil {
		return nil, ErrUnknownItem
	}

	tx, invID, err := e.purchases.ExecutePurchase(ctx, playerID, im.Item.GeneratedItem, im.Item.PriceGp, messageID, threadID)
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("player", playerID).
		Str("item", im.Item.Name).
		Int64("price_gp", im.Item.PriceGp).
		Msg("purchase settled")

	return &PurchaseResult{Transaction: tx, InventoryID: invID, Item: im.Item}, nil
}

// SwitchTier changes the model tier for a session's future calls.
func (e *Engine) SwitchTier(ctx context.Context, threadID, tier string) error {
	if _, ok := e.cfg.Tiers[tier]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	ok := e.sessions.Update(threadID, func(s *models.Session) {
		s.ModelTier = tier
	})
	if !ok {
		return ErrNoSession
	}
	return e.sessions.Persist(ctx)
}

// Reset clears all search and sell sessions. Admin recovery path.
func (e *Engine) Reset(ctx context.Context) (int, error) {
	n := e.sessions.ClearByType(models.SessionSearch, models.SessionSell)
	return n, e.sessions.Persist(ctx)
}
