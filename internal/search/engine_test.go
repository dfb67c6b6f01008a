package search

import (
	"context"
	"errors"
	"testing"

	"arcanum/internal/config"
	"arcanum/internal/costs"
	"arcanum/internal/llm"
	"arcanum/internal/models"
	"arcanum/internal/pricing"
	"arcanum/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	calls int
	text  string
	err   error
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text}, nil
}

type fakePricer struct {
	prices []pricing.Price
}

func (f *fakePricer) PriceItems(ctx context.Context, items []models.GeneratedItem, threadID string) []pricing.Price {
	out := make([]pricing.Price, len(items))
	for i := range out {
		if i < len(f.prices) {
			out[i] = f.prices[i]
		} else {
			out[i] = pricing.Price{Unpriced: true}
		}
	}
	return out
}

type fakeBudget struct {
	err error
}

func (f *fakeBudget) CheckBudget(tier string) error { return f.err }

type fakePurchaser struct {
	calls   int
	priceGp int64
	err     error
}

func (f *fakePurchaser) ExecutePurchase(ctx context.Context, playerID int64, gen models.GeneratedItem, priceGp int64, messageID, sessionID string) (*models.Transaction, int64, error) {
	f.calls++
	f.priceGp = priceGp
	if f.err != nil {
		return nil, 0, f.err
	}
	return &models.Transaction{PlayerID: playerID, AmountGp: -priceGp, BalanceAfter: 500 - priceGp}, 42, nil
}

func searchConfig() *config.Config {
	return &config.Config{
		DefaultTier:      "haiku",
		BudgetFilterMode: config.BudgetFilterModel,
		Tiers:            map[string]config.ModelTier{"haiku": {Model: "h"}, "sonnet": {Model: "s"}},
	}
}

type fixture struct {
	engine    *Engine
	sessions  *session.Store
	llm       *fakeCompleter
	purchaser *fakePurchaser
}

func newFixture(f *fakeCompleter, pricer *fakePricer, budget *fakeBudget) *fixture {
	sessions := session.NewStore(nil, zerolog.Nop())
	purchaser := &fakePurchaser{}
	eng := NewEngine(sessions, f, pricer, budget, purchaser, searchConfig(), zerolog.Nop())
	return &fixture{engine: eng, sessions: sessions, llm: f, purchaser: purchaser}
}

const itemListing = `{"message":"Two pieces today.","items":[` +
	`{"name":"Moon Dagger","itemType":"weapon","rarity":"rare","description":"x"},` +
	`{"name":"Sun Pendant","itemType":"wondrous item","rarity":"uncommon","description":"y"}]}`

func TestRunBudgetGateBlocksBeforeCompletion(t *testing.T) {
	fx := newFixture(&fakeCompleter{text: "hello"}, &fakePricer{}, &fakeBudget{err: costs.ErrBudgetExhausted})
	_, err := fx.engine.Run(context.Background(), "t", "u1", "Lina", 500, "show me daggers")
	assert.ErrorIs(t, err, costs.ErrBudgetExhausted)
	assert.Equal(t, 0, fx.llm.calls)
}

func TestRunPlainReply(t *testing.T) {
	fx := newFixture(&fakeCompleter{text: "Welcome in! Browsing or buying?"}, &fakePricer{}, &fakeBudget{})
	res, err := fx.engine.Run(context.Background(), "t", "u1", "Lina", 500, "hello")
	require.NoError(t, err)
	assert.True(t, res.Plain)
	assert.Equal(t, "Welcome in! Browsing or buying?", res.Message)

	sess := fx.sessions.Get("t")
	require.NotNil(t, sess)
	assert.Equal(t, models.SessionSearch, sess.Type)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "user", sess.Turns[0].Role)
	assert.Equal(t, "assistant", sess.Turns[1].Role)
}

func TestRunItemListing(t *testing.T) {
	pricer := &fakePricer{prices: []pricing.Price{{Amount: 150}, {Amount: 90}}}
	fx := newFixture(&fakeCompleter{text: itemListing}, pricer, &fakeBudget{})

	res, err := fx.engine.Run(context.Background(), "t", "u1", "Lina", 500, "weapons")
	require.NoError(t, err)
	assert.False(t, res.Plain)
	require.Len(t, res.Offers, 2)
	assert.Equal(t, int64(150), res.Offers[0].Price.Amount)

	sess := fx.sessions.Get("t")
	require.Len(t, sess.Turns, 2)
	require.NotNil(t, sess.Turns[1].Items)
	assert.Len(t, sess.Turns[1].Items.Items, 2)
}

func TestRunBudgetFilterModelMode(t *testing.T) {
	listing := `{"message":"Within your means.","items":[` +
		`{"name":"Cheap","description":"a"},{"name":"Dear","description":"b"},{"name":"Odd","description":"c"}],` +
		`"filterByBudget":true,"maxPriceGp":100}`
	pricer := &fakePricer{prices: []pricing.Price{{Amount: 90}, {Amount: 400}, {Unpriced: true}}}
	fx := newFixture(&fakeCompleter{text: listing}, pricer, &fakeBudget{})

	res, err := fx.engine.Run(context.Background(), "t", "u1", "Lina", 500, "something affordable")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.LimitGp)
	assert.Equal(t, 1, res.FilteredOut)
	require.Len(t, res.Offers, 2)
	assert.Equal(t, "Cheap", res.Offers[0].Item.Name)
	// Unpriced items survive the filter but are not purchasable.
	assert.True(t, res.Offers[1].Price.Unpriced)
	assert.Len(t, fx.sessions.Get("t").Turns[1].Items.Items, 1)
}

func TestRunBudgetFilterFallsBackToBalance(t *testing.T) {
	listing := `{"message":"For you.","items":[{"name":"Dear","description":"b"}],"filterByBudget":true}`
	pricer := &fakePricer{prices: []pricing.Price{{Amount: 400}}}
	fx := newFixture(&fakeCompleter{text: listing}, pricer, &fakeBudget{})

	res, err := fx.engine.Run(context.Background(), "t", "u1", "Lina", 300, "anything")
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.LimitGp)
	assert.Equal(t, 1, res.FilteredOut)
	assert.Empty(t, res.Offers)
}

func TestPurchaseFlow(t *testing.T) {
	pricer := &fakePricer{prices: []pricing.Price{{Amount: 150}, {Amount: 90}}}
	fx := newFixture(&fakeCompleter{text: itemListing}, pricer, &fakeBudget{})
	ctx := context.Background()

	_, err := fx.engine.Run(ctx, "t", "u1", "Lina", 500, "weapons")
	require.NoError(t, err)
	require.NoError(t, fx.engine.RecordItemMessages(ctx, "t", []models.ItemMessage{
		{MessageID: "m1", Item: models.PricedItem{GeneratedItem: models.GeneratedItem{Name: "Moon Dagger"}, PriceGp: 150}},
	}))

	result, err := fx.engine.Purchase(ctx, "t", "m1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.InventoryID)
	assert.Equal(t, int64(150), fx.purchaser.priceGp)

	_, err = fx.engine.Purchase(ctx, "t", "unknown-msg", 7)
	assert.ErrorIs(t, err, ErrUnknownItem)
	assert.Equal(t, 1, fx.purchaser.calls)
}

func TestPurchaseWithoutSession(t *testing.T) {
	fx := newFixture(&fakeCompleter{}, &fakePricer{}, &fakeBudget{})
	_, err := fx.engine.Purchase(context.Background(), "t", "m1", 7)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSwitchTier(t *testing.T) {
	fx := newFixture(&fakeCompleter{text: "hi"}, &fakePricer{}, &fakeBudget{})
	ctx := context.Background()

	assert.ErrorIs(t, fx.engine.SwitchTier(ctx, "t", "sonnet"), ErrNoSession)

	_, err := fx.engine.Run(ctx, "t", "u1", "Lina", 500, "hello")
	require.NoError(t, err)
	require.NoError(t, fx.engine.SwitchTier(ctx, "t", "sonnet"))
	assert.Equal(t, "sonnet", fx.sessions.Get("t").ModelTier)

	err = fx.engine.SwitchTier(ctx, "t", "opus")
	assert.True(t, errors.Is(err, ErrUnknownTier))
}

func TestResetClearsSearchAndSellSessions(t *testing.T) {
	fx := newFixture(&fakeCompleter{text: "hi"}, &fakePricer{}, &fakeBudget{})
	ctx := context.Background()
	_, err := fx.engine.Run(ctx, "t1", "u1", "Lina", 500, "hello")
	require.NoError(t, err)
	fx.sessions.Set("t2", &models.Session{Type: models.SessionSell, Sale: &models.SaleState{}})
	fx.sessions.Set("t3", &models.Session{Type: models.SessionCraft})

	n, err := fx.engine.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotNil(t, fx.sessions.Get("t3"))
}
