package sell

import (
	"context"
	"strings"
	"sync"
	"testing"

	"arcanum/internal/config"
	"arcanum/internal/llm"
	"arcanum/internal/models"
	"arcanum/internal/pricing"
	"arcanum/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	mu            sync.Mutex
	buyerText     string
	buyerErr      error
	negotiateText string
	negotiateErr  error
	classifierErr error
	classified    int
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case req.System == llm.Prompt("BUYER"):
		if f.buyerErr != nil {
			return nil, f.buyerErr
		}
		return &llm.Response{Text: f.buyerText}, nil
	case req.System == llm.Prompt("OFFER_CLASSIFIER"):
		f.classified++
		if f.classifierErr != nil {
			return nil, f.classifierErr
		}
		return &llm.Response{Text: `{"isOffer":false}`}, nil
	case strings.HasPrefix(req.System, llm.Prompt("NEGOTIATION")):
		if f.negotiateErr != nil {
			return nil, f.negotiateErr
		}
		return &llm.Response{Text: f.negotiateText}, nil
	}
	return &llm.Response{Text: ""}, nil
}

type fakePricer struct {
	price pricing.Price
}

func (f *fakePricer) PriceItems(ctx context.Context, items []models.GeneratedItem, threadID string) []pricing.Price {
	out := make([]pricing.Price, len(items))
	for i := range out {
		out[i] = f.price
	}
	return out
}

type fakeSaleExec struct {
	calls     int
	playerID  int64
	invID     int64
	amount    int64
	buyerName string
	err       error
}

func (f *fakeSaleExec) ExecuteSale(ctx context.Context, playerID, inventoryID, saleGp int64, sessionID, buyerName string) (*models.Transaction, error) {
	f.calls++
	f.playerID = playerID
	f.invID = inventoryID
	f.amount = saleGp
	f.buyerName = buyerName
	if f.err != nil {
		return nil, f.err
	}
	return &models.Transaction{
		PlayerID:     playerID,
		Type:         models.TransactionSale,
		AmountGp:     saleGp,
		BalanceAfter: 500 + saleGp,
	}, nil
}

func sellConfig() *config.Config {
	return &config.Config{
		DefaultTier: "haiku",
		Tiers:       map[string]config.ModelTier{"haiku": {Model: "test-haiku"}},
		InterestLevels: map[string]config.Negotiation{
			"low":    {MaxIncrease: 1.05, WalkAwayThreshold: 1.25},
			"medium": {MaxIncrease: 1.15, WalkAwayThreshold: 1.50},
			"high":   {MaxIncrease: 1.30, WalkAwayThreshold: 1.80},
		},
	}
}

const threePersonas = `[
{"name":"Vessa","title":"Collector","description":"d","motivation":"m","interestLevel":"low"},
{"name":"Orrin","title":"Broker","description":"d","motivation":"m","interestLevel":"medium"},
{"name":"Thale","title":"Duelist","description":"d","motivation":"m","interestLevel":"high"}]`

func soldItem() *models.InventoryItem {
	return &models.InventoryItem{
		InventoryID:     11,
		PlayerID:        7,
		PurchasePriceGp: 80,
		Item:            models.Item{ID: 3, GeneratedItem: models.GeneratedItem{Name: "Moon Dagger"}},
	}
}

type fixture struct {
	engine   *Engine
	sessions *session.Store
	exec     *fakeSaleExec
	llm      *fakeCompleter
}

func newFixture(f *fakeCompleter, price pricing.Price) *fixture {
	sessions := session.NewStore(nil, zerolog.Nop())
	exec := &fakeSaleExec{}
	eng := NewEngine(sessions, f, &fakePricer{price: price}, exec, sellConfig(), zerolog.Nop())
	return &fixture{engine: eng, sessions: sessions, exec: exec, llm: f}
}

// openSale starts a sale, generates buyers, and posts their messages.
func (fx *fixture) openSale(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	fx.engine.StartSale(ctx, "thread", "seller", "Seller", "haiku", soldItem())
	buyers, err := fx.engine.GenerateBuyers(ctx, "thread")
	require.NoError(t, err)
	require.Len(t, buyers, 3)
	require.NoError(t, fx.engine.AttachBuyers(ctx, "thread", []string{"msg-0", "msg-1", "msg-2"}))
}

func TestGenerateBuyersAppliesInterestFactors(t *testing.T) {
	fx := newFixture(&fakeCompleter{buyerText: threePersonas}, pricing.Price{Amount: 100})
	fx.openSale(t)

	sess := fx.sessions.Get("thread")
	require.NotNil(t, sess)
	buyers := sess.Sale.Buyers
	require.Len(t, buyers, 3)

	assert.Equal(t, int64(100), buyers[0].OfferGp)
	assert.Equal(t, int64(105), buyers[0].MaxOffer)
	assert.Equal(t, int64(125), buyers[0].WalkAwayPrice)

	assert.Equal(t, int64(115), buyers[1].MaxOffer)
	assert.Equal(t, int64(150), buyers[1].WalkAwayPrice)

	assert.Equal(t, int64(130), buyers[2].MaxOffer)
	assert.Equal(t, int64(180), buyers[2].WalkAwayPrice)
}

func TestGenerateBuyersAppraisalFallsBackToPurchasePrice(t *testing.T) {
	fx := newFixture(&fakeCompleter{buyerText: threePersonas}, pricing.Price{Unpriced: true})
	fx.openSale(t)

	for _, b := range fx.sessions.Get("thread").Sale.Buyers {
		assert.Equal(t, int64(80), b.OfferGp)
	}
}

type recordingBackend struct {
	saves int
	last  map[string]*models.Session
}

func (b *recordingBackend) Save(ctx context.Context, sessions map[string]*models.Session) error {
	b.saves++
	b.last = sessions
	return nil
}

func (b *recordingBackend) Load(ctx context.Context) (map[string]*models.Session, error) {
	return map[string]*models.Session{}, nil
}

func TestAbandonSalePersistsTheTeardown(t *testing.T) {
	backend := &recordingBackend{}
	sessions := session.NewStore(backend, zerolog.Nop())
	eng := NewEngine(sessions, &fakeCompleter{}, &fakePricer{}, &fakeSaleExec{}, sellConfig(), zerolog.Nop())
	ctx := context.Background()

	eng.StartSale(ctx, "thread", "seller", "Seller", "haiku", soldItem())
	require.Contains(t, backend.last, "thread")
	saved := backend.saves

	eng.AbandonSale(ctx, "thread")
	assert.Nil(t, sessions.Get("thread"))
	// The empty state must hit the backend, or a restart would revive
	// the dead session and swallow every message in its thread.
	assert.Greater(t, backend.saves, saved)
	assert.NotContains(t, backend.last, "thread")
}

func TestGenerateBuyersRequiresThreePersonas(t *testing.T) {
	two := `[{"name":"A","interestLevel":"low"},{"name":"B","interestLevel":"high"}]`
	fx := newFixture(&fakeCompleter{buyerText: two}, pricing.Price{Amount: 100})
	fx.engine.StartSale(context.Background(), "thread", "seller", "Seller", "haiku", soldItem())
	_, err := fx.engine.GenerateBuyers(context.Background(), "thread")
	assert.Error(t, err)
}

func TestAcceptOfferSettlesOnceAndOnlyOnce(t *testing.T) {
	fx := newFixture(&fakeCompleter{buyerText: threePersonas}, pricing.Price{Amount: 100})
	fx.openSale(t)
	ctx := context.Background()

	result, err := fx.engine.AcceptOffer(ctx, "thread", "msg-1", "seller")
	require.NoError(t, err)
	assert.Equal(t, "Orrin", result.BuyerName)
	assert.Equal(t, int64(100), result.AmountGp)
	assert.Equal(t, int64(11), fx.exec.invID)
	assert.Contains(t, result.CleanupMessageIDs, "msg-0")
	assert.Contains(t, result.CleanupMessageIDs, "msg-2")

	_, err = fx.engine.AcceptOffer(ctx, "thread", "msg-1", "seller")
	assert.ErrorIs(t, err, ErrNoSale)
	assert.Equal(t, 1, fx.exec.calls)
}

func TestAcceptOfferOnUnknownMessageIsStale(t *testing.T) {
	fx := newFixture(&fakeCompleter{buyerText: threePersonas}, pricing.Price{Amount: 100})
	fx.openSale(t)

	_, err := fx.engine.AcceptOffer(context.Background(), "thread", "old-message", "seller")
	assert.ErrorIs(t, err, ErrStaleOffer)
	assert.Equal(t, 0, fx.exec.calls)
}

func TestAcceptOfferByNonSellerRejected(t *testing.T) {
	fx := newFixture(&fakeCompleter{buyerText: threePersonas}, pricing.Price{Amount: 100})
	fx.openSale(t)

	_, err := fx.engine.AcceptOffer(context.Background(), "thread", "msg-0", "someone-else")
	assert.ErrorIs(t, err, ErrNotSeller)
}

func TestOpenNegotiationRetractsOtherBuyers(t *testing.T) {
	fx := newFixture(&fakeCompleter{buyerText: threePersonas}, pricing.Price{Amount: 100})
	fx.openSale(t)
	ctx := context.Background()

	start, err := fx.engine.OpenNegotiation(ctx, "thread", "msg-1", "seller")
	require.NoError(t, err)
	assert.Equal(t, "Orrin", start.Buyer.Name)
	assert.ElementsMatch(t, []string{"msg-0", "msg-2"}, start.RetractMessageIDs)
	assert.Equal(t, "msg-1", start.DetachMessageID)

	// A reaction on a retracted buyer's message is stale now.
	_, err = fx.engine.AcceptOffer(ctx, "thread", "msg-0", "seller")
	assert.ErrorIs(t, err, ErrStaleOffer)

	// So is one on the chosen buyer's opening offer. Once talks begin
	// the only acceptable price is a negotiated one.
	_, err = fx.engine.AcceptOffer(ctx, "thread", "msg-1", "seller")
	assert.ErrorIs(t, err, ErrStaleOffer)
	assert.Equal(t, 0, fx.exec.calls)

	_, err = fx.engine.OpenNegotiation(ctx, "thread", "msg-1", "seller")
	assert.ErrorIs(t, err, ErrAlreadyNegotiating)
}

func negotiatingFixture(t *testing.T, negotiateText string) *fixture {
	t.Helper()
	fx := newFixture(&fakeCompleter{buyerText: threePersonas, negotiateText: negotiateText}, pricing.Price{Amount: 100})
	fx.openSale(t)
	_, err := fx.engine.OpenNegotiation(context.Background(), "thread", "msg-1", "seller")
	require.NoError(t, err)
	return fx
}

func TestHandleMessageClampsOfferToBuyerCeiling(t *testing.T) {
	fx := negotiatingFixture(t, `{"response":"Fine, but that is my last word.","newOffer":999,"isOffer":true,"walkAway":false}`)
	ctx := context.Background()

	reply, err := fx.engine.HandleMessage(ctx, "thread", "seller", "I want more gold")
	require.NoError(t, err)
	assert.Equal(t, "Orrin", reply.BuyerName)
	require.NotNil(t, reply.NewOffer)
	assert.Equal(t, int64(115), *reply.NewOffer)

	require.NoError(t, fx.engine.RecordOfferMessage(ctx, "thread", "offer-msg"))
	result, err := fx.engine.AcceptOffer(ctx, "thread", "offer-msg", "seller")
	require.NoError(t, err)
	assert.Equal(t, int64(115), result.AmountGp)
	assert.Contains(t, result.CleanupMessageIDs, "offer-msg")
}

func TestHandleMessageNewOfferSupersedesOldOne(t *testing.T) {
	fx := negotiatingFixture(t, `{"response":"Deal?","newOffer":105,"isOffer":true,"walkAway":false}`)
	ctx := context.Background()

	_, err := fx.engine.HandleMessage(ctx, "thread", "seller", "more")
	require.NoError(t, err)
	require.NoError(t, fx.engine.RecordOfferMessage(ctx, "thread", "offer-1"))

	reply, err := fx.engine.HandleMessage(ctx, "thread", "seller", "even more")
	require.NoError(t, err)
	assert.Equal(t, "offer-1", reply.PreviousOfferMessageID)
	require.NoError(t, fx.engine.RecordOfferMessage(ctx, "thread", "offer-2"))

	// The old offer message no longer settles anything.
	_, err = fx.engine.AcceptOffer(ctx, "thread", "offer-1", "seller")
	assert.ErrorIs(t, err, ErrStaleOffer)

	result, err := fx.engine.AcceptOffer(ctx, "thread", "offer-2", "seller")
	require.NoError(t, err)
	assert.Equal(t, int64(105), result.AmountGp)
}

func TestHandleMessageWalkAwayEndsSession(t *testing.T) {
	fx := negotiatingFixture(t, `{"response":"We are done here.","walkAway":true}`)

	reply, err := fx.engine.HandleMessage(context.Background(), "thread", "seller", "double it")
	require.NoError(t, err)
	assert.True(t, reply.WalkedAway)
	assert.Nil(t, fx.sessions.Get("thread"))
}

func TestHandleMessageWalkAwayReportsLiveOfferForCleanup(t *testing.T) {
	fx := negotiatingFixture(t, `{"response":"Deal?","newOffer":105,"isOffer":true,"walkAway":false}`)
	ctx := context.Background()

	_, err := fx.engine.HandleMessage(ctx, "thread", "seller", "more")
	require.NoError(t, err)
	require.NoError(t, fx.engine.RecordOfferMessage(ctx, "thread", "offer-1"))

	fx.llm.mu.Lock()
	fx.llm.negotiateText = `{"response":"Too rich for my blood.","walkAway":true}`
	fx.llm.mu.Unlock()

	reply, err := fx.engine.HandleMessage(ctx, "thread", "seller", "make it 200")
	require.NoError(t, err)
	assert.True(t, reply.WalkedAway)
	assert.Equal(t, []string{"offer-1"}, reply.CleanupMessageIDs)
	assert.Nil(t, fx.sessions.Get("thread"))
}

func TestHandleMessagePlainTextFallsThrough(t *testing.T) {
	fx := negotiatingFixture(t, "Hmm, let me think about that.")

	reply, err := fx.engine.HandleMessage(context.Background(), "thread", "seller", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hmm, let me think about that.", reply.Text)
	assert.Nil(t, reply.NewOffer)
	assert.False(t, reply.WalkedAway)
}

func TestClassifierFailureNeverBlocksNegotiation(t *testing.T) {
	fx := newFixture(&fakeCompleter{
		buyerText:     threePersonas,
		negotiateText: `{"response":"Noted.","isOffer":false,"walkAway":false}`,
		classifierErr: &llm.APIError{Status: 529},
	}, pricing.Price{Amount: 100})
	fx.openSale(t)
	_, err := fx.engine.OpenNegotiation(context.Background(), "thread", "msg-0", "seller")
	require.NoError(t, err)

	reply, err := fx.engine.HandleMessage(context.Background(), "thread", "seller", "What about 120?")
	require.NoError(t, err)
	assert.Equal(t, "Noted.", reply.Text)
	assert.Equal(t, 1, fx.llm.classified)
}
