package sell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"arcanum/internal/config"
	"arcanum/internal/llm"
	"arcanum/internal/models"
	"arcanum/internal/pricing"
	"arcanum/internal/session"

	"github.com/rs/zerolog"
)

const buyerCount = 3

var (
	ErrNoSale             = errors.New("no sale in progress")
	ErrNotSeller          = errors.New("only the seller can do that")
	ErrStaleOffer         = errors.New("offer is no longer live")
	ErrAlreadyNegotiating = errors.New("negotiation already in progress")
)

// Pricer produces index-aligned appraisals for generated items.
type Pricer interface {
	PriceItems(ctx context.Context, items []models.GeneratedItem, threadID string) []pricing.Price
}

// SaleExecutor settles a completed sale atomically.
type SaleExecutor interface {
	ExecuteSale(ctx context.Context, playerID, inventoryID, saleGp int64, sessionID, buyerName string) (*models.Transaction, error)
}

// Engine runs sell sessions: it generates candidate buyers, negotiates
// on behalf of one, and settles the sale when the seller accepts.
type Engine struct {
	sessions *session.Store
	llm      llm.Completer
	pricer   Pricer
	sales    SaleExecutor
	cfg      *config.Config
	log      zerolog.Logger
}

func NewEngine(sessions *session.Store, completer llm.Completer, pricer Pricer, sales SaleExecutor, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		llm:      completer,
		pricer:   pricer,
		sales:    sales,
		cfg:      cfg,
		log:      log.With().Str("component", "sell").Logger(),
	}
}

// SaleResult describes a settled sale plus the UI messages whose
// affordances should be cleared.
type SaleResult struct {
	Transaction       *models.Transaction
	ItemName          string
	BuyerName         string
	AmountGp          int64
	CleanupMessageIDs []string
}

// Reply is the buyer's response to one negotiation message. When the
// buyer walks away, CleanupMessageIDs carries every message still
// wearing an accept affordance.
type Reply struct {
	Text                   string
	NewOffer               *int64
	WalkedAway             bool
	BuyerName              string
	PreviousOfferMessageID string
	CleanupMessageIDs      []string
}

// StartSale opens a sell session for an item the player owns.
func (e *Engine) StartSale(ctx context.Context, threadID, playerID, playerName, tier string, item *models.InventoryItem) *models.Session {
	sess := &models.Session{
		PlayerID:   playerID,
		PlayerName: playerName,
		StartedAt:  time.Now(),
		Type:       models.SessionSell,
		ModelTier:  tier,
		Sale: &models.SaleState{
			InventoryID:   item.InventoryID,
			ItemID:        item.Item.ID,
			Name:          item.Item.Name,
			PurchasePrice: item.PurchasePriceGp,
			Item:          item,
		},
	}
	e.sessions.Set(threadID, sess)
	if err := e.sessions.Persist(ctx); err != nil {
		e.log.Error().Err(err).Msg("persist after sale start")
	}
	return sess
}

// AbandonSale tears down a sell session that cannot proceed, for
// example when buyer generation fails. The teardown is persisted so a
// restart does not resurrect a dead session that would swallow thread
// messages.
func (e *Engine) AbandonSale(ctx context.Context, threadID string) {
	e.sessions.Delete(threadID)
	if err := e.sessions.Persist(ctx); err != nil {
		e.log.Error().Err(err).Msg("persist after sale abandon")
	}
}

type buyerPersona struct {
	Name          string `json:"name"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Motivation    string `json:"motivation"`
	InterestLevel string `json:"interestLevel"`
}

// GenerateBuyers produces exactly three candidate buyers. Personas come
// from one completion call; each buyer then appraises the item
// independently and in parallel, so their offers differ even for the
// same interest level. An appraisal that fails falls back to the
// item's purchase price.
func (e *Engine) GenerateBuyers(ctx context.Context, threadID string) ([]models.Buyer, error) {
	sess := e.sessions.Get(threadID)
	if sess == nil || sess.Sale == nil {
		return nil, ErrNoSale
	}
	item := sess.Sale.Item
	if item == nil {
		return nil, ErrNoSale
	}

	itemJSON, err := json.Marshal(item.Item.GeneratedItem)
	if err != nil {
		return nil, err
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:     e.cfg.Tier(sess.ModelTier).Model,
		MaxTokens: 2048,
		System:    llm.Prompt("BUYER"),
		Messages: []models.Turn{
			{Role: "user", Content: string(itemJSON)},
		},
		ThreadID: threadID,
	})
	if err != nil {
		return nil, fmt.Errorf("generate buyers: %w", err)
	}
	raw := llm.ExtractJSONArray(resp.Text)
	if raw == "" {
		return nil, fmt.Errorf("buyer response contained no JSON array")
	}
	var personas []buyerPersona
	if err := json.Unmarshal([]byte(raw), &personas); err != nil {
		return nil, fmt.Errorf("buyer response: %w", err)
	}
	if len(personas) < buyerCount {
		return nil, fmt.Errorf("buyer response: got %d personas, need %d", len(personas), buyerCount)
	}
	personas = personas[:buyerCount]

	offers := make([]int64, buyerCount)
	var wg sync.WaitGroup
	for i := range personas {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prices := e.pricer.PriceItems(ctx, []models.GeneratedItem{item.Item.GeneratedItem}, threadID)
			if len(prices) == 1 && !prices[0].Unpriced {
				offers[i] = prices[0].Amount
				return
			}
			offers[i] = item.PurchasePriceGp
		}(i)
	}
	wg.Wait()

	buyers := make([]models.Buyer, buyerCount)
	for i, p := range personas {
		neg := e.cfg.Interest(p.InterestLevel)
		buyers[i] = models.Buyer{
			Name:          p.Name,
			Title:         p.Title,
			Description:   p.Description,
			Motivation:    p.Motivation,
			InterestLevel: p.InterestLevel,
			OfferGp:       offers[i],
			MaxOffer:      int64(math.Round(float64(offers[i]) * neg.MaxIncrease)),
			WalkAwayPrice: int64(math.Round(float64(offers[i]) * neg.WalkAwayThreshold)),
		}
	}

	e.sessions.Update(threadID, func(s *models.Session) {
		s.Sale.Buyers = buyers
	})
	if err := e.sessions.Persist(ctx); err != nil {
		e.log.Error().Err(err).Msg("persist after buyer generation")
	}
	return buyers, nil
}

// AttachBuyers records the UI message carrying each buyer's offer.
func (e *Engine) AttachBuyers(ctx context.Context, threadID string, messageIDs []string) error {
	ok := e.sessions.Update(threadID, func(s *models.Session) {
		for i := range s.Sale.Buyers {
			if i < len(messageIDs) {
				s.Sale.Buyers[i].MessageID = messageIDs[i]
			}
		}
	})
	if !ok {
		return ErrNoSale
	}
	return e.sessions.Persist(ctx)
}

// buyerByMessage resolves a reaction's message to a live buyer index.
func buyerByMessage(sale *models.SaleState, messageID string) int {
	for i := range sale.Buyers {
		if sale.Buyers[i].MessageID == messageID {
			return i
		}
	}
	return -1
}

// AcceptOffer settles the sale behind an accept reaction. Reactions on
// messages that no longer correspond to a live buyer or the current
// negotiated offer are stale and reported as such. A second accept
// after the session is gone also lands on ErrNoSale, so a double click
// cannot settle twice.
func (e *Engine) AcceptOffer(ctx context.Context, threadID, messageID, userID string) (*SaleResult, error) {
	sess := e.sessions.Get(threadID)
	if sess == nil || sess.Type != models.SessionSell || sess.Sale == nil {
		return nil, ErrNoSale
	}
	if sess.PlayerID != userID {
		return nil, ErrNotSeller
	}
	sale := sess.Sale

	var buyer *models.Buyer
	var amount int64
	if idx := buyerByMessage(sale, messageID); idx >= 0 {
		buyer = &sale.Buyers[idx]
		amount = buyer.OfferGp
	} else if sale.CurrentOffer != nil && sale.CurrentOffer.MessageID == messageID && sale.ActiveBuyer != nil {
		buyer = &sale.Buyers[*sale.ActiveBuyer]
		amount = sale.CurrentOffer.Amount
	} else {
		return nil, ErrStaleOffer
	}

	return e.completeSale(ctx, threadID, sess, buyer.Name, amount)
}

func (e *Engine) completeSale(ctx context.Context, threadID string, sess *models.Session, buyerName string, amount int64) (*SaleResult, error) {
	sale := sess.Sale

	var playerID int64
	if sale.Item != nil {
		playerID = sale.Item.PlayerID
	}
	tx, err := e.sales.ExecuteSale(ctx, playerID, sale.InventoryID, amount, threadID, buyerName)
	if err != nil {
		return nil, fmt.Errorf("settle sale: %w", err)
	}

	var cleanup []string
	for _, b := range sale.Buyers {
		if b.MessageID != "" {
			cleanup = append(cleanup, b.MessageID)
		}
	}
	if sale.CurrentOffer != nil && sale.CurrentOffer.MessageID != "" {
		cleanup = append(cleanup, sale.CurrentOffer.MessageID)
	}

	e.sessions.Delete(threadID)
	if err := e.sessions.Persist(ctx); err != nil {
		e.log.Error().Err(err).Msg("persist after sale settle")
	}

	e.log.Info().
		Str("thread", threadID).
		Str("buyer", buyerName).
		Int64("amount_gp", amount).
		Msg("sale settled")

	return &SaleResult{
		Transaction:       tx,
		ItemName:          sale.Name,
		BuyerName:         buyerName,
		AmountGp:          amount,
		CleanupMessageIDs: cleanup,
	}, nil
}

// NegotiationStart carries what the UI needs after a negotiate
// reaction: the chosen buyer, the other offers to retract, and the
// chosen buyer's own message whose accept affordance comes off.
type NegotiationStart struct {
	Buyer             models.Buyer
	RetractMessageIDs []string
	DetachMessageID   string
}

// OpenNegotiation locks the session to one buyer. Once negotiation is
// open, every flat offer is off the table: reactions on the other
// buyers' messages and on the chosen buyer's original offer are stale.
// The price from here on is whatever the negotiation produces.
func (e *Engine) OpenNegotiation(ctx context.Context, threadID, messageID, userID string) (*NegotiationStart, error) {
	sess := e.sessions.Get(threadID)
	if sess == nil || sess.Type != models.SessionSell || sess.Sale == nil {
		return nil, ErrNoSale
	}
	if sess.PlayerID != userID {
		return nil, ErrNotSeller
	}
	if sess.Sale.ActiveBuyer != nil {
		return nil, ErrAlreadyNegotiating
	}
	idx := buyerByMessage(sess.Sale, messageID)
	if idx < 0 {
		return nil, ErrStaleOffer
	}

	var retract []string
	var detach string
	e.sessions.Update(threadID, func(s *models.Session) {
		i := idx
		s.Sale.ActiveBuyer = &i
		for j := range s.Sale.Buyers {
			if s.Sale.Buyers[j].MessageID == "" {
				continue
			}
			if j == idx {
				detach = s.Sale.Buyers[j].MessageID
			} else {
				retract = append(retract, s.Sale.Buyers[j].MessageID)
			}
			s.Sale.Buyers[j].MessageID = ""
		}
	})
	if err := e.sessions.Persist(ctx); err != nil {
		e.log.Error().Err(err).Msg("persist after negotiation open")
	}
	return &NegotiationStart{
		Buyer:             sess.Sale.Buyers[idx],
		RetractMessageIDs: retract,
		DetachMessageID:   detach,
	}, nil
}

// classifyOffer is telemetry only: its result and its failure never
// change negotiation behavior.
func (e *Engine) classifyOffer(ctx context.Context, threadID, model, content string) {
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:     model,
		MaxTokens: 64,
		System:    llm.Prompt("OFFER_CLASSIFIER"),
		Messages: []models.Turn{
			{Role: "user", Content: content},
		},
		ThreadID: threadID,
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("offer classifier failed")
		return
	}
	e.log.Debug().Str("classification", resp.Text).Msg("offer classified")
}

type buyerReply struct {
	Response string `json:"response"`
	NewOffer *int64 `json:"newOffer"`
	IsOffer  bool   `json:"isOffer"`
	WalkAway bool   `json:"walkAway"`
}

// HandleMessage forwards a seller's message to the active buyer and
// applies the buyer's decision. A counter-offer above the buyer's
// ceiling is clamped to it.
func (e *Engine) HandleMessage(ctx context.Context, threadID, userID, content string) (*Reply, error) {
	sess := e.sessions.Get(threadID)
	if sess == nil || sess.Type != models.SessionSell || sess.Sale == nil || sess.Sale.ActiveBuyer == nil {
		return nil, ErrNoSale
	}
	if sess.PlayerID != userID {
		return nil, ErrNotSeller
	}
	sale := sess.Sale
	buyer := sale.Buyers[*sale.ActiveBuyer]
	model := e.cfg.Tier(sess.ModelTier).Model

	e.classifyOffer(ctx, threadID, model, content)

	negCtx := map[string]any{
		"buyer":         buyer,
		"item":          sale.Item.Item.GeneratedItem,
		"currentOffer":  buyer.OfferGp,
		"maxOffer":      buyer.MaxOffer,
		"walkAwayPrice": buyer.WalkAwayPrice,
	}
	if sale.CurrentOffer != nil {
		negCtx["currentOffer"] = sale.CurrentOffer.Amount
	}
	ctxJSON, err := json.Marshal(negCtx)
	if err != nil {
		return nil, err
	}

	messages := append([]models.Turn{}, sess.Turns...)
	messages = append(messages, models.Turn{Role: "user", Content: content})

	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:     model,
		MaxTokens: 1024,
		System:    llm.Prompt("NEGOTIATION") + "\n\nNegotiation state:\n" + string(ctxJSON),
		Messages:  messages,
		ThreadID:  threadID,
	})
	if err != nil {
		return nil, fmt.Errorf("negotiation reply: %w", err)
	}

	reply := &Reply{BuyerName: buyer.Name, Text: resp.Text}
	if raw := llm.ExtractJSONObject(resp.Text); raw != "" {
		var br buyerReply
		if json.Unmarshal([]byte(raw), &br) == nil && br.Response != "" {
			reply.Text = br.Response
			reply.WalkedAway = br.WalkAway
			if br.IsOffer && br.NewOffer != nil && !br.WalkAway {
				offer := *br.NewOffer
				if offer > buyer.MaxOffer {
					offer = buyer.MaxOffer
				}
				reply.NewOffer = &offer
			}
		}
	}

	var prevOfferMsg string
	e.sessions.Update(threadID, func(s *models.Session) {
		s.Turns = append(s.Turns,
			models.Turn{Role: "user", Content: content},
			models.Turn{Role: "assistant", Content: reply.Text},
		)
		if reply.NewOffer != nil {
			if s.Sale.CurrentOffer != nil {
				prevOfferMsg = s.Sale.CurrentOffer.MessageID
			}
			s.Sale.CurrentOffer = &models.Offer{Amount: *reply.NewOffer}
		}
	})
	reply.PreviousOfferMessageID = prevOfferMsg

	if reply.WalkedAway {
		for _, b := range sale.Buyers {
			if b.MessageID != "" {
				reply.CleanupMessageIDs = append(reply.CleanupMessageIDs, b.MessageID)
			}
		}
		if sale.CurrentOffer != nil && sale.CurrentOffer.MessageID != "" {
			reply.CleanupMessageIDs = append(reply.CleanupMessageIDs, sale.CurrentOffer.MessageID)
		}
		e.sessions.Delete(threadID)
	}
	if err := e.sessions.Persist(ctx); err != nil {
		e.log.Error().Err(err).Msg("persist after negotiation message")
	}
	return reply, nil
}

// RecordOfferMessage ties the freshly posted offer message to the live
// offer so a later accept reaction can be validated against it.
func (e *Engine) RecordOfferMessage(ctx context.Context, threadID, messageID string) error {
	ok := e.sessions.Update(threadID, func(s *models.Session) {
		if s.Sale != nil && s.Sale.CurrentOffer != nil {
			s.Sale.CurrentOffer.MessageID = messageID
		}
	})
	if !ok {
		return ErrNoSale
	}
	return e.sessions.Persist(ctx)
}
