package costs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"arcanum/internal/config"
	"arcanum/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrBudgetExhausted gates ordinary completion calls once the daily
// ceiling is reached. It is a business rule, not a failure.
var ErrBudgetExhausted = errors.New("daily completion budget exhausted")

const ledgerDocName = "cost_ledger"

var million = decimal.NewFromInt(1_000_000)

// CallRecord is one tracked completion call in a thread's history.
type CallRecord struct {
	Timestamp        time.Time       `json:"timestamp"`
	InputTokens      int             `json:"inputTokens"`
	OutputTokens     int             `json:"outputTokens"`
	CacheWriteTokens int             `json:"cacheCreationTokens"`
	CacheReadTokens  int             `json:"cacheReadTokens"`
	Cost             decimal.Decimal `json:"cost"`
}

type ThreadSpend struct {
	Total            decimal.Decimal `json:"total"`
	Messages         int             `json:"messages"`
	TotalCacheReads  int             `json:"totalCacheReads"`
	TotalCacheWrites int             `json:"totalCacheWrites"`
	History          []CallRecord    `json:"history"`
}

type PlayerSpend struct {
	Total      decimal.Decimal `json:"total"`
	Messages   int             `json:"messages"`
	PlayerName string          `json:"playerName"`
}

type ledger struct {
	DailySpend         map[string]decimal.Decimal `json:"dailySpend"`
	SessionSpend       map[string]*ThreadSpend    `json:"sessionSpend"`
	PlayerLifetimeCost map[string]*PlayerSpend    `json:"playerLifetimeCost"`
}

// Tracker accumulates per-day, per-thread, and per-player spend and
// persists the whole ledger document after every tracked call.
type Tracker struct {
	mu  sync.Mutex
	db  *sql.DB
	cfg *config.Config
	led ledger
	log zerolog.Logger
	now func() time.Time
}

func NewTracker(db *sql.DB, cfg *config.Config, log zerolog.Logger) *Tracker {
	return &Tracker{
		db:  db,
		cfg: cfg,
		led: ledger{
			DailySpend:         map[string]decimal.Decimal{},
			SessionSpend:       map[string]*ThreadSpend{},
			PlayerLifetimeCost: map[string]*PlayerSpend{},
		},
		log: log.With().Str("component", "costs").Logger(),
		now: time.Now,
	}
}

// Load restores the ledger document. A missing row means a fresh start.
func (t *Tracker) Load(ctx context.Context) error {
	if t.db == nil {
		return nil
	}
	var doc string
	err := t.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE name=?`, ledgerDocName).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cost ledger: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := json.Unmarshal([]byte(doc), &t.led); err != nil {
		return fmt.Errorf("decode cost ledger: %w", err)
	}
	return nil
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	if t.db == nil {
		return nil
	}
	doc, err := json.Marshal(t.led)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `
INSERT INTO documents(name, doc, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(name) DO UPDATE SET doc=excluded.doc, updated_at=CURRENT_TIMESTAMP`,
		ledgerDocName, string(doc))
	return err
}

func calculateCost(usage models.Usage, tier config.ModelTier) decimal.Decimal {
	perToken := func(tokens int, ratePer1M float64) decimal.Decimal {
		return decimal.NewFromInt(int64(tokens)).Div(million).Mul(decimal.NewFromFloat(ratePer1M))
	}
	return perToken(usage.InputTokens, tier.InputCostPer1M).
		Add(perToken(usage.OutputTokens, tier.OutputCostPer1M)).
		Add(perToken(usage.CacheWriteTokens, tier.CacheWriteCostPer1M)).
		Add(perToken(usage.CacheReadTokens, tier.CacheReadCostPer1M))
}

func (t *Tracker) day() string {
	return t.now().UTC().Format("2006-01-02")
}

// Record converts token counts to dollars and increments the daily,
// thread, and player ledgers, then persists. A rate table that would
// produce a non-number is an error, never silently recorded as zero.
func (t *Tracker) Record(ctx context.Context, threadID string, usage models.Usage, attr models.UsageAttribution) error {
	tierName := attr.Tier
	if tierName == "" {
		tierName = t.cfg.DefaultTier
	}
	tier := t.cfg.Tier(tierName)
	if err := config.ValidateTier(tierName, tier); err != nil {
		return fmt.Errorf("cost calculation failed: %w", err)
	}

	cost := calculateCost(usage, tier)

	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.day()
	t.led.DailySpend[day] = t.led.DailySpend[day].Add(cost)

	ts := t.led.SessionSpend[threadID]
	if ts == nil {
		ts = &ThreadSpend{}
		t.led.SessionSpend[threadID] = ts
	}
	ts.Total = ts.Total.Add(cost)
	ts.Messages++
	ts.TotalCacheReads += usage.CacheReadTokens
	ts.TotalCacheWrites += usage.CacheWriteTokens
	ts.History = append(ts.History, CallRecord{
		Timestamp:        t.now(),
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		Cost:             cost,
	})

	if attr.PlayerID != "" {
		ps := t.led.PlayerLifetimeCost[attr.PlayerID]
		if ps == nil {
			ps = &PlayerSpend{PlayerName: attr.PlayerName}
			t.led.PlayerLifetimeCost[attr.PlayerID] = ps
		}
		ps.Total = ps.Total.Add(cost)
		ps.Messages++
		if attr.PlayerName != "" {
			ps.PlayerName = attr.PlayerName
		}
	}

	if err := t.persistLocked(ctx); err != nil {
		t.log.Error().Err(err).Msg("persist cost ledger")
	}

	t.log.Debug().
		Str("thread", threadID).
		Str("tier", tierName).
		Str("cost", cost.StringFixed(6)).
		Str("daily", t.led.DailySpend[day].StringFixed(4)).
		Msg("usage recorded")
	return nil
}

// TodaySpend returns the cumulative spend for the current UTC day.
func (t *Tracker) TodaySpend() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.led.DailySpend[t.day()]
}

// SessionCost returns a copy of a thread's spend, or nil.
func (t *Tracker) SessionCost(threadID string) *ThreadSpend {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.led.SessionSpend[threadID]
	if ts == nil {
		return nil
	}
	cp := *ts
	cp.History = append([]CallRecord(nil), ts.History...)
	return &cp
}

// PlayerCost returns a copy of a player's lifetime spend, or nil.
func (t *Tracker) PlayerCost(playerID string) *PlayerSpend {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.led.PlayerLifetimeCost[playerID]
	if ps == nil {
		return nil
	}
	cp := *ps
	return &cp
}

// CheckBudget refuses ordinary conversation calls once today's spend
// has reached the tier's daily ceiling. Pricing and administrative
// calls are not gated here.
func (t *Tracker) CheckBudget(tierName string) error {
	tier := t.cfg.Tier(tierName)
	limit := decimal.NewFromFloat(tier.DailyBudgetLimit)
	if t.TodaySpend().GreaterThanOrEqual(limit) {
		return ErrBudgetExhausted
	}
	return nil
}
