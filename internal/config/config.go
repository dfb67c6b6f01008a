package config

import (
	"fmt"
	"math"

	"github.com/caarlos0/env/v10"
)

// ModelTier describes one completion-model tier: its upstream model
// id, dollar rates per million tokens, and the daily budget ceiling.
type ModelTier struct {
	Model               string
	InputCostPer1M      float64
	OutputCostPer1M     float64
	CacheWriteCostPer1M float64
	CacheReadCostPer1M  float64
	DailyBudgetLimit    float64
}

// Negotiation holds the interest-level factors applied to a buyer's
// independent appraisal: MaxIncrease caps what the buyer will ever
// pay, WalkAwayThreshold is the demand at which the buyer leaves.
type Negotiation struct {
	MaxIncrease       float64
	WalkAwayThreshold float64
}

// BudgetFilterMode selects what a model-requested budget filter caps
// against: the player's live balance, or the model-suggested price cap
// (falling back to balance when the model gives none).
const (
	BudgetFilterBalance = "balance"
	BudgetFilterModel   = "model"
)

type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`
	ClaudeAPIKey string `env:"CLAUDE_API_KEY,required"`

	DBPath        string `env:"DB_PATH" envDefault:"arcanum.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	DefaultTier      string `env:"MODEL_TIER" envDefault:"haiku"`
	BudgetFilterMode string `env:"BUDGET_FILTER_MODE" envDefault:"model"`

	StartingBalanceGp    int64 `env:"STARTING_BALANCE_GP" envDefault:"500"`
	CraftFallbackPriceGp int64 `env:"CRAFT_FALLBACK_PRICE_GP" envDefault:"100"`

	GameChannelName string `env:"GAME_CHANNEL" envDefault:"arcanum-exchange"`
	AdminUserID     string `env:"ADMIN_USER_ID"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Tiers          map[string]ModelTier   `env:"-"`
	InterestLevels map[string]Negotiation `env:"-"`
}

func defaultTiers() map[string]ModelTier {
	return map[string]ModelTier{
		"sonnet": {
			Model:               "claude-sonnet-4-5",
			InputCostPer1M:      3.00,
			OutputCostPer1M:     15.00,
			CacheWriteCostPer1M: 3.75,
			CacheReadCostPer1M:  0.30,
			DailyBudgetLimit:    10.00,
		},
		"haiku": {
			Model:               "claude-haiku-4-5",
			InputCostPer1M:      1.00,
			OutputCostPer1M:     5.00,
			CacheWriteCostPer1M: 1.25,
			CacheReadCostPer1M:  0.10,
			DailyBudgetLimit:    10.00,
		},
	}
}

func defaultInterestLevels() map[string]Negotiation {
	return map[string]Negotiation{
		"low":    {MaxIncrease: 1.05, WalkAwayThreshold: 1.25},
		"medium": {MaxIncrease: 1.15, WalkAwayThreshold: 1.50},
		"high":   {MaxIncrease: 1.30, WalkAwayThreshold: 1.80},
	}
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Tiers = defaultTiers()
	cfg.InterestLevels = defaultInterestLevels()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would corrupt cost data or leave
// a flow without negotiation factors. Called once at startup; a failure
// here is fatal, never recoverable at request time.
func (c *Config) Validate() error {
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		return fmt.Errorf("invalid MODEL_TIER %q", c.DefaultTier)
	}
	if c.BudgetFilterMode != BudgetFilterBalance && c.BudgetFilterMode != BudgetFilterModel {
		return fmt.Errorf("invalid BUDGET_FILTER_MODE %q", c.BudgetFilterMode)
	}
	for name, t := range c.Tiers {
		if err := ValidateTier(name, t); err != nil {
			return err
		}
	}
	for _, level := range []string{"low", "medium", "high"} {
		n, ok := c.InterestLevels[level]
		if !ok {
			return fmt.Errorf("interest level %q missing", level)
		}
		if n.MaxIncrease < 1 || n.WalkAwayThreshold < n.MaxIncrease {
			return fmt.Errorf("interest level %q has inconsistent factors", level)
		}
	}
	return nil
}

// ValidateTier guards against rate-table entries that would turn cost
// calculations into NaN.
func ValidateTier(name string, t ModelTier) error {
	if t.Model == "" {
		return fmt.Errorf("tier %q has no model", name)
	}
	rates := map[string]float64{
		"inputCostPer1M":      t.InputCostPer1M,
		"outputCostPer1M":     t.OutputCostPer1M,
		"cacheWriteCostPer1M": t.CacheWriteCostPer1M,
		"cacheReadCostPer1M":  t.CacheReadCostPer1M,
		"dailyBudgetLimit":    t.DailyBudgetLimit,
	}
	for field, v := range rates {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("tier %q has invalid %s: %v", name, field, v)
		}
	}
	return nil
}

// Tier resolves a tier name, falling back to the configured default.
func (c *Config) Tier(name string) ModelTier {
	if t, ok := c.Tiers[name]; ok {
		return t
	}
	return c.Tiers[c.DefaultTier]
}

// Interest resolves interest-level factors, defaulting to medium for
// levels the model invented.
func (c *Config) Interest(level string) Negotiation {
	if n, ok := c.InterestLevels[level]; ok {
		return n
	}
	return c.InterestLevels["medium"]
}
