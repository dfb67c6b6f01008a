package models

import "time"

// Player is a shop customer backed by a row in the players table.
type Player struct {
	ID           int64
	DiscordID    string
	Username     string
	BalanceGp    int64
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// GeneratedItem is the model-produced description of a magic item,
// before it has a catalog row or a price.
type GeneratedItem struct {
	Name                  string `json:"name"`
	ItemType              string `json:"itemType"`
	Rarity                string `json:"rarity"`
	RequiresAttunement    bool   `json:"requiresAttunement,omitempty"`
	AttunementRequirement string `json:"attunementRequirement,omitempty"`
	Description           string `json:"description"`
	History               string `json:"history,omitempty"`
	Properties            string `json:"properties,omitempty"`
	Complication          string `json:"complication,omitempty"`
}

// Item is a catalog entry.
type Item struct {
	ID int64
	GeneratedItem
	BasePriceGp int64
	SessionID   string
	CreatedAt   time.Time
}

// InventoryItem joins an inventory link with its catalog item.
type InventoryItem struct {
	InventoryID     int64
	PlayerID        int64
	Item            Item
	PurchasePriceGp int64
	Sold            bool
	MessageID       string
	PurchasedAt     time.Time
}

// PricedItem pairs a generated item with its appraised price.
type PricedItem struct {
	GeneratedItem
	PriceGp int64 `json:"priceGp"`
}

// Transaction records a balance mutation with before/after snapshots.
type Transaction struct {
	ID            int64
	Ref           string
	PlayerID      int64
	Type          string
	AmountGp      int64
	BalanceBefore int64
	BalanceAfter  int64
	ItemID        int64
	InventoryID   int64
	SessionID     string
	Description   string
	CreatedAt     time.Time
}

const (
	TransactionPurchase = "purchase"
	TransactionSale     = "sale"
)

// Usage is the token accounting returned by the completion service.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens  int `json:"cache_read_input_tokens"`
}

// UsageAttribution ties one tracked completion call to a model tier
// and the player it was made for.
type UsageAttribution struct {
	Tier       string
	PlayerID   string
	PlayerName string
}

// SynergyScore is one category of a crafting compatibility rating.
type SynergyScore struct {
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// Synergy is the five-category compatibility rating between two items.
// TotalBonus is always recomputed from the clamped category scores,
// never taken from the model.
type Synergy struct {
	Physical     SynergyScore `json:"physicalCompatibility"`
	Complication SynergyScore `json:"complicationCountering"`
	Thematic     SynergyScore `json:"thematicHarmony"`
	Power        SynergyScore `json:"powerLevelMatching"`
	Historical   SynergyScore `json:"historicalSynergy"`
	TotalBonus   int          `json:"totalBonus"`
	Assessment   string       `json:"overallAssessment"`
}

// Categories returns pointers to the five category scores in a fixed order.
func (s *Synergy) Categories() []*SynergyScore {
	return []*SynergyScore{&s.Physical, &s.Complication, &s.Thematic, &s.Power, &s.Historical}
}
