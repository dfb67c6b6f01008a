package models

import "time"

type SessionType string

const (
	SessionSearch SessionType = "search"
	SessionSell   SessionType = "sell"
	SessionCraft  SessionType = "craft"
)

// Turn is one entry in a session's conversation history. Items is set
// on assistant turns that presented purchasable items.
type Turn struct {
	Role    string     `json:"role"`
	Content string     `json:"content"`
	Items   *TurnItems `json:"itemsData,omitempty"`
}

// TurnItems tracks which UI message presents which priced item, so a
// cart reaction can be resolved back to the item it was attached to.
type TurnItems struct {
	Items    []PricedItem  `json:"items"`
	Messages []ItemMessage `json:"itemMessages"`
}

type ItemMessage struct {
	MessageID string     `json:"messageId"`
	Item      PricedItem `json:"item"`
}

// Buyer is an AI-generated candidate purchaser for a sell session.
// Immutable once generated except for MessageID, which is set after
// the offer is posted.
type Buyer struct {
	Name          string `json:"name"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Motivation    string `json:"motivation"`
	InterestLevel string `json:"interestLevel"`
	OfferGp       int64  `json:"offerGp"`
	MaxOffer      int64  `json:"maxOffer"`
	WalkAwayPrice int64  `json:"walkAwayPrice"`
	MessageID     string `json:"messageId,omitempty"`
}

// Offer is the live negotiated offer in a sell session, tied to the
// UI message that carries the accept affordance.
type Offer struct {
	Amount    int64  `json:"amount"`
	MessageID string `json:"messageId"`
}

// SaleState is the sell-specific portion of a session.
type SaleState struct {
	InventoryID   int64          `json:"inventoryId"`
	ItemID        int64          `json:"itemId"`
	Name          string         `json:"name"`
	PurchasePrice int64          `json:"purchasePrice"`
	Item          *InventoryItem `json:"itemData,omitempty"`
	Buyers        []Buyer        `json:"buyers"`
	ActiveBuyer   *int           `json:"activeBuyer"`
	CurrentOffer  *Offer         `json:"currentOffer,omitempty"`
}

// Session is the ephemeral per-thread record tracking an in-progress
// search, sale, or craft interaction.
type Session struct {
	PlayerID   string      `json:"playerId"`
	PlayerName string      `json:"playerName"`
	StartedAt  time.Time   `json:"startedAt"`
	Type       SessionType `json:"sessionType,omitempty"`
	ModelTier  string      `json:"modelTier,omitempty"`
	Turns      []Turn      `json:"messages"`
	Sale       *SaleState  `json:"sale,omitempty"`
}

// FindItemMessage resolves a UI message id to the priced item it
// presented, across all turns. Returns nil if no turn posted it.
func (s *Session) FindItemMessage(messageID string) *ItemMessage {
	for i := range s.Turns {
		ti := s.Turns[i].Items
		if ti == nil {
			continue
		}
		for j := range ti.Messages {
			if ti.Messages[j].MessageID == messageID {
				return &ti.Messages[j]
			}
		}
	}
	return nil
}
