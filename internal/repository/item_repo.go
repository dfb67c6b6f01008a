package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"arcanum/internal/models"
)

var ErrItemUnavailable = errors.New("item not owned or already sold")

type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(db *sql.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

const inventoryColumns = `
i.inventory_id, i.player_id, i.purchase_price_gp, i.sold, i.discord_message_id, i.purchased_at,
c.item_id, c.name, c.item_type, c.rarity, c.requires_attunement, c.attunement_requirement,
c.description, c.history, c.properties, c.complication, c.base_price_gp, c.generated_in_session_id, c.generated_at`

func scanInventoryItem(row interface{ Scan(...any) error }) (*models.InventoryItem, error) {
	var (
		it        models.InventoryItem
		messageID sql.NullString
		attune    sql.NullString
		history   sql.NullString
		props     sql.NullString
		compl     sql.NullString
		sessID    sql.NullString
	)
	err := row.Scan(
		&it.InventoryID, &it.PlayerID, &it.PurchasePriceGp, &it.Sold, &messageID, &it.PurchasedAt,
		&it.Item.ID, &it.Item.Name, &it.Item.ItemType, &it.Item.Rarity, &it.Item.RequiresAttunement, &attune,
		&it.Item.Description, &history, &props, &compl, &it.Item.BasePriceGp, &sessID, &it.Item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.MessageID = messageID.String
	it.Item.AttunementRequirement = attune.String
	it.Item.History = history.String
	it.Item.Properties = props.String
	it.Item.Complication = compl.String
	it.Item.SessionID = sessID.String
	return &it, nil
}

// CreateItem inserts a catalog row inside the given transaction.
func createItemTx(ctx context.Context, tx *sql.Tx, gen models.GeneratedItem, priceGp int64, sessionID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO items(name, item_type, rarity, requires_attunement, attunement_requirement,
                  description, history, properties, complication, base_price_gp, generated_in_session_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.Name, gen.ItemType, gen.Rarity, gen.RequiresAttunement, gen.AttunementRequirement,
		gen.Description, gen.History, gen.Properties, gen.Complication, priceGp, sessionID)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	return res.LastInsertId()
}

func addToInventoryTx(ctx context.Context, tx *sql.Tx, playerID, itemID, priceGp int64, messageID, sessionID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO player_inventory(player_id, item_id, purchase_price_gp, discord_message_id, purchased_in_session_id)
VALUES(?, ?, ?, ?, ?)`,
		playerID, itemID, priceGp, messageID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("insert inventory link: %w", err)
	}
	return res.LastInsertId()
}

func (r *ItemRepository) GetInventoryItem(ctx context.Context, inventoryID int64) (*models.InventoryItem, error) {
	return scanInventoryItem(r.db.QueryRowContext(ctx, `
SELECT`+inventoryColumns+`
FROM player_inventory i JOIN items c ON c.item_id = i.item_id
WHERE i.inventory_id=?`, inventoryID))
}

// GetByMessageID resolves the inventory item announced by a Discord
// message, used to map reactions back to goods.
func (r *ItemRepository) GetByMessageID(ctx context.Context, messageID string) (*models.InventoryItem, error) {
	return scanInventoryItem(r.db.QueryRowContext(ctx, `
SELECT`+inventoryColumns+`
FROM player_inventory i JOIN items c ON c.item_id = i.item_id
WHERE i.discord_message_id=?`, messageID))
}

// InventoryForPlayer lists a player's unsold goods, oldest first.
func (r *ItemRepository) InventoryForPlayer(ctx context.Context, playerID int64) ([]models.InventoryItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT`+inventoryColumns+`
FROM player_inventory i JOIN items c ON c.item_id = i.item_id
WHERE i.player_id=? AND i.sold=0
ORDER BY i.purchased_at, i.inventory_id`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InventoryItem
	for rows.Next() {
		it, err := scanInventoryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (r *ItemRepository) SetMessageID(ctx context.Context, inventoryID int64, messageID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE player_inventory SET discord_message_id=? WHERE inventory_id=?`, messageID, inventoryID)
	return err
}

// ExchangeForCraft consumes two inventory items and produces the
// crafted one in a single transaction. Either everything happens or
// nothing does; a half-finished craft must never destroy components.
func (r *ItemRepository) ExchangeForCraft(ctx context.Context, playerID, consumeA, consumeB int64, crafted models.GeneratedItem, priceGp int64, messageID, sessionID string) (*models.InventoryItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, invID := range []int64{consumeA, consumeB} {
		res, err := tx.ExecContext(ctx, `
DELETE FROM player_inventory WHERE inventory_id=? AND player_id=? AND sold=0`, invID, playerID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("component %d: %w", invID, ErrItemUnavailable)
		}
	}

	itemID, err := createItemTx(ctx, tx, crafted, priceGp, sessionID)
	if err != nil {
		return nil, err
	}
	invID, err := addToInventoryTx(ctx, tx, playerID, itemID, priceGp, messageID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetInventoryItem(ctx, invID)
}
