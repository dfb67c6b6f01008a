package repository

import (
	"context"
	"database/sql"
	"fmt"

	"arcanum/internal/models"

	"github.com/google/uuid"
)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func balanceTx(ctx context.Context, tx *sql.Tx, playerID int64) (int64, error) {
	var bal int64
	err := tx.QueryRowContext(ctx, `SELECT account_balance_gp FROM players WHERE player_id=?`, playerID).Scan(&bal)
	return bal, err
}

func recordTx(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	t.Ref = uuid.NewString()
	res, err := tx.ExecContext(ctx, `
INSERT INTO transactions(ref, player_id, transaction_type, amount_gp, balance_before_gp,
                         balance_after_gp, item_id, inventory_id, session_id, description)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Ref, t.PlayerID, t.Type, t.AmountGp, t.BalanceBefore, t.BalanceAfter,
		t.ItemID, t.InventoryID, t.SessionID, t.Description)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// ExecutePurchase debits the player, creates the catalog row, adds the
// inventory link, and records the transaction, all in one transaction.
func (r *TransactionRepository) ExecutePurchase(ctx context.Context, playerID int64, gen models.GeneratedItem, priceGp int64, messageID, sessionID string) (*models.Transaction, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	before, err := balanceTx(ctx, tx, playerID)
	if err != nil {
		return nil, 0, err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE players SET account_balance_gp=account_balance_gp-? WHERE player_id=? AND account_balance_gp>=?`,
		priceGp, playerID, priceGp)
	if err != nil {
		return nil, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, 0, ErrInsufficientFunds
	}

	itemID, err := createItemTx(ctx, tx, gen, priceGp, sessionID)
	if err != nil {
		return nil, 0, err
	}
	invID, err := addToInventoryTx(ctx, tx, playerID, itemID, priceGp, messageID, sessionID)
	if err != nil {
		return nil, 0, err
	}

	t := &models.Transaction{
		PlayerID:      playerID,
		Type:          models.TransactionPurchase,
		AmountGp:      -priceGp,
		BalanceBefore: before,
		BalanceAfter:  before - priceGp,
		ItemID:        itemID,
		InventoryID:   invID,
		SessionID:     sessionID,
		Description:   fmt.Sprintf("Purchased %s for %d gp", gen.Name, priceGp),
	}
	if err := recordTx(ctx, tx, t); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return t, invID, nil
}

// ExecuteSale marks the inventory item sold, credits the seller, and
// records the transaction atomically. Selling an item that is already
// sold or not owned fails the whole sale.
func (r *TransactionRepository) ExecuteSale(ctx context.Context, playerID, inventoryID, saleGp int64, sessionID, buyerName string) (*models.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var itemID int64
	var itemName string
	err = tx.QueryRowContext(ctx, `
SELECT i.item_id, c.name FROM player_inventory i JOIN items c ON c.item_id=i.item_id
WHERE i.inventory_id=? AND i.player_id=? AND i.sold=0`, inventoryID, playerID).Scan(&itemID, &itemName)
	if err == sql.ErrNoRows {
		return nil, ErrItemUnavailable
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE player_inventory SET sold=1, sold_at=CURRENT_TIMESTAMP, sold_price_gp=? WHERE inventory_id=?`,
		saleGp, inventoryID); err != nil {
		return nil, err
	}

	before, err := balanceTx(ctx, tx, playerID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE players SET account_balance_gp=account_balance_gp+? WHERE player_id=?`, saleGp, playerID); err != nil {
		return nil, err
	}

	t := &models.Transaction{
		PlayerID:      playerID,
		Type:          models.TransactionSale,
		AmountGp:      saleGp,
		BalanceBefore: before,
		BalanceAfter:  before + saleGp,
		ItemID:        itemID,
		InventoryID:   inventoryID,
		SessionID:     sessionID,
		Description:   fmt.Sprintf("Sold %s to %s for %d gp", itemName, buyerName, saleGp),
	}
	if err := recordTx(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// History returns a player's most recent transactions, newest first.
func (r *TransactionRepository) History(ctx context.Context, playerID int64, limit int) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT transaction_id, ref, player_id, transaction_type, amount_gp, balance_before_gp,
       balance_after_gp, COALESCE(item_id,0), COALESCE(inventory_id,0), COALESCE(session_id,''),
       COALESCE(description,''), created_at
FROM transactions WHERE player_id=? ORDER BY transaction_id DESC LIMIT ?`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.Ref, &t.PlayerID, &t.Type, &t.AmountGp, &t.BalanceBefore,
			&t.BalanceAfter, &t.ItemID, &t.InventoryID, &t.SessionID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
