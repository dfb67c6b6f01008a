package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"arcanum/internal/models"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

type PlayerRepository struct {
	db *sql.DB
}

func NewPlayerRepository(db *sql.DB) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// GetOrCreate returns the player for a Discord account, creating one
// with the starting balance on first contact.
func (r *PlayerRepository) GetOrCreate(ctx context.Context, discordID, username string, startingBalance int64) (*models.Player, error) {
	p, err := r.GetByDiscordID(ctx, discordID)
	if err == nil {
		if p.Username != username {
			_, _ = r.db.ExecContext(ctx, `UPDATE players SET username=? WHERE player_id=?`, username, p.ID)
			p.Username = username
		}
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO players(discord_user_id, username, account_balance_gp) VALUES(?, ?, ?)`,
		discordID, username, startingBalance)
	if err != nil {
		return nil, fmt.Errorf("create player: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *PlayerRepository) GetByID(ctx context.Context, id int64) (*models.Player, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
SELECT player_id, discord_user_id, username, account_balance_gp, created_at, last_active_at
FROM players WHERE player_id=?`, id))
}

func (r *PlayerRepository) GetByDiscordID(ctx context.Context, discordID string) (*models.Player, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
SELECT player_id, discord_user_id, username, account_balance_gp, created_at, last_active_at
FROM players WHERE discord_user_id=?`, discordID))
}

func (r *PlayerRepository) scanOne(row *sql.Row) (*models.Player, error) {
	var p models.Player
	err := row.Scan(&p.ID, &p.DiscordID, &p.Username, &p.BalanceGp, &p.CreatedAt, &p.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PlayerRepository) Touch(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE players SET last_active_at=? WHERE player_id=?`, time.Now(), id)
	return err
}

// Credit adds gold to a player's balance.
func (r *PlayerRepository) Credit(ctx context.Context, id, amountGp int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE players SET account_balance_gp=account_balance_gp+? WHERE player_id=?`, amountGp, id)
	return err
}

// Debit removes gold; the guarded UPDATE keeps the balance from going
// negative even under concurrent spends.
func (r *PlayerRepository) Debit(ctx context.Context, id, amountGp int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE players SET account_balance_gp=account_balance_gp-? WHERE player_id=? AND account_balance_gp>=?`,
		amountGp, id, amountGp)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}
