// Package db provides user-isolated queries for the execution engine's
// durable stores (users, credentials, positions).
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	// ErrPositionCap is returned when an insert would exceed the per-user
	// concurrent position limit. Callers may retry once after re-checking.
	ErrPositionCap = errors.New("concurrent position limit reached")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// User queries (read-mostly; rows owned by the external user service)
// ----------------------------------------

// GetUser returns a user row or ErrNotFound.
func (q *UserQueries) GetUser(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, balance, is_active, created_at, updated_at
		FROM users WHERE id = ?
	`, userID).Scan(&u.ID, &u.Name, &u.Balance, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// UpsertUser mirrors a user row pushed by the external user service.
func (q *UserQueries) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, name, balance, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			balance = excluded.balance,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, u.ID, u.Name, u.Balance, u.IsActive)
	return err
}

// ----------------------------------------
// Credential queries
// ----------------------------------------

// InsertActiveCredential inserts a validated credential and deactivates any
// prior row for the same (user, exchange, environment) tuple in one
// transaction. History is append-only; rows are never deleted.
func (q *UserQueries) InsertActiveCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credential tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE credentials
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND exchange = ? AND environment = ? AND is_active = 1
	`, c.UserID, c.Exchange, c.Environment); err != nil {
		return fmt.Errorf("deactivate prior credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (
			id, user_id, exchange, environment,
			api_key_sealed, api_secret_sealed, key_version,
			status, is_active, last_validated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, c.ID, c.UserID, c.Exchange, c.Environment,
		c.APIKeySealed, c.APISecretSealed, c.KeyVersion,
		c.Status, c.LastValidatedAt); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	return tx.Commit()
}

// GetActiveCredential returns the single active credential for a tuple.
func (q *UserQueries) GetActiveCredential(ctx context.Context, userID, exchange, environment string) (*Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var (
		c           Credential
		validatedAt sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, environment,
		       api_key_sealed, api_secret_sealed, COALESCE(key_version, 1),
		       status, is_active, last_validated_at, created_at, updated_at
		FROM credentials
		WHERE user_id = ? AND exchange = ? AND environment = ? AND is_active = 1
	`, userID, exchange, environment).Scan(
		&c.ID, &c.UserID, &c.Exchange, &c.Environment,
		&c.APIKeySealed, &c.APISecretSealed, &c.KeyVersion,
		&c.Status, &c.IsActive, &validatedAt, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	if validatedAt.Valid {
		c.LastValidatedAt = validatedAt.Time
	}
	return &c, nil
}

// ListCredentialsByUser returns all credential rows for a user, newest first.
func (q *UserQueries) ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, exchange, environment,
		       api_key_sealed, api_secret_sealed, COALESCE(key_version, 1),
		       status, is_active, last_validated_at, created_at, updated_at
		FROM credentials
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var (
			c           Credential
			validatedAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Environment,
			&c.APIKeySealed, &c.APISecretSealed, &c.KeyVersion,
			&c.Status, &c.IsActive, &validatedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if validatedAt.Valid {
			c.LastValidatedAt = validatedAt.Time
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// DeactivateCredential marks a credential inactive for a user.
func (q *UserQueries) DeactivateCredential(ctx context.Context, userID, credentialID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE credentials
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, credentialID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCredentialInvalid flips a tuple's active credential to invalid.
// The row stays active so history shows what failed; ListActiveTraders
// filters on status and stops scheduling the pair.
func (q *UserQueries) MarkCredentialInvalid(ctx context.Context, userID, exchange, environment string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE credentials
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND exchange = ? AND environment = ? AND is_active = 1
	`, CredentialInvalid, userID, exchange, environment)
	return err
}

// UpdateCredentialSeals replaces a credential's sealed fields after a
// key-rotation reseal.
func (q *UserQueries) UpdateCredentialSeals(ctx context.Context, userID, credentialID, sealedKey, sealedSecret string, version int) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE credentials
		SET api_key_sealed = ?, api_secret_sealed = ?, key_version = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, sealedKey, sealedSecret, version, credentialID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveTraders returns every (user, exchange, environment) pair with a
// valid active credential on an active user. The monitoring loop iterates
// this set each cycle.
func (q *UserQueries) ListActiveTraders(ctx context.Context) ([]TraderKey, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT c.user_id, c.exchange, c.environment
		FROM credentials c
		JOIN users u ON u.id = c.user_id
		WHERE c.is_active = 1 AND c.status = ? AND u.is_active = 1
		ORDER BY c.user_id, c.exchange
	`, CredentialValid)
	if err != nil {
		return nil, fmt.Errorf("query active traders: %w", err)
	}
	defer rows.Close()

	var keys []TraderKey
	for rows.Next() {
		var k TraderKey
		if err := rows.Scan(&k.UserID, &k.Exchange, &k.Environment); err != nil {
			return nil, fmt.Errorf("scan trader key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// CountActivePositions returns the number of positions in {pending, open}.
func (q *UserQueries) CountActivePositions(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}

	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE user_id = ? AND status IN (?, ?)
	`, userID, PositionPending, PositionOpen).Scan(&n)
	return n, err
}

// CreatePositionCapped inserts a pending position only if the user stays
// under limit concurrent {pending, open} positions. The count and insert run
// in one transaction so parallel signals for the same user cannot slip past
// the limit.
func (q *UserQueries) CreatePositionCapped(ctx context.Context, p Position, limit int) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin position tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE user_id = ? AND status IN (?, ?)
	`, p.UserID, PositionPending, PositionOpen).Scan(&n); err != nil {
		return fmt.Errorf("count active positions: %w", err)
	}
	if n >= limit {
		return ErrPositionCap
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (
			id, user_id, symbol, side, entry_price, quantity, leverage,
			take_profit_price, stop_loss_price, tp_percent, sl_percent,
			status, strong, sentiment_at_open, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, p.ID, p.UserID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.Leverage,
		p.TakeProfitPrice, p.StopLossPrice, p.TPPercent, p.SLPercent,
		PositionPending, p.Strong, p.SentimentAtOpen, p.OpenedAt); err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	return tx.Commit()
}

// ListPositionsBySide returns a user's positions matching side and status.
func (q *UserQueries) ListPositionsBySide(ctx context.Context, userID, side, status string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, entry_price, quantity, leverage,
		       take_profit_price, stop_loss_price, tp_percent, sl_percent,
		       status, strong, sentiment_at_open, opened_at,
		       closed_at, exit_price, close_reason
		FROM positions
		WHERE user_id = ? AND side = ? AND status = ?
		ORDER BY opened_at ASC
	`, userID, side, status)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListPositionsByUser returns a user's positions, newest first.
func (q *UserQueries) ListPositionsByUser(ctx context.Context, userID string, limit int) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, entry_price, quantity, leverage,
		       take_profit_price, stop_loss_price, tp_percent, sl_percent,
		       status, strong, sentiment_at_open, opened_at,
		       closed_at, exit_price, close_reason
		FROM positions
		WHERE user_id = ?
		ORDER BY opened_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ConfirmOpen transitions a user's pending positions for a symbol+side to
// open, returning the number of rows transitioned.
func (q *UserQueries) ConfirmOpen(ctx context.Context, userID, symbol, side string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE positions
		SET status = ?
		WHERE user_id = ? AND symbol = ? AND side = ? AND status = ?
	`, PositionOpen, userID, symbol, side, PositionPending)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClosePositions transitions the given position ids to closed in one
// transaction. Already-closed rows are left untouched so replays stay
// idempotent.
func (q *UserQueries) ClosePositions(ctx context.Context, userID string, ids []string, exitPrice float64, reason string, closedAt time.Time) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin close tx: %w", err)
	}
	defer tx.Rollback()

	closed := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions
			SET status = ?, exit_price = ?, close_reason = ?, closed_at = ?
			WHERE id = ? AND user_id = ? AND status != ?
		`, PositionClosed, exitPrice, reason, closedAt.UTC(), id, userID, PositionClosed)
		if err != nil {
			return 0, fmt.Errorf("close position %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			closed++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return closed, nil
}

func scanPositions(rows *sql.Rows) ([]Position, error) {
	var positions []Position
	for rows.Next() {
		var (
			p         Position
			closedAt  sql.NullTime
			exitPrice sql.NullFloat64
			reason    sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Side,
			&p.EntryPrice, &p.Quantity, &p.Leverage,
			&p.TakeProfitPrice, &p.StopLossPrice, &p.TPPercent, &p.SLPercent,
			&p.Status, &p.Strong, &p.SentimentAtOpen, &p.OpenedAt,
			&closedAt, &exitPrice, &reason); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if closedAt.Valid {
			p.ClosedAt = closedAt.Time
		}
		if exitPrice.Valid {
			p.ExitPrice = exitPrice.Float64
		}
		if reason.Valid {
			p.CloseReason = reason.String
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
