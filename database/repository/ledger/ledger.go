// Package ledger provides the append-only credit transaction log. Balances
// are never edited directly; every mutation goes through Apply so the stored
// balance always equals the sum of a user's ledger deltas.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/campusgrid/campusgrid/database"
)

// Transaction kinds
const (
	KindSignupGrant = "signup_grant"
	KindJobDebit    = "job_debit"
	KindJobCredit   = "job_credit"
	KindAdminAdjust = "admin_adjust"
)

var (
	// ErrInsufficientCredits is returned when a debit would take a balance
	// below zero
	ErrInsufficientCredits = errors.New("insufficient credits")
	errZeroDelta           = errors.New("ledger delta cannot be zero")
)

// Transaction is one ledger row
type Transaction struct {
	ID          int64
	UserID      string
	Amount      int64
	Kind        string
	JobID       string
	Description string
	CreatedAt   time.Time
}

// Apply adjusts a user's balance and records the matching ledger row inside
// the caller's transaction. The two writes are inseparable; callers must not
// update the credits column through any other path.
func Apply(ctx context.Context, tx *sql.Tx, userID string, delta int64, kind, jobID, description string) error {
	if delta == 0 {
		return errZeroDelta
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits + ? WHERE id = ? AND credits + ? >= 0`,
		delta, userID, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s delta %d", ErrInsufficientCredits, userID, delta)
	}
	return insert(ctx, tx, userID, delta, kind, jobID, description)
}

func insert(ctx context.Context, tx *sql.Tx, userID string, delta int64, kind, jobID, description string) error {
	var job sql.NullString
	if jobID != "" {
		job = sql.NullString{String: jobID, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (user_id, amount, kind, job_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, delta, kind, job, description, time.Now().UTC())
	return err
}

// SumForUser returns the sum of all ledger deltas for a user. With correct
// accounting this always equals the stored balance; the audit endpoint and
// the property tests rely on it.
func SumForUser(ctx context.Context, db *database.Instance, userID string) (int64, error) {
	sqlDB, err := db.GetSQL()
	if err != nil {
		return 0, err
	}
	var sum sql.NullInt64
	err = sqlDB.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM credit_transactions WHERE user_id = ?`, userID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// ForUser returns a user's most recent ledger rows, newest first
func ForUser(ctx context.Context, db *database.Instance, userID string, limit int) ([]Transaction, error) {
	sqlDB, err := db.GetSQL()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := sqlDB.QueryContext(ctx,
		`SELECT id, user_id, amount, kind, IFNULL(job_id, ''), IFNULL(description, ''), created_at
		 FROM credit_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.JobID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
