package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gitlab.ozon.dev/qwestard/console/internal/bulk"
	"gitlab.ozon.dev/qwestard/console/internal/escalation"
	"gitlab.ozon.dev/qwestard/console/internal/models"
	"gitlab.ozon.dev/qwestard/console/internal/status"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

var _ Repository = (*OrderRepository)(nil)

const orderColumns = `
		o.id, o.phone, o.customer_name, o.address, o.status,
		o.call_attempts, o.attempts_reset_at, o.fraud_score, o.total_amount,
		o.created_at, o.updated_at,
		COALESCE(b.is_banned, FALSE)`

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders o
		LEFT JOIN banned_customers b ON b.phone = o.phone
		WHERE o.id = $1`

	o, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	if err := r.loadLogs(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) List(ctx context.Context, f ListFilter) ([]*models.Order, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + orderColumns + `
		FROM orders o
		LEFT JOIN banned_customers b ON b.phone = o.phone`
	var args []interface{}
	idx := 1
	if f.Cursor != "" {
		query += fmt.Sprintf(" WHERE o.id > $%d", idx)
		args = append(args, f.Cursor)
		idx++
	}
	if f.Phone != "" {
		if idx == 1 {
			query += " WHERE"
		} else {
			query += " AND"
		}
		query += fmt.Sprintf(" o.phone = $%d", idx)
		args = append(args, f.Phone)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY o.id ASC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var res []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		// Grouping goes through Normalize so legacy statuses land in the
		// same bucket everywhere.
		switch f.Group {
		case GroupActive:
			if o.IsTerminal() {
				continue
			}
		case GroupBlacklist:
			if !o.IsTerminal() {
				continue
			}
		}
		res = append(res, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	for _, o := range res {
		if err := r.loadLogs(ctx, o); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// UpdateStatus moves an order along the lifecycle. The transition is
// re-checked here against the manual table under a row lock, so racing
// mutations (auto-cancel vs. a manual change) resolve to at most one
// accepted transition; the loser gets ErrTransitionRejected.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, next models.Status, reason string) (*models.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	from := models.Normalize(raw)
	if !status.IsTransitionAllowed(from, next, status.ViaManual) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrTransitionRejected, from, next)
	}
	if err := applyTransition(ctx, tx, id, next, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	return r.GetByID(ctx, id)
}

// LogCallOutcome appends the call entry and executes the escalation
// decision in one transaction: the attempt count is derived from the log,
// never independently incremented, and the auto-cancel side effect either
// lands with the append or not at all.
func (r *OrderRepository) LogCallOutcome(ctx context.Context, id string, outcome models.CallOutcome, note string) (CallResult, error) {
	var res CallResult
	if !outcome.Valid() {
		return res, fmt.Errorf("unknown call outcome %q", outcome)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	var resetAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempts_reset_at FROM orders WHERE id=$1 FOR UPDATE`, id).
		Scan(&raw, &resetAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, fmt.Errorf("lock order: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO call_log (order_id, called_at, outcome, note) VALUES ($1, NOW(), $2, $3)`,
		id, outcome, note)
	if err != nil {
		return res, fmt.Errorf("append call log: %w", err)
	}

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_log
		 WHERE order_id=$1 AND outcome=$2 AND ($3::timestamptz IS NULL OR called_at > $3)`,
		id, models.OutcomeNoAnswer, resetAt).Scan(&attempts)
	if err != nil {
		return res, fmt.Errorf("derive attempts: %w", err)
	}
	var answered bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM call_log WHERE order_id=$1 AND outcome=$2)`,
		id, models.OutcomeAnswered).Scan(&answered)
	if err != nil {
		return res, fmt.Errorf("check answered: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET call_attempts=$1, updated_at=NOW() WHERE id=$2`, attempts, id)
	if err != nil {
		return res, fmt.Errorf("store attempt count: %w", err)
	}

	switch outcome {
	case models.OutcomeNoAnswer:
		if attempts == escalation.NoAnswerThreshold && !answered {
			if err := applyTransition(ctx, tx, id, models.StatusCanceled, escalation.AutoCancelReason); err != nil {
				return res, err
			}
			res.AutoCanceled = true
			res.CancelReason = escalation.AutoCancelReason
		}
	case models.OutcomeWrongNumber:
		// The only entry point into hold.
		if err := applyTransition(ctx, tx, id, models.StatusHold, "Wrong phone number"); err != nil {
			return res, err
		}
		res.WrongNumber = true
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit call log: %w", err)
	}
	return res, nil
}

func (r *OrderRepository) ResetCallAttempts(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET call_attempts=0, attempts_reset_at=NOW(), updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("reset call attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *OrderRepository) BanCustomer(ctx context.Context, phone string, isBanned bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO banned_customers (phone, is_banned, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (phone) DO UPDATE SET is_banned=$2, updated_at=NOW()`,
		phone, isBanned)
	if err != nil {
		return fmt.Errorf("ban customer: %w", err)
	}
	return nil
}

func (r *OrderRepository) AddNote(ctx context.Context, id, text string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO order_notes (order_id, created_at, body) VALUES ($1, NOW(), $2)`, id, text)
	if err != nil {
		return fmt.Errorf("add note: %w", err)
	}
	return nil
}

// BulkUpdateStatus attempts each id independently: one failure never
// aborts the rest. Ineligible orders are skipped, not failed.
func (r *OrderRepository) BulkUpdateStatus(ctx context.Context, ids []string, intent bulk.Intent, reason string) (bulk.Result, error) {
	var res bulk.Result
	if !intent.Valid() {
		return res, fmt.Errorf("unknown bulk intent %q", intent)
	}
	for _, id := range ids {
		o, err := r.GetByID(ctx, id)
		if err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		if !bulk.Eligible(o, intent) {
			res.Skipped++
			continue
		}
		if _, err := r.UpdateStatus(ctx, id, intent.Target(), reason); err != nil {
			if errors.Is(err, ErrTransitionRejected) {
				// Lost a race to another transition since classification.
				res.Skipped++
				continue
			}
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		res.Success++
	}
	return res, nil
}

func applyTransition(ctx context.Context, tx *sql.Tx, id string, next models.Status, reason string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE orders SET status=$1, updated_at=NOW() WHERE id=$2`, next, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO status_history (order_id, status, changed_at, reason) VALUES ($1, $2, NOW(), $3)`,
		id, next, reason)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var resetAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.Phone, &o.CustomerName, &o.Address, &o.Status,
		&o.CallAttempts, &resetAt, &o.FraudScore, &o.TotalAmount,
		&o.CreatedAt, &o.UpdatedAt,
		&o.IsBanned,
	)
	if err != nil {
		return nil, err
	}
	if resetAt.Valid {
		o.AttemptsResetAt = resetAt.Time
	}
	return o, nil
}

func (r *OrderRepository) loadLogs(ctx context.Context, o *models.Order) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT called_at, outcome, note FROM call_log WHERE order_id=$1 ORDER BY called_at, id`, o.ID)
	if err != nil {
		return fmt.Errorf("load call log: %w", err)
	}
	defer rows.Close()
	o.CallLog = nil
	for rows.Next() {
		var e models.CallLogEntry
		if err := rows.Scan(&e.Timestamp, &e.Outcome, &e.Note); err != nil {
			return fmt.Errorf("scan call log: %w", err)
		}
		o.CallLog = append(o.CallLog, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load call log: %w", err)
	}

	hrows, err := r.db.QueryContext(ctx,
		`SELECT status, changed_at, reason FROM status_history WHERE order_id=$1 ORDER BY changed_at, id`, o.ID)
	if err != nil {
		return fmt.Errorf("load status history: %w", err)
	}
	defer hrows.Close()
	o.StatusHistory = nil
	for hrows.Next() {
		var e models.StatusHistoryEntry
		if err := hrows.Scan(&e.Status, &e.Timestamp, &e.Reason); err != nil {
			return fmt.Errorf("scan status history: %w", err)
		}
		o.StatusHistory = append(o.StatusHistory, e)
	}
	return hrows.Err()
}
