package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS review_items (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	twin_id         TEXT NOT NULL,
	reason          TEXT NOT NULL,
	priority        TEXT NOT NULL CHECK (priority IN ('low', 'medium', 'high')),
	status          TEXT NOT NULL CHECK (status IN ('pending', 'resolved', 'dismissed')),
	payload         TEXT NOT NULL,
	correlation_id  TEXT,
	created_at      TEXT NOT NULL,
	resolved_by     TEXT,
	resolved_at     TEXT,
	resolution      TEXT,
	CHECK (status = 'pending' OR (resolved_by IS NOT NULL AND resolved_at IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_review_items_twin ON review_items(twin_id, status);
`

// #endregion

// #region queue

// Queue stores review items.
type Queue struct {
	db     *sql.DB
	rules  RuleTable
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates the review table on db.
func NewQueue(db *sql.DB, rules RuleTable, logger *zap.Logger) (*Queue, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate review: %w", err)
	}
	if rules == nil {
		rules = RuleTable{}
	}
	return &Queue{db: db, rules: rules, logger: logging.OrNop(logger).Named("review"), now: time.Now}, nil
}

// Enqueue stores one item for sig under its highest-priority reason. It
// returns false when no reason applies.
func (q *Queue) Enqueue(ctx context.Context, sig Signal) (Item, bool, error) {
	reasons := Evaluate(sig)
	if len(reasons) == 0 {
		return Item{}, false, nil
	}
	reason, priority := q.rules.Primary(reasons)

	item := Item{
		ID:       uuid.New().String(),
		TwinID:   sig.TwinID,
		Reason:   reason,
		Priority: priority,
		Status:   StatusPending,
		Payload: Payload{
			ConversationID: sig.ConversationID,
			MessageID:      sig.MessageID,
			DecisionID:     sig.DecisionID,
			AuditID:        sig.AuditID,
			ModuleID:       sig.ModuleID,
			Action:         sig.Action,
			Confidence:     sig.Confidence,
			Reasons:        reasons,
			Violations:     sig.Violations,
			Detail:         sig.Detail,
		},
		CorrelationID: sig.CorrelationID,
		CreatedAt:     q.now().UTC(),
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return Item{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO review_items (id, twin_id, reason, priority, status, payload, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		item.ID, item.TwinID, string(reason), string(priority), string(payload),
		store.NullIfEmpty(item.CorrelationID), store.FormatTime(item.CreatedAt),
	)
	if err != nil {
		return Item{}, false, fmt.Errorf("insert review item: %w", err)
	}

	itemsEnqueued.WithLabelValues(string(reason), string(priority)).Inc()
	q.logger.Info("review item queued",
		zap.String("twin_id", item.TwinID), zap.String("item_id", item.ID),
		zap.String("reason", string(reason)), zap.String("priority", string(priority)))
	return item, true, nil
}

// #endregion

// #region resolve

// Resolve closes a pending item as resolved.
func (q *Queue) Resolve(ctx context.Context, id, resolver, note string) (Item, error) {
	return q.close(ctx, id, StatusResolved, resolver, note)
}

// Dismiss closes a pending item as dismissed.
func (q *Queue) Dismiss(ctx context.Context, id, resolver, note string) (Item, error) {
	return q.close(ctx, id, StatusDismissed, resolver, note)
}

func (q *Queue) close(ctx context.Context, id string, status Status, resolver, note string) (Item, error) {
	if resolver == "" {
		return Item{}, fmt.Errorf("close review item: resolver is required")
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE review_items SET status = ?, resolved_by = ?, resolved_at = ?, resolution = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), resolver, store.FormatTime(q.now().UTC()), store.NullIfEmpty(note), id,
	)
	if err != nil {
		return Item{}, fmt.Errorf("close review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("close %s: %w", id, ErrNotPending)
	}
	return q.Get(ctx, id)
}

// #endregion

// #region readers

const selectItem = `SELECT id, twin_id, reason, priority, status, payload, correlation_id, created_at,
	resolved_by, resolved_at, resolution FROM review_items`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var it Item
	var reason, priority, status, payload, createdAt string
	var correlationID, resolvedBy, resolvedAt, resolution sql.NullString
	if err := row.Scan(&it.ID, &it.TwinID, &reason, &priority, &status, &payload, &correlationID,
		&createdAt, &resolvedBy, &resolvedAt, &resolution); err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return Item{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	it.Reason = Reason(reason)
	it.Priority = Priority(priority)
	it.Status = Status(status)
	it.CorrelationID = store.NullString(correlationID)
	it.CreatedAt = store.ParseTime(createdAt)
	it.ResolvedBy = store.NullString(resolvedBy)
	it.ResolvedAt = store.ParseNullTime(resolvedAt)
	it.Resolution = store.NullString(resolution)
	return it, nil
}

// Get returns an item by id.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	it, err := scanItem(q.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("review item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Item{}, fmt.Errorf("review item %s: %w", id, err)
	}
	return it, nil
}

// List returns twinID's items in status (all when empty), most urgent
// first and oldest first within a priority.
func (q *Queue) List(ctx context.Context, twinID string, status Status) ([]Item, error) {
	query := selectItem + ` WHERE twin_id = ?`
	args := []any{twinID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, seq`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// #endregion
