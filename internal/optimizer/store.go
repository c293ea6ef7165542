package optimizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS prompt_variants (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	twin_id          TEXT NOT NULL,
	spec_id          TEXT NOT NULL,
	spec_version     TEXT NOT NULL,
	strategy         TEXT NOT NULL CHECK (strategy IN ('concise', 'structured', 'narrative', 'policy_first')),
	rendering        TEXT NOT NULL,
	objective_score  REAL NOT NULL,
	metrics          TEXT NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
	created_at       TEXT NOT NULL,
	activated_at     TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_variants_active
	ON prompt_variants(twin_id) WHERE status = 'active';
`

// #endregion schema

// #region store
// Store persists variants.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the variant table on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate optimizer: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) insert(ctx context.Context, v Variant) (Variant, error) {
	v.ID = uuid.New().String()
	v.Status = StatusDraft
	v.CreatedAt = s.now()
	metrics, err := json.Marshal(v.Metrics)
	if err != nil {
		return Variant{}, fmt.Errorf("encode metrics: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_variants (id, twin_id, spec_id, spec_version, strategy, rendering,
			objective_score, metrics, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'draft', ?)`,
		v.ID, v.TwinID, v.SpecID, v.SpecVersion, string(v.Strategy), v.Rendering,
		v.ObjectiveScore, string(metrics), store.FormatTime(v.CreatedAt),
	); err != nil {
		return Variant{}, fmt.Errorf("insert variant: %w", err)
	}
	return v, nil
}

// Activate makes variantID the twin's single active variant, archiving the
// previous one in the same transaction.
func (s *Store) Activate(ctx context.Context, twinID, variantID string) (Variant, error) {
	now := s.now()
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		v, err := scanVariant(tx.QueryRowContext(ctx, selectVariant+` WHERE id = ? AND twin_id = ?`, variantID, twinID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("variant %s: %w", variantID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load variant: %w", err)
		}
		if v.Status == StatusActive {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_variants SET status = 'archived' WHERE twin_id = ? AND status = 'active'`, twinID,
		); err != nil {
			return fmt.Errorf("archive active variant: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_variants SET status = 'active', activated_at = ? WHERE id = ?`,
			store.FormatTime(now), variantID,
		); err != nil {
			return fmt.Errorf("activate variant: %w", err)
		}
		return nil
	})
	if err != nil {
		return Variant{}, err
	}
	variantsActivated.Inc()
	return s.Get(ctx, variantID)
}

const selectVariant = `SELECT id, twin_id, spec_id, spec_version, strategy, rendering, objective_score,
	metrics, status, created_at FROM prompt_variants`

type scanner interface{ Scan(...any) error }

func scanVariant(row scanner) (Variant, error) {
	var v Variant
	var strategy, metrics, status, createdAt string
	if err := row.Scan(&v.ID, &v.TwinID, &v.SpecID, &v.SpecVersion, &strategy, &v.Rendering,
		&v.ObjectiveScore, &metrics, &status, &createdAt); err != nil {
		return Variant{}, err
	}
	v.Strategy = Strategy(strategy)
	v.Status = Status(status)
	v.CreatedAt = store.ParseTime(createdAt)
	if err := json.Unmarshal([]byte(metrics), &v.Metrics); err != nil {
		return Variant{}, fmt.Errorf("decode metrics: %w", err)
	}
	return v, nil
}

// Get returns a variant by id.
func (s *Store) Get(ctx context.Context, id string) (Variant, error) {
	v, err := scanVariant(s.db.QueryRowContext(ctx, selectVariant+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Variant{}, fmt.Errorf("variant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Variant{}, fmt.Errorf("load variant %s: %w", id, err)
	}
	return v, nil
}

// Active returns twinID's active variant.
func (s *Store) Active(ctx context.Context, twinID string) (Variant, error) {
	v, err := scanVariant(s.db.QueryRowContext(ctx, selectVariant+` WHERE twin_id = ? AND status = 'active'`, twinID))
	if errors.Is(err, sql.ErrNoRows) {
		return Variant{}, fmt.Errorf("active variant %s: %w", twinID, ErrNotFound)
	}
	if err != nil {
		return Variant{}, fmt.Errorf("load active variant: %w", err)
	}
	return v, nil
}

// ActiveVariant adapts Active for persona context loading; no active
// variant yields nil.
func (s *Store) ActiveVariant(ctx context.Context, twinID string) (*persona.VariantRef, error) {
	v, err := s.Active(ctx, twinID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &persona.VariantRef{ID: v.ID, Strategy: string(v.Strategy), Rendering: v.Rendering}, nil
}

// List returns twinID's variants, newest first.
func (s *Store) List(ctx context.Context, twinID string, limit int) ([]Variant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectVariant+` WHERE twin_id = ? ORDER BY seq DESC LIMIT ?`, twinID, limit)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()
	var out []Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Outcomes returns the feedback scores of responses delivered under each of
// twinID's variants. It joins the audit and training event tables.
func (s *Store) Outcomes(ctx context.Context, twinID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pv.strategy, te.score, te.created_at
		 FROM training_events te
		 JOIN response_audits ra ON ra.id = te.response_audit_id
		 JOIN prompt_variants pv ON pv.id = ra.variant_id
		 WHERE pv.twin_id = ?`, twinID)
	if err != nil {
		return nil, fmt.Errorf("strategy outcomes: %w", err)
	}
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		var o Outcome
		var strategy, createdAt string
		if err := rows.Scan(&strategy, &o.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Strategy = Strategy(strategy)
		o.CreatedAt = store.ParseTime(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// #endregion store
