package persona

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
CREATE TABLE IF NOT EXISTS persona_specs (
	id            TEXT PRIMARY KEY,
	twin_id       TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	version       TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
	document      TEXT NOT NULL,
	parent_id     TEXT,
	created_at    TEXT NOT NULL,
	published_at  TEXT,
	UNIQUE (twin_id, version),
	UNIQUE (twin_id, seq),
	FOREIGN KEY (parent_id) REFERENCES persona_specs(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_persona_specs_active
	ON persona_specs(twin_id) WHERE status = 'active';

CREATE TRIGGER IF NOT EXISTS persona_specs_content_immutable
BEFORE UPDATE OF id, twin_id, seq, version, document, parent_id, created_at ON persona_specs
BEGIN
	SELECT RAISE(ABORT, 'persona spec content is immutable');
END;

CREATE TRIGGER IF NOT EXISTS persona_specs_no_delete
BEFORE DELETE ON persona_specs
BEGIN
	SELECT RAISE(ABORT, 'persona specs are never deleted');
END;
`

// #endregion schema

// #region store-struct
// Store persists versioned persona specs.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates the persona spec tables on db.
func NewStore(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate persona: %w", err)
	}
	return &Store{db: db, logger: logging.OrNop(logger).Named("persona"), now: time.Now}, nil
}

// #endregion store-struct

// #region create-draft
// CreateDraft stores doc as the next version of twinID's spec.
func (s *Store) CreateDraft(ctx context.Context, twinID string, doc Document, parentID string) (Spec, error) {
	if twinID == "" {
		return Spec{}, fmt.Errorf("create draft: empty twin id")
	}
	if err := doc.Validate(); err != nil {
		return Spec{}, err
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return Spec{}, fmt.Errorf("marshal document: %w", err)
	}

	spec := Spec{
		ID:        uuid.New().String(),
		TwinID:    twinID,
		Status:    StatusDraft,
		Document:  doc,
		ParentID:  parentID,
		CreatedAt: s.now().UTC(),
	}

	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM persona_specs WHERE twin_id = ?`, twinID,
		).Scan(&spec.Seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		spec.Version = fmt.Sprintf("v%d", spec.Seq)

		_, err := tx.ExecContext(ctx,
			`INSERT INTO persona_specs (id, twin_id, seq, version, status, document, parent_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			spec.ID, twinID, spec.Seq, spec.Version, string(StatusDraft), string(docJSON),
			store.NullIfEmpty(parentID), store.FormatTime(spec.CreatedAt),
		)
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrDuplicateVersion, twinID, spec.Version)
		}
		if err != nil {
			return fmt.Errorf("insert spec: %w", err)
		}
		return nil
	})
	if err != nil {
		return Spec{}, err
	}

	s.logger.Info("draft created",
		zap.String("twin_id", twinID), zap.String("version", spec.Version), zap.String("spec_id", spec.ID))
	return spec, nil
}

// #endregion create-draft

// #region promote
// Promote makes specID the active spec for twinID, archiving the previous
// active one in the same transaction. Archived specs may be promoted again,
// which is how a rollback is expressed.
func (s *Store) Promote(ctx context.Context, twinID, specID string) (Spec, error) {
	now := s.now().UTC()
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM persona_specs WHERE id = ? AND twin_id = ?`, specID, twinID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("promote %s: %w", specID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("promote %s: %w", specID, err)
		}
		if Status(status) == StatusActive {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE persona_specs SET status = 'archived' WHERE twin_id = ? AND status = 'active'`, twinID,
		); err != nil {
			return fmt.Errorf("archive active: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE persona_specs SET status = 'active', published_at = COALESCE(published_at, ?)
			 WHERE id = ?`, store.FormatTime(now), specID,
		); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		return nil
	})
	if err != nil {
		return Spec{}, err
	}

	spec, err := s.Get(ctx, specID)
	if err != nil {
		return Spec{}, err
	}
	s.logger.Info("spec promoted",
		zap.String("twin_id", twinID), zap.String("version", spec.Version), zap.String("spec_id", specID))
	return spec, nil
}

// #endregion promote

// #region readers
const selectSpec = `SELECT id, twin_id, seq, version, status, document, parent_id, created_at, published_at
	FROM persona_specs`

// Active returns the active spec of twinID.
func (s *Store) Active(ctx context.Context, twinID string) (Spec, error) {
	row := s.db.QueryRowContext(ctx, selectSpec+` WHERE twin_id = ? AND status = 'active'`, twinID)
	spec, err := scanSpec(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Spec{}, fmt.Errorf("active spec for %s: %w", twinID, ErrNotFound)
	}
	return spec, err
}

// Get returns a spec by id.
func (s *Store) Get(ctx context.Context, specID string) (Spec, error) {
	spec, err := scanSpec(s.db.QueryRowContext(ctx, selectSpec+` WHERE id = ?`, specID))
	if errors.Is(err, sql.ErrNoRows) {
		return Spec{}, fmt.Errorf("spec %s: %w", specID, ErrNotFound)
	}
	return spec, err
}

// GetVersion returns twinID's spec with the given version string.
func (s *Store) GetVersion(ctx context.Context, twinID, version string) (Spec, error) {
	spec, err := scanSpec(s.db.QueryRowContext(ctx,
		selectSpec+` WHERE twin_id = ? AND version = ?`, twinID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return Spec{}, fmt.Errorf("spec %s %s: %w", twinID, version, ErrNotFound)
	}
	return spec, err
}

// History returns twinID's specs, newest version first.
func (s *Store) History(ctx context.Context, twinID string, limit int) ([]Spec, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectSpec+` WHERE twin_id = ? ORDER BY seq DESC LIMIT ?`, twinID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var specs []Spec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// Twins lists every twin that has at least one spec.
func (s *Store) Twins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT twin_id FROM persona_specs ORDER BY twin_id`)
	if err != nil {
		return nil, fmt.Errorf("list twins: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan twin: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSpec(row scanner) (Spec, error) {
	var spec Spec
	var status, docJSON, createdAt string
	var parentID, publishedAt sql.NullString
	if err := row.Scan(&spec.ID, &spec.TwinID, &spec.Seq, &spec.Version, &status,
		&docJSON, &parentID, &createdAt, &publishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Spec{}, err
		}
		return Spec{}, fmt.Errorf("scan spec: %w", err)
	}
	if err := json.Unmarshal([]byte(docJSON), &spec.Document); err != nil {
		return Spec{}, fmt.Errorf("unmarshal document: %w", err)
	}
	spec.Status = Status(status)
	spec.ParentID = store.NullString(parentID)
	spec.CreatedAt = store.ParseTime(createdAt)
	spec.PublishedAt = store.ParseNullTime(publishedAt)
	return spec, nil
}

// #endregion readers
