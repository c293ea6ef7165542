package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS persona_modules (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	twin_id          TEXT NOT NULL,
	key              TEXT NOT NULL,
	kind             TEXT NOT NULL CHECK (kind IN ('scenario-judgment', 'pairwise-preference', 'introspection')),
	status           TEXT NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
	confidence       REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	base_confidence  REAL NOT NULL,
	needs_review     INTEGER NOT NULL DEFAULT 0,
	parent_id        TEXT REFERENCES persona_modules(id),
	version          INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE (twin_id, key, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_persona_modules_current
	ON persona_modules(twin_id, key) WHERE status != 'archived';

CREATE TABLE IF NOT EXISTS learning_runs (
	seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
	id                    TEXT NOT NULL UNIQUE,
	twin_id               TEXT NOT NULL,
	status                TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	events_scanned        INTEGER NOT NULL DEFAULT 0,
	modules_updated       INTEGER NOT NULL DEFAULT 0,
	avg_confidence_delta  REAL NOT NULL DEFAULT 0,
	publish_decision      TEXT CHECK (publish_decision IN ('published', 'held', 'no_candidate')),
	reason                TEXT,
	candidate_spec_id     TEXT,
	error                 TEXT,
	started_at            TEXT NOT NULL,
	finished_at           TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_learning_runs_running
	ON learning_runs(twin_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS learning_locks (
	twin_id     TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
`

// #endregion schema

// #region modules
const selectModule = `SELECT id, twin_id, key, kind, status, confidence, base_confidence, needs_review,
	parent_id, version, created_at, updated_at FROM persona_modules`

type scanner interface{ Scan(...any) error }

func scanModule(row scanner) (Module, error) {
	var m Module
	var kind, status, createdAt, updatedAt string
	var needsReview int
	var parentID sql.NullString
	if err := row.Scan(&m.ID, &m.TwinID, &m.Key, &kind, &status, &m.Confidence, &m.BaseConfidence,
		&needsReview, &parentID, &m.Version, &createdAt, &updatedAt); err != nil {
		return Module{}, err
	}
	m.Kind = ModuleKind(kind)
	m.Status = ModuleStatus(status)
	m.NeedsReview = needsReview == 1
	m.ParentID = store.NullString(parentID)
	m.CreatedAt = store.ParseTime(createdAt)
	m.UpdatedAt = store.ParseTime(updatedAt)
	return m, nil
}

func queryModules(ctx context.Context, q store.Querier, query string, args ...any) ([]Module, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()
	var out []Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func moduleByID(ctx context.Context, q store.Querier, id string) (Module, error) {
	m, err := scanModule(q.QueryRowContext(ctx, selectModule+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Module{}, fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Module{}, fmt.Errorf("load module %s: %w", id, err)
	}
	return m, nil
}

// currentModule returns the non-archived version of (twinID, key).
func currentModule(ctx context.Context, q store.Querier, twinID, key string) (Module, error) {
	m, err := scanModule(q.QueryRowContext(ctx,
		selectModule+` WHERE twin_id = ? AND key = ? AND status != 'archived'`, twinID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Module{}, fmt.Errorf("module %s/%s: %w", twinID, key, ErrNotFound)
	}
	if err != nil {
		return Module{}, fmt.Errorf("load module %s/%s: %w", twinID, key, err)
	}
	return m, nil
}

func insertModule(ctx context.Context, q store.Querier, m Module) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO persona_modules (id, twin_id, key, kind, status, confidence, base_confidence,
			needs_review, parent_id, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TwinID, m.Key, string(m.Kind), string(m.Status), m.Confidence, m.BaseConfidence,
		store.BoolInt(m.NeedsReview), store.NullIfEmpty(m.ParentID), m.Version,
		store.FormatTime(m.CreatedAt), store.FormatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert module %s: %w", m.Key, err)
	}
	return nil
}

// newModule builds the first version of a module created on demand.
func newModule(twinID string, kind ModuleKind, key string, now time.Time) Module {
	return Module{
		ID:             uuid.New().String(),
		TwinID:         twinID,
		Key:            key,
		Kind:           kind,
		Status:         ModuleDraft,
		Confidence:     initialConfidence,
		BaseConfidence: initialConfidence,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// createModule inserts a fresh module for key. A key whose last version
// was archived by a reviewer continues its version sequence.
func createModule(ctx context.Context, q store.Querier, twinID string, kind ModuleKind, key string, now time.Time) (Module, error) {
	m := newModule(twinID, kind, key, now)
	var last sql.NullInt64
	if err := q.QueryRowContext(ctx,
		`SELECT MAX(version) FROM persona_modules WHERE twin_id = ? AND key = ?`, twinID, key,
	).Scan(&last); err != nil {
		return Module{}, fmt.Errorf("module version %s: %w", key, err)
	}
	if last.Valid {
		m.Version = int(last.Int64) + 1
	}
	return m, insertModule(ctx, q, m)
}

// saveOutcome persists an update. A material change archives the current
// row and inserts the next version; otherwise the row is updated in place.
func saveOutcome(ctx context.Context, q store.Querier, old Module, out Outcome, now time.Time) (Module, error) {
	next := out.Module
	next.UpdatedAt = now
	if !out.Material {
		_, err := q.ExecContext(ctx,
			`UPDATE persona_modules SET confidence = ?, status = ?, needs_review = ?, updated_at = ?
			 WHERE id = ? AND status != 'archived'`,
			next.Confidence, string(next.Status), store.BoolInt(next.NeedsReview), store.FormatTime(now), old.ID,
		)
		if err != nil {
			return Module{}, fmt.Errorf("update module %s: %w", old.Key, err)
		}
		return next, nil
	}

	if _, err := q.ExecContext(ctx,
		`UPDATE persona_modules SET status = 'archived', updated_at = ? WHERE id = ?`,
		store.FormatTime(now), old.ID,
	); err != nil {
		return Module{}, fmt.Errorf("archive module %s: %w", old.Key, err)
	}
	next.ID = uuid.New().String()
	next.ParentID = old.ID
	next.Version = old.Version + 1
	next.BaseConfidence = next.Confidence
	next.CreatedAt = now
	if err := insertModule(ctx, q, next); err != nil {
		return Module{}, err
	}
	return next, nil
}

// #endregion modules

// #region module-store
// Store reads modules and runs for observability and request context.
type Store struct {
	db *sql.DB
}

// NewStore creates the learning tables on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate learning: %w", err)
	}
	return &Store{db: db}, nil
}

// Modules returns every non-archived module of twinID ordered by key.
func (s *Store) Modules(ctx context.Context, twinID string) ([]Module, error) {
	return queryModules(ctx, s.db,
		selectModule+` WHERE twin_id = ? AND status != 'archived' ORDER BY key`, twinID)
}

// ModuleHistory returns every version of key, newest first.
func (s *Store) ModuleHistory(ctx context.Context, twinID, key string) ([]Module, error) {
	return queryModules(ctx, s.db,
		selectModule+` WHERE twin_id = ? AND key = ? ORDER BY version DESC`, twinID, key)
}

// Module returns a module by id.
func (s *Store) Module(ctx context.Context, id string) (Module, error) {
	return moduleByID(ctx, s.db, id)
}

// ActiveModules lists the modules in play for twinID.
func (s *Store) ActiveModules(ctx context.Context, twinID string) ([]persona.ModuleRef, error) {
	mods, err := queryModules(ctx, s.db,
		selectModule+` WHERE twin_id = ? AND status = 'active' ORDER BY key`, twinID)
	if err != nil {
		return nil, err
	}
	refs := make([]persona.ModuleRef, len(mods))
	for i, m := range mods {
		refs[i] = persona.ModuleRef{ID: m.ID, Kind: string(m.Kind), Key: m.Key, Confidence: m.Confidence}
	}
	return refs, nil
}

// learnedModules renders the publishable modules as persona document entries.
func learnedModules(ctx context.Context, q store.Querier, twinID string, minConf float64) ([]persona.LearnedModule, error) {
	mods, err := queryModules(ctx, q,
		selectModule+` WHERE twin_id = ? AND status != 'archived' AND needs_review = 0 AND confidence >= ? ORDER BY key`,
		twinID, minConf)
	if err != nil {
		return nil, err
	}
	out := make([]persona.LearnedModule, len(mods))
	for i, m := range mods {
		out[i] = persona.LearnedModule{ID: m.ID, Kind: string(m.Kind), Key: m.Key, Confidence: m.Confidence}
	}
	return out, nil
}

// ApplySpec makes the modules listed by a promoted persona spec the twin's
// active set and returns how many were activated. Unlisted active modules
// drop back to draft. Listed modules flagged or superseded after staging
// stay as they are.
func (s *Store) ApplySpec(ctx context.Context, spec persona.Spec) (int, error) {
	ids := make([]any, 0, len(spec.Document.LearnedModules))
	for _, lm := range spec.Document.LearnedModules {
		ids = append(ids, lm.ID)
	}
	now := store.FormatTime(time.Now().UTC())
	activated := 0
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		activated = 0
		demote := `UPDATE persona_modules SET status = 'draft', updated_at = ? WHERE twin_id = ? AND status = 'active'`
		args := []any{now, spec.TwinID}
		if len(ids) > 0 {
			demote += ` AND id NOT IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
			args = append(args, ids...)
		}
		if _, err := tx.ExecContext(ctx, demote, args...); err != nil {
			return fmt.Errorf("demote modules: %w", err)
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				`UPDATE persona_modules SET status = 'active', updated_at = ?
				 WHERE id = ? AND twin_id = ? AND status = 'draft' AND needs_review = 0`,
				now, id, spec.TwinID)
			if err != nil {
				return fmt.Errorf("activate module %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				activated++
			}
		}
		return nil
	})
	return activated, err
}

// ReviewDecision is an owner's ruling on a flagged module.
type ReviewDecision string

const (
	// Reinstate clears the flag; the module is publishable again once it
	// clears the confidence floor.
	Reinstate ReviewDecision = "reinstate"
	// Archive retires the module version. The next event for its key
	// starts a new version.
	Archive ReviewDecision = "archive"
)

// ParseReviewDecision validates a decision name.
func ParseReviewDecision(s string) (ReviewDecision, error) {
	switch d := ReviewDecision(s); d {
	case Reinstate, Archive:
		return d, nil
	}
	return "", fmt.Errorf("unknown module review decision %q", s)
}

// ReviewModule applies an owner decision to module id. Reinstating
// requires a module that is awaiting review; archiving works on any
// current version.
func (s *Store) ReviewModule(ctx context.Context, id string, decision ReviewDecision) (Module, error) {
	var out Module
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		m, err := moduleByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status == ModuleArchived {
			return fmt.Errorf("module %s: %w", id, ErrArchived)
		}
		now := time.Now().UTC()
		switch decision {
		case Reinstate:
			if !m.NeedsReview {
				return fmt.Errorf("module %s: %w", id, ErrNotFlagged)
			}
			m.NeedsReview = false
			m.BaseConfidence = m.Confidence
		case Archive:
			m.Status = ModuleArchived
			m.NeedsReview = false
		default:
			return fmt.Errorf("unknown module review decision %q", decision)
		}
		m.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE persona_modules SET status = ?, needs_review = ?, base_confidence = ?, updated_at = ?
			 WHERE id = ?`,
			string(m.Status), store.BoolInt(m.NeedsReview), m.BaseConfidence, store.FormatTime(now), id,
		); err != nil {
			return fmt.Errorf("review module %s: %w", id, err)
		}
		out = m
		return nil
	})
	return out, err
}

// #endregion module-store

// #region runs
const selectRun = `SELECT id, twin_id, status, events_scanned, modules_updated, avg_confidence_delta,
	publish_decision, reason, candidate_spec_id, error, started_at, finished_at FROM learning_runs`

func scanRun(row scanner) (Run, error) {
	var r Run
	var status, startedAt string
	var decision, reason, candidate, errText, finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.TwinID, &status, &r.EventsScanned, &r.ModulesUpdated, &r.AvgConfidenceDelta,
		&decision, &reason, &candidate, &errText, &startedAt, &finishedAt); err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	r.PublishDecision = PublishDecision(store.NullString(decision))
	r.Reason = store.NullString(reason)
	r.CandidateSpecID = store.NullString(candidate)
	r.Error = store.NullString(errText)
	r.StartedAt = store.ParseTime(startedAt)
	r.FinishedAt = store.ParseNullTime(finishedAt)
	return r, nil
}

// Run returns a run by id.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("load run %s: %w", id, err)
	}
	return r, nil
}

// Runs returns twinID's most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, twinID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRun+` WHERE twin_id = ? ORDER BY seq DESC LIMIT ?`, twinID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion runs
