package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS owner_beliefs (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	twin_id        TEXT NOT NULL,
	topic          TEXT NOT NULL,
	type           TEXT NOT NULL CHECK (type IN ('belief', 'preference', 'stance', 'lens', 'tone_rule')),
	value          TEXT NOT NULL,
	stance         TEXT,
	confidence     REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	status         TEXT NOT NULL CHECK (status IN ('active', 'superseded', 'retracted')),
	superseded_by  TEXT REFERENCES owner_beliefs(id),
	source         TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_owner_beliefs_active
	ON owner_beliefs(twin_id, topic) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS clarification_threads (
	id               TEXT PRIMARY KEY,
	twin_id          TEXT NOT NULL,
	conversation_id  TEXT,
	message_id       TEXT,
	mode             TEXT NOT NULL CHECK (mode IN ('owner', 'public')),
	status           TEXT NOT NULL CHECK (status IN ('pending_owner', 'answered', 'expired')),
	question         TEXT NOT NULL,
	options          TEXT NOT NULL,
	topic            TEXT NOT NULL,
	proposed_type    TEXT NOT NULL,
	resolution       TEXT,
	resolved_by      TEXT,
	belief_id        TEXT REFERENCES owner_beliefs(id),
	expires_at       TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	resolved_at      TEXT
);

CREATE INDEX IF NOT EXISTS idx_clarification_threads_pending
	ON clarification_threads(status, expires_at);

CREATE INDEX IF NOT EXISTS idx_clarification_threads_message
	ON clarification_threads(message_id);
`

// #endregion schema

// #region store
// Store manages owner beliefs and clarification threads.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates the memory tables on db. ttl bounds how long a thread
// stays pending before the sweeper expires it.
func NewStore(db *sql.DB, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate memory: %w", err)
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Store{db: db, ttl: ttl, logger: logging.OrNop(logger).Named("memory"), now: time.Now}, nil
}

// #endregion store

// #region normalize
var (
	topicPunct = regexp.MustCompile(`[^\p{L}\p{N}\s_-]+`)
	topicSpace = regexp.MustCompile(`\s+`)
)

// NormalizeTopic lowercases, strips punctuation and collapses whitespace.
func NormalizeTopic(topic string) string {
	t := strings.ToLower(topic)
	t = topicPunct.ReplaceAllString(t, "")
	t = topicSpace.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// #endregion normalize

// #region beliefs
// WriteBelief stores a new active belief, superseding the current active
// belief on the same topic in the same transaction.
func (s *Store) WriteBelief(ctx context.Context, in BeliefInput) (Belief, error) {
	var b Belief
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		b, err = s.writeBelief(ctx, tx, in)
		return err
	})
	if err != nil {
		return Belief{}, err
	}
	s.logger.Info("belief written",
		zap.String("twin_id", b.TwinID), zap.String("topic", b.Topic), zap.String("belief_id", b.ID))
	return b, nil
}

func (s *Store) writeBelief(ctx context.Context, q store.Querier, in BeliefInput) (Belief, error) {
	topic := NormalizeTopic(in.Topic)
	if in.TwinID == "" || topic == "" || strings.TrimSpace(in.Value) == "" {
		return Belief{}, fmt.Errorf("%w: twin, topic and value are required", ErrInvalidBelief)
	}
	if in.Type == "" {
		in.Type = TypeBelief
	}
	if !in.Type.Valid() {
		return Belief{}, fmt.Errorf("%w: unknown type %q", ErrInvalidBelief, in.Type)
	}
	if in.Confidence == 0 {
		in.Confidence = 1
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return Belief{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidBelief, in.Confidence)
	}

	now := s.now().UTC()
	b := Belief{
		ID:         uuid.New().String(),
		TwinID:     in.TwinID,
		Topic:      topic,
		Type:       in.Type,
		Value:      strings.TrimSpace(in.Value),
		Stance:     in.Stance,
		Confidence: in.Confidence,
		Status:     BeliefActive,
		Source:     in.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The new row must exist before the old one can point at it, and the
	// old one must leave 'active' before the new one can take the slot.
	if _, err := q.ExecContext(ctx,
		`INSERT INTO owner_beliefs (id, twin_id, topic, type, value, stance, confidence, status, source,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'superseded', ?, ?, ?)`,
		b.ID, b.TwinID, b.Topic, string(b.Type), b.Value, store.NullIfEmpty(b.Stance), b.Confidence,
		store.NullIfEmpty(b.Source), store.FormatTime(now), store.FormatTime(now),
	); err != nil {
		return Belief{}, fmt.Errorf("insert belief: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE owner_beliefs SET status = 'superseded', superseded_by = ?, updated_at = ?
		 WHERE twin_id = ? AND topic = ? AND status = 'active'`,
		b.ID, store.FormatTime(now), b.TwinID, b.Topic,
	); err != nil {
		return Belief{}, fmt.Errorf("supersede belief: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE owner_beliefs SET status = 'active' WHERE id = ?`, b.ID,
	); err != nil {
		return Belief{}, fmt.Errorf("activate belief: %w", err)
	}
	return b, nil
}

// Retract moves an active belief to retracted without a replacement.
func (s *Store) Retract(ctx context.Context, twinID, beliefID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE owner_beliefs SET status = 'retracted', updated_at = ?
		 WHERE id = ? AND twin_id = ? AND status = 'active'`,
		store.FormatTime(s.now().UTC()), beliefID, twinID,
	)
	if err != nil {
		return fmt.Errorf("retract belief: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retract %s: active belief %w", beliefID, ErrNotFound)
	}
	return nil
}

const selectBelief = `SELECT id, twin_id, topic, type, value, stance, confidence, status, superseded_by,
	source, created_at, updated_at FROM owner_beliefs`

func scanBelief(row interface{ Scan(...any) error }) (Belief, error) {
	var b Belief
	var typ, status, createdAt, updatedAt string
	var stance, supersededBy, source sql.NullString
	if err := row.Scan(&b.ID, &b.TwinID, &b.Topic, &typ, &b.Value, &stance, &b.Confidence, &status,
		&supersededBy, &source, &createdAt, &updatedAt); err != nil {
		return Belief{}, err
	}
	b.Type = BeliefType(typ)
	b.Status = BeliefStatus(status)
	b.Stance = store.NullString(stance)
	b.SupersededBy = store.NullString(supersededBy)
	b.Source = store.NullString(source)
	b.CreatedAt = store.ParseTime(createdAt)
	b.UpdatedAt = store.ParseTime(updatedAt)
	return b, nil
}

// Belief returns a belief by id in any status.
func (s *Store) Belief(ctx context.Context, id string) (Belief, error) {
	b, err := scanBelief(s.db.QueryRowContext(ctx, selectBelief+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Belief{}, fmt.Errorf("belief %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Belief{}, fmt.Errorf("belief %s: %w", id, err)
	}
	return b, nil
}

// ActiveBelief returns the active belief on topic.
func (s *Store) ActiveBelief(ctx context.Context, twinID, topic string) (Belief, error) {
	b, err := scanBelief(s.db.QueryRowContext(ctx,
		selectBelief+` WHERE twin_id = ? AND topic = ? AND status = 'active'`, twinID, NormalizeTopic(topic)))
	if errors.Is(err, sql.ErrNoRows) {
		return Belief{}, fmt.Errorf("active belief %q: %w", topic, ErrNotFound)
	}
	if err != nil {
		return Belief{}, fmt.Errorf("active belief %q: %w", topic, err)
	}
	return b, nil
}

// ActiveBeliefs returns every active belief of twinID ordered by topic.
func (s *Store) ActiveBeliefs(ctx context.Context, twinID string) ([]Belief, error) {
	return s.queryBeliefs(ctx, selectBelief+` WHERE twin_id = ? AND status = 'active' ORDER BY topic`, twinID)
}

// BeliefHistory returns every belief ever written on topic, oldest first.
func (s *Store) BeliefHistory(ctx context.Context, twinID, topic string) ([]Belief, error) {
	return s.queryBeliefs(ctx, selectBelief+` WHERE twin_id = ? AND topic = ? ORDER BY seq`,
		twinID, NormalizeTopic(topic))
}

func (s *Store) queryBeliefs(ctx context.Context, query string, args ...any) ([]Belief, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query beliefs: %w", err)
	}
	defer rows.Close()
	var out []Belief
	for rows.Next() {
		b, err := scanBelief(rows)
		if err != nil {
			return nil, fmt.Errorf("scan belief: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// #endregion beliefs

// #region threads
// OpenClarification opens a pending thread. Public-context actors are
// rejected; they may read beliefs but never create clarifications.
func (s *Store) OpenClarification(ctx context.Context, actor Actor, in ThreadInput) (Thread, error) {
	if actor.Public {
		return Thread{}, ErrPublicContext
	}
	if in.TwinID == "" || strings.TrimSpace(in.Question) == "" {
		return Thread{}, fmt.Errorf("open clarification: twin and question are required")
	}
	if in.Mode == "" {
		in.Mode = ModeOwner
	}
	if in.ProposedType == "" {
		in.ProposedType = TypeBelief
	}
	topic := NormalizeTopic(in.Topic)
	if topic == "" {
		topic = NormalizeTopic(in.Question)
	}
	options, err := json.Marshal(append([]string{}, in.Options...))
	if err != nil {
		return Thread{}, fmt.Errorf("marshal options: %w", err)
	}

	now := s.now().UTC()
	th := Thread{
		ID:             uuid.New().String(),
		TwinID:         in.TwinID,
		ConversationID: in.ConversationID,
		MessageID:      in.MessageID,
		Mode:           in.Mode,
		Status:         ThreadPending,
		Question:       in.Question,
		Options:        in.Options,
		Topic:          topic,
		ProposedType:   in.ProposedType,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clarification_threads (id, twin_id, conversation_id, message_id, mode, status, question,
			options, topic, proposed_type, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, 'pending_owner', ?, ?, ?, ?, ?, ?)`,
		th.ID, th.TwinID, store.NullIfEmpty(th.ConversationID), store.NullIfEmpty(th.MessageID), string(th.Mode), th.Question,
		string(options), th.Topic, string(th.ProposedType), store.FormatTime(th.ExpiresAt),
		store.FormatTime(now),
	)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	s.logger.Info("clarification opened", zap.String("twin_id", th.TwinID), zap.String("thread_id", th.ID))
	return th, nil
}

// ResolveClarification answers a pending thread and writes the answer as
// the active belief on the thread's topic, all in one transaction. A
// pending thread past its expiry can still be resolved until the sweeper
// has marked it expired.
func (s *Store) ResolveClarification(ctx context.Context, actor Actor, threadID, answer string) (Thread, Belief, error) {
	if actor.Public {
		return Thread{}, Belief{}, ErrPublicContext
	}
	if strings.TrimSpace(answer) == "" {
		return Thread{}, Belief{}, fmt.Errorf("resolve clarification: empty answer")
	}

	var th Thread
	var b Belief
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		th, err = s.thread(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if th.Status != ThreadPending {
			return fmt.Errorf("resolve %s (%s): %w", threadID, th.Status, ErrThreadClosed)
		}

		b, err = s.writeBelief(ctx, tx, BeliefInput{
			TwinID: th.TwinID,
			Topic:  th.Topic,
			Type:   th.ProposedType,
			Value:  answer,
			Source: "clarification:" + th.ID,
		})
		if err != nil {
			return err
		}

		now := s.now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE clarification_threads
			 SET status = 'answered', resolution = ?, resolved_by = ?, belief_id = ?, resolved_at = ?
			 WHERE id = ? AND status = 'pending_owner'`,
			answer, actor.ID, b.ID, store.FormatTime(now), threadID,
		)
		if err != nil {
			return fmt.Errorf("answer thread: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("resolve %s: %w", threadID, ErrThreadClosed)
		}
		th.Status = ThreadAnswered
		th.Resolution = answer
		th.ResolvedBy = actor.ID
		th.BeliefID = b.ID
		th.ResolvedAt = now
		return nil
	})
	if err != nil {
		return Thread{}, Belief{}, err
	}
	s.logger.Info("clarification resolved",
		zap.String("thread_id", threadID), zap.String("belief_id", b.ID), zap.String("topic", b.Topic))
	return th, b, nil
}

// ExpireStale marks every pending thread whose expiry is at or before now
// as expired and returns how many changed.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clarification_threads SET status = 'expired'
		 WHERE status = 'pending_owner' AND expires_at <= ?`, store.FormatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expire threads: %w", err)
	}
	return res.RowsAffected()
}

const selectThread = `SELECT id, twin_id, conversation_id, message_id, mode, status, question, options, topic,
	proposed_type, resolution, resolved_by, belief_id, expires_at, created_at, resolved_at
	FROM clarification_threads`

func scanThread(row interface{ Scan(...any) error }) (Thread, error) {
	var th Thread
	var conv, msg, resolution, resolvedBy, beliefID, resolvedAt sql.NullString
	var mode, status, options, proposed, expiresAt, createdAt string
	if err := row.Scan(&th.ID, &th.TwinID, &conv, &msg, &mode, &status, &th.Question, &options, &th.Topic,
		&proposed, &resolution, &resolvedBy, &beliefID, &expiresAt, &createdAt, &resolvedAt); err != nil {
		return Thread{}, err
	}
	if err := json.Unmarshal([]byte(options), &th.Options); err != nil {
		return Thread{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if len(th.Options) == 0 {
		th.Options = nil
	}
	th.ConversationID = store.NullString(conv)
	th.MessageID = store.NullString(msg)
	th.Mode = ThreadMode(mode)
	th.Status = ThreadStatus(status)
	th.ProposedType = BeliefType(proposed)
	th.Resolution = store.NullString(resolution)
	th.ResolvedBy = store.NullString(resolvedBy)
	th.BeliefID = store.NullString(beliefID)
	th.ExpiresAt = store.ParseTime(expiresAt)
	th.CreatedAt = store.ParseTime(createdAt)
	th.ResolvedAt = store.ParseNullTime(resolvedAt)
	return th, nil
}

func (s *Store) thread(ctx context.Context, q store.Querier, id string) (Thread, error) {
	th, err := scanThread(q.QueryRowContext(ctx, selectThread+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("thread %s: %w", id, err)
	}
	return th, nil
}

// Thread returns a clarification thread by id.
func (s *Store) Thread(ctx context.Context, id string) (Thread, error) {
	return s.thread(ctx, s.db, id)
}

// Threads lists twinID's threads in status (all when empty), oldest first.
func (s *Store) Threads(ctx context.Context, twinID string, status ThreadStatus) ([]Thread, error) {
	query := selectThread + ` WHERE twin_id = ?`
	args := []any{twinID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	return s.listThreads(ctx, query+` ORDER BY created_at, rowid`, args...)
}

// ThreadsForMessage returns the threads opened while handling messageID.
func (s *Store) ThreadsForMessage(ctx context.Context, messageID string) ([]Thread, error) {
	return s.listThreads(ctx, selectThread+` WHERE message_id = ? ORDER BY rowid`, messageID)
}

func (s *Store) listThreads(ctx context.Context, query string, args ...any) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// #endregion threads
