package learning

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region lease
// lease is a twin-scoped lock row with an expiry. A crashed holder's lease
// lapses after ttl and can then be taken over.
type lease struct {
	db     *sql.DB
	twinID string
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// tryAcquire takes the lease if it is free or expired.
func (l *lease) tryAcquire(ctx context.Context) (bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO learning_locks (twin_id, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (twin_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE learning_locks.expires_at < ?`,
		l.twinID, l.holder, store.FormatTime(now.Add(l.ttl)), store.FormatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.twinID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.twinID, err)
	}
	return n == 1, nil
}

// acquire polls until the lease is taken or ctx ends.
func (l *lease) acquire(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	waited := false
	for {
		ok, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			if waited {
				lockWaits.Inc()
			}
			return nil
		}
		waited = true
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// renew extends the lease. It fails with ErrLocked when another holder took
// over after expiry.
func (l *lease) renew(ctx context.Context) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE learning_locks SET expires_at = ? WHERE twin_id = ? AND holder = ?`,
		store.FormatTime(l.now().Add(l.ttl)), l.twinID, l.holder,
	)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.twinID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLocked
	}
	return nil
}

// release drops the lease if still held.
func (l *lease) release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM learning_locks WHERE twin_id = ? AND holder = ?`, l.twinID, l.holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.twinID, err)
	}
	return nil
}

// #endregion lease
