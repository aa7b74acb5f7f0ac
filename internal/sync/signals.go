package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SignalPollInterval is how often the running daemon drains the signal
// table.
const SignalPollInterval = 1 * time.Second

// SignalWaitTimeout bounds how long a producer waits for the daemon to
// consume its signal before reporting the timeout to the user.
const SignalWaitTimeout = 5 * time.Second

// signalWaitPoll is the producer-side polling interval while waiting.
const signalWaitPoll = 100 * time.Millisecond

// EmitSignal inserts a signal row for the running daemon (or a future one)
// to consume. Returns the row id so producers can wait for consumption.
func (s *Store) EmitSignal(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO signals (name, created_at) VALUES (?, ?)`, name, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("sync: emit signal %s: %w", name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sync: emit signal %s: %w", name, err)
	}

	return id, nil
}

// SignalConsumed reports whether the signal row is gone, i.e. a listener has
// picked it up.
func (s *Store) SignalConsumed(ctx context.Context, id int64) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sync: check signal %d: %w", id, err)
	}

	return n == 0, nil
}

// WaitSignalConsumed polls until the signal row disappears or the timeout
// elapses. Producers report a timeout to the user but treat it as non-fatal.
func (s *Store) WaitSignalConsumed(ctx context.Context, id int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		done, err := s.SignalConsumed(ctx, id)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("sync: signal %d not consumed within %s", id, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(signalWaitPoll):
		}
	}
}

// WaitFlag polls until the named flag reaches the wanted state or the
// timeout elapses. Used by pause/resume producers that need a visible
// acknowledgement rather than signal consumption.
func (s *Store) WaitFlag(ctx context.Context, name string, want bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		set, err := s.HasFlag(ctx, name)
		if err != nil {
			return err
		}

		if set == want {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("sync: flag %s did not become %v within %s", name, want, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(signalWaitPoll):
		}
	}
}

// SignalListener handles one consumed signal. The full signal name is passed
// so prefix listeners can recover the suffix (e.g. the reloaded config key).
type SignalListener func(ctx context.Context, name string)

// SignalPoller drains the signal table on a fixed interval and dispatches
// rows to registered listeners. A row is deleted before its listeners run,
// so a listener that exits the process never leaves the signal behind.
// Rows with no registered listener accumulate until a handler appears or the
// next daemon start clears them.
type SignalPoller struct {
	store  *Store
	logger *slog.Logger

	mu       sync.Mutex
	exact    map[string][]SignalListener
	prefixes map[string][]SignalListener
}

// NewSignalPoller builds a poller over store with no listeners registered.
func NewSignalPoller(store *Store, logger *slog.Logger) *SignalPoller {
	return &SignalPoller{
		store:    store,
		logger:   logger,
		exact:    make(map[string][]SignalListener),
		prefixes: make(map[string][]SignalListener),
	}
}

// On registers a listener for an exact signal name.
func (p *SignalPoller) On(name string, fn SignalListener) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exact[name] = append(p.exact[name], fn)
}

// OnPrefix registers a listener for every signal whose name starts with
// prefix, e.g. "config:reload:".
func (p *SignalPoller) OnPrefix(prefix string, fn SignalListener) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prefixes[prefix] = append(p.prefixes[prefix], fn)
}

// listenersFor returns the listeners registered for name, exact first.
func (p *SignalPoller) listenersFor(name string) []SignalListener {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := append([]SignalListener(nil), p.exact[name]...)

	for prefix, fns := range p.prefixes {
		if strings.HasPrefix(name, prefix) {
			out = append(out, fns...)
		}
	}

	return out
}

// Run polls until ctx is canceled. Poll failures are logged and retried on
// the next tick; they never stop the daemon.
func (p *SignalPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(SignalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("signal poll failed", slog.Any("error", err))
			}
		}
	}
}

// PollOnce drains every currently-queued signal that has a listener. Each
// row is deleted in its own transaction before listeners are invoked, so
// consumption is exactly-once even if a listener stops the process.
func (p *SignalPoller) PollOnce(ctx context.Context) error {
	rows, err := p.store.db.QueryContext(ctx, `SELECT id, name FROM signals ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("sync: list signals: %w", err)
	}

	type pending struct {
		id   int64
		name string
	}

	var queued []pending

	for rows.Next() {
		var pd pending
		if err := rows.Scan(&pd.id, &pd.name); err != nil {
			rows.Close()
			return fmt.Errorf("sync: scan signal: %w", err)
		}

		queued = append(queued, pd)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("sync: iterate signals: %w", err)
	}

	for _, pd := range queued {
		fns := p.listenersFor(pd.name)
		if len(fns) == 0 {
			continue
		}

		res, err := p.store.db.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, pd.id)
		if err != nil {
			return fmt.Errorf("sync: consume signal %d: %w", pd.id, err)
		}

		// Another poller (or a racing daemon start) got there first.
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		p.logger.Debug("signal consumed", slog.Int64("id", pd.id), slog.String("name", pd.name))

		for _, fn := range fns {
			fn(ctx, pd.name)
		}
	}

	return nil
}

// ClearSignals drops every queued signal. AcquireRunLock does not call it:
// it runs the same delete inside its own transaction when it collects a
// stale run-lock.
func (s *Store) ClearSignals(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM signals`)
	if err != nil {
		return fmt.Errorf("sync: clear signals: %w", err)
	}

	return nil
}
