package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/filesentry/agent/internal/daemon"
	"github.com/filesentry/agent/internal/journal"
)

// Archiver drains the local journal into the PostgreSQL archive in the
// background.
//
// Each cycle reads a batch of unarchived journal rows, pushes them to the
// archive with exponential-backoff retry, and only then marks the rows
// archived. A crash between the two steps replays the batch on the next
// cycle; the archive's ON CONFLICT insert absorbs the duplicates.
type Archiver struct {
	logger   *slog.Logger
	journal  *journal.Journal
	store    *Store
	batch    int
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchiver wires a journal to a store. batch ≤ 0 defaults to 100;
// interval ≤ 0 defaults to 5s.
func NewArchiver(logger *slog.Logger, j *journal.Journal, s *Store, batch int, interval time.Duration) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Archiver{
		logger:   logger,
		journal:  j,
		store:    s,
		batch:    batch,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the drain loop. It returns immediately.
func (a *Archiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.run(ctx)
}

// Stop cancels the drain loop and waits for it to exit. The in-flight cycle
// is interrupted; any rows it had not yet marked archived are replayed on the
// next agent start.
func (a *Archiver) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Archiver) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.drain(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("archive drain failed", slog.Any("error", err))
			}
		}
	}
}

// drain moves journal rows to the archive until the journal has fewer than a
// full batch pending, so a backlog clears in one cycle rather than one batch
// per tick.
func (a *Archiver) drain(ctx context.Context) error {
	for {
		pending, err := a.journal.Unarchived(ctx, a.batch)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		events := make([]daemon.ChangeEvent, len(pending))
		ids := make([]int64, len(pending))
		for i, p := range pending {
			events[i] = p.Evt
			ids[i] = p.ID
		}

		push := func() error {
			return a.store.Archive(ctx, events)
		}
		bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.Retry(push, bo); err != nil {
			return err
		}

		if err := a.journal.MarkArchived(ctx, ids); err != nil {
			return err
		}

		a.logger.Debug("archived change events",
			slog.Int("count", len(events)),
			slog.Int("journal_depth", a.journal.Depth()),
		)

		if len(pending) < a.batch {
			return nil
		}
	}
}
