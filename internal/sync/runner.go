package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// watchDebounce coalesces bursts of host-file events into one extra cycle.
const watchDebounce = time.Second

// Runner schedules sync cycles: a fixed-interval ticker, optionally woken
// early when the host application's todo file changes. Fatal conditions
// (corrupt state, duplicate mapping, bad credentials) stop the runner;
// everything else is logged and retried on the next tick.
type Runner struct {
	engine    *Engine
	interval  time.Duration
	watchPath string
	logger    *slog.Logger
}

// NewRunner creates a Runner around engine. watchPath may be empty to
// disable file watching.
func NewRunner(engine *Engine, interval time.Duration, watchPath string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		engine:    engine,
		interval:  interval,
		watchPath: watchPath,
		logger:    logger,
	}
}

// Run blocks, executing cycles until ctx is canceled or a fatal error
// occurs. The first cycle runs immediately.
func (r *Runner) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)

	g, ctx := errgroup.WithContext(ctx)

	if r.watchPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}

		g.Go(func() error {
			defer watcher.Close()
			return r.watch(ctx, watcher, wake)
		})
	}

	g.Go(func() error {
		return r.loop(ctx, wake)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// loop runs cycles on the ticker and on wake pokes.
func (r *Runner) loop(ctx context.Context, wake <-chan struct{}) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.runOnce(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
			r.logger.Debug("host file changed, syncing early")
		}

		if err := r.runOnce(ctx); err != nil {
			return err
		}
	}
}

// runOnce executes one cycle, swallowing transient errors.
func (r *Runner) runOnce(ctx context.Context) error {
	_, err := r.engine.RunCycle(ctx)
	if err == nil {
		return nil
	}

	if isFatal(err) {
		r.logger.Error("sync halted, run diagnostics",
			slog.String("error", err.Error()),
		)

		return err
	}

	r.logger.Warn("cycle failed, will retry next tick",
		slog.String("error", err.Error()),
	)

	return nil
}

// watch forwards debounced write events on the host file to wake.
func (r *Runner) watch(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) error {
	if err := watcher.Add(r.watchPath); err != nil {
		// Host file may not exist yet; watching is best-effort.
		r.logger.Warn("cannot watch host file, relying on ticker",
			slog.String("path", r.watchPath),
			slog.String("error", err.Error()),
		)

		<-ctx.Done()

		return ctx.Err()
	}

	var debounce *time.Timer

	events := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case events <- struct{}{}:
				default:
				}
			})
		case <-events:
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			r.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// isFatal reports whether err requires operator attention rather than a
// retry on the next tick.
func isFatal(err error) bool {
	return errors.Is(err, ErrCorruptState) ||
		errors.Is(err, ErrDuplicateMapping) ||
		errors.Is(err, ErrUnauthorized)
}
