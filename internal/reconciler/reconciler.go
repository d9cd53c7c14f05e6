// Package reconciler periodically merges the crawler service's PROGRESS
// snapshot into the board.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
	"github.com/JakeFAU/crawl-taskboard/internal/metrics"
	"github.com/JakeFAU/crawl-taskboard/internal/progress"
)

// DefaultInterval is the poll period when Config.Interval is unset.
const DefaultInterval = 3 * time.Second

// Board is the subset of board.Board the reconciler writes to.
type Board interface {
	BulkUpsert(ctx context.Context, snap crawler.ProgressSnapshot) int
	List() []crawler.TaskRecord
}

// Config controls the poll cadence.
type Config struct {
	Interval time.Duration
}

// Reconciler polls a ProgressSource and applies each snapshot to a Board.
type Reconciler struct {
	source   crawler.ProgressSource
	board    Board
	events   progress.Emitter
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs a Reconciler. A nil emitter discards events.
func New(source crawler.ProgressSource, board Board, events progress.Emitter, cfg Config, logger *zap.Logger) (*Reconciler, error) {
	if source == nil {
		return nil, errors.New("progress source is required")
	}
	if board == nil {
		return nil, errors.New("board is required")
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		source:   source,
		board:    board,
		events:   events,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run ticks immediately and then every interval until ctx is done. Tick
// failures are logged; the next tick is the retry.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		_ = r.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one poll. On failure the board is left unchanged.
func (r *Reconciler) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tickCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	start := r.now()
	snap, err := r.source.Progress(tickCtx)
	if err != nil {
		metrics.ObservePoll("error", r.now().Sub(start))
		if ctx.Err() == nil {
			r.logger.Warn("progress poll failed", zap.Error(err))
		}
		return fmt.Errorf("poll progress: %w", err)
	}
	metrics.ObservePoll("success", r.now().Sub(start))

	r.checkRunning(snap)
	changed := r.board.BulkUpsert(ctx, snap)
	metrics.SetTaskCounts(r.board.List())
	r.logger.Debug("progress applied",
		zap.Int("entries", len(snap.Entries)),
		zap.Int("changed", changed),
	)
	return nil
}

// checkRunning reports a snapshot with more than one running url as an
// anomaly. The board keeps the first one in snapshot order.
func (r *Reconciler) checkRunning(snap crawler.ProgressSnapshot) {
	running := snap.Running()
	if len(running) < 2 {
		return
	}
	r.logger.Warn("crawler reports more than one running task",
		zap.Strings("urls", running),
		zap.String("chosen", running[0]),
	)
	metrics.ObserveRunningAnomaly()
	r.events.Emit(progress.Event{
		TS:     r.now().UTC(),
		Stage:  progress.StageRunningAnomaly,
		URL:    running[0],
		Status: crawler.TaskStatusRunning,
		Tasks:  len(running),
		Note:   fmt.Sprintf("%d tasks reported running", len(running)),
	})
}
