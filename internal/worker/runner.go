// Package worker drains batches of tasks one at a time through the running
// guard: acquire, START, wait for a terminal status, release.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/board"
	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
	"github.com/JakeFAU/crawl-taskboard/internal/metrics"
	"github.com/JakeFAU/crawl-taskboard/internal/progress"
)

// DefaultPollInterval is how often the runner checks the board while waiting.
const DefaultPollInterval = 2 * time.Second

// State reports whether a batch is being drained.
type State string

// Runner states.
const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// Board is the subset of board.Board the runner drives.
type Board interface {
	Acquire(ctx context.Context, url string) (*board.Run, error)
	MarkStarted(url string) bool
	Release(url string) bool
	Rollback(ctx context.Context, url string) bool
	Settle(ctx context.Context, url string, status crawler.TaskStatus) bool
	Status(url string) (crawler.TaskStatus, bool)
}

// Config controls the wait loop.
//   - PollInterval: board check period (default 2s).
//   - WaitTimeout: per-task limit for reaching a terminal status; 0 waits forever.
type Config struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// TaskResult is the outcome of one task that reached a terminal status.
type TaskResult struct {
	URL    string             `json:"url"`
	Status crawler.TaskStatus `json:"status"`
	Dur    time.Duration      `json:"dur_ns"`
}

// Report summarizes a batch.
type Report struct {
	BatchID uuid.UUID    `json:"batch_id"`
	Results []TaskResult `json:"results"`
	// Aborted is the url that ended the batch early, if any.
	Aborted string `json:"aborted,omitempty"`
}

// Runner executes batches sequentially.
type Runner struct {
	board   Board
	starter crawler.Starter
	events  progress.Emitter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	active atomic.Int32
	wg     sync.WaitGroup
}

// New constructs a Runner. A nil emitter discards events.
func New(b Board, starter crawler.Starter, events progress.Emitter, cfg Config, logger *zap.Logger) (*Runner, error) {
	if b == nil {
		return nil, errors.New("board is required")
	}
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WaitTimeout < 0 {
		cfg.WaitTimeout = 0
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		board:   b,
		starter: starter,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// State returns StateDraining while any batch is in progress.
func (r *Runner) State() State {
	if r.active.Load() > 0 {
		return StateDraining
	}
	return StateIdle
}

// Run drains urls synchronously. The first failure aborts the rest of the
// batch and is returned alongside the partial report.
func (r *Runner) Run(ctx context.Context, urls []string) (Report, error) {
	batchID, first, err := r.begin(ctx, urls)
	if err != nil {
		return Report{}, err
	}
	return r.drain(ctx, batchID, urls, first)
}

// Launch acquires the first url synchronously, so contention is reported to
// the caller, and drains the batch on a background goroutine tracked by Wait.
func (r *Runner) Launch(ctx context.Context, urls []string) (uuid.UUID, error) {
	batchID, first, err := r.begin(ctx, urls)
	if err != nil {
		return uuid.Nil, err
	}
	urls = slices.Clone(urls)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		report, err := r.drain(ctx, batchID, urls, first)
		if err != nil {
			r.logger.Warn("batch aborted",
				zap.String("batch_id", batchID.String()),
				zap.String("url", report.Aborted),
				zap.Int("completed", len(report.Results)),
				zap.Error(err),
			)
		}
	}()
	return batchID, nil
}

// Wait blocks until every launched batch has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// ResolveTargets returns the selection when it contains target, otherwise
// just target.
func ResolveTargets(target string, selection []string) []string {
	if slices.Contains(selection, target) {
		return slices.Clone(selection)
	}
	return []string{target}
}

func (r *Runner) begin(ctx context.Context, urls []string) (uuid.UUID, *board.Run, error) {
	if len(urls) == 0 {
		return uuid.Nil, nil, crawler.ErrEmptySelection
	}
	run, err := r.board.Acquire(ctx, urls[0])
	if err != nil {
		if errors.Is(err, crawler.ErrAlreadyRunning) {
			metrics.ObserveContention("batch")
		}
		return uuid.Nil, nil, fmt.Errorf("start batch: %w", err)
	}
	batchID, err := uuid.NewV7()
	if err != nil {
		batchID = uuid.New()
	}
	return batchID, run, nil
}

func (r *Runner) drain(ctx context.Context, batchID uuid.UUID, urls []string, first *board.Run) (Report, error) {
	r.active.Add(1)
	defer r.active.Add(-1)

	report := Report{BatchID: batchID, Results: make([]TaskResult, 0, len(urls))}
	start := r.now()
	r.emit(progress.Event{BatchID: batchID, Stage: progress.StageBatchStart, Tasks: len(urls)})
	logger := r.logger.With(zap.String("batch_id", batchID.String()))
	logger.Info("batch started", zap.Int("tasks", len(urls)))

	abort := func(url string, err error) (Report, error) {
		report.Aborted = url
		r.emit(progress.Event{
			BatchID: batchID,
			Stage:   progress.StageBatchAbort,
			URL:     url,
			Tasks:   len(report.Results),
			Dur:     r.now().Sub(start),
			Note:    err.Error(),
		})
		return report, err
	}

	for i, url := range urls {
		run := first
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return abort(url, err)
			}
			var err error
			run, err = r.board.Acquire(ctx, url)
			if err != nil {
				if errors.Is(err, crawler.ErrAlreadyRunning) {
					metrics.ObserveContention("batch")
				}
				return abort(url, fmt.Errorf("acquire %q: %w", url, err))
			}
		}
		result, err := r.runOne(ctx, batchID, run)
		if err != nil {
			return abort(url, err)
		}
		report.Results = append(report.Results, result)
		logger.Debug("task finished", zap.String("url", url), zap.String("status", string(result.Status)))
	}

	r.emit(progress.Event{
		BatchID: batchID,
		Stage:   progress.StageBatchDone,
		Tasks:   len(report.Results),
		Dur:     r.now().Sub(start),
	})
	logger.Info("batch finished", zap.Int("tasks", len(report.Results)))
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, batchID uuid.UUID, run *board.Run) (TaskResult, error) {
	url := run.URL
	start := r.now()
	r.emit(progress.Event{BatchID: batchID, Stage: progress.StageTaskStart, URL: url, Status: crawler.TaskStatusRunning})

	taskAbort := func(status crawler.TaskStatus, err error) (TaskResult, error) {
		r.emit(progress.Event{
			BatchID: batchID,
			Stage:   progress.StageTaskAbort,
			URL:     url,
			Status:  status,
			Dur:     r.now().Sub(start),
			Note:    err.Error(),
		})
		return TaskResult{}, err
	}

	if err := r.starter.Start(run.Context(), url); err != nil {
		r.board.Rollback(ctx, url)
		if stopErr := r.interrupted(ctx, run); stopErr != nil {
			return taskAbort("", stopErr)
		}
		r.logger.Warn("start request failed", zap.String("url", url), zap.Error(err))
		return taskAbort("", fmt.Errorf("start %q: %w", url, err))
	}
	r.board.MarkStarted(url)

	status, err := r.wait(ctx, run)
	switch {
	case err == nil:
		r.board.Release(url)
		dur := r.now().Sub(start)
		r.emit(progress.Event{BatchID: batchID, Stage: progress.StageTaskDone, URL: url, Status: status, Dur: dur})
		return TaskResult{URL: url, Status: status, Dur: dur}, nil
	case errors.Is(err, crawler.ErrTimeout):
		r.board.Settle(ctx, url, crawler.TaskStatusError)
		r.logger.Warn("task timed out", zap.String("url", url), zap.Duration("timeout", r.cfg.WaitTimeout))
		return taskAbort(crawler.TaskStatusError, fmt.Errorf("wait %q: %w", url, err))
	case errors.Is(err, crawler.ErrStopped):
		r.board.Release(url)
		return taskAbort(crawler.TaskStatusStopped, fmt.Errorf("wait %q: %w", url, err))
	default:
		r.board.Release(url)
		return taskAbort("", err)
	}
}

// wait polls the board until url reaches a terminal status. A missing record
// is treated as still in progress.
func (r *Runner) wait(ctx context.Context, run *board.Run) (crawler.TaskStatus, error) {
	var deadline <-chan time.Time
	if r.cfg.WaitTimeout > 0 {
		timer := time.NewTimer(r.cfg.WaitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-run.Done():
			return "", r.interrupted(ctx, run)
		case <-deadline:
			return "", crawler.ErrTimeout
		case <-ticker.C:
			status, ok := r.board.Status(run.URL)
			if !ok {
				continue
			}
			if status.IsTerminal() {
				return status, nil
			}
			if status == crawler.TaskStatusStopped {
				return "", crawler.ErrStopped
			}
		}
	}
}

// interrupted explains why run's context ended: shutdown of ctx, or a
// stop or removal of the task. It returns nil while the run is live.
func (r *Runner) interrupted(ctx context.Context, run *board.Run) error {
	if run.Context().Err() == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return crawler.ErrStopped
}

func (r *Runner) emit(evt progress.Event) {
	evt.TS = r.now().UTC()
	r.events.Emit(evt)
}
