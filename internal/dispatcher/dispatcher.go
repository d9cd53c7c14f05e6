// Package dispatcher turns user actions into board mutations, crawler
// service calls and batch launches.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/board"
	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
	"github.com/JakeFAU/crawl-taskboard/internal/metrics"
	"github.com/JakeFAU/crawl-taskboard/internal/worker"
)

// Looper is a background loop that runs until its context ends.
type Looper interface {
	Run(ctx context.Context)
}

// Config wires the dispatcher's collaborators.
//   - BaseContext: parent of launched batches; canceling it aborts them (default context.Background()).
//   - Loops: background loops such as the progress reconciler, started by Run.
type Config struct {
	BaseContext context.Context
	Loops       []Looper
}

// View is the board view plus the batch runner state.
type View struct {
	board.View
	Batch worker.State `json:"batch"`
}

// Dispatcher is the user-action facade.
type Dispatcher struct {
	board  *board.Board
	client crawler.Client
	runner *worker.Runner
	base   context.Context
	loops  []Looper
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(b *board.Board, client crawler.Client, runner *worker.Runner, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if b == nil || client == nil || runner == nil {
		return nil, errors.New("board, client and runner are required")
	}
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		board:  b,
		client: client,
		runner: runner,
		base:   base,
		loops:  cfg.Loops,
		logger: logger,
	}, nil
}

// Run starts the background loops and blocks until ctx finishes, then waits
// for the loops and any launched batch to return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range d.loops {
		wg.Add(1)
		go func(l Looper) {
			defer wg.Done()
			l.Run(ctx)
		}(loop)
	}
	<-ctx.Done()
	wg.Wait()
	d.runner.Wait()
}

// Add validates raw, registers it with the crawler service and tracks it as
// queued. Invalid input is rejected before any network call.
func (d *Dispatcher) Add(ctx context.Context, raw string) (crawler.TaskRecord, error) {
	url, err := crawler.ValidateURL(raw)
	if err != nil {
		return crawler.TaskRecord{}, err
	}
	if d.board.Running() == url {
		metrics.ObserveContention("add")
		return crawler.TaskRecord{}, fmt.Errorf("add %q: %w", url, crawler.ErrAlreadyRunning)
	}
	if err := d.client.Add(ctx, url); err != nil {
		d.logger.Warn("add request failed", zap.String("url", url), zap.Error(err))
		return crawler.TaskRecord{}, err
	}
	rec, err := d.board.Enqueue(ctx, url)
	if err != nil {
		d.observe("add", err)
		return crawler.TaskRecord{}, err
	}
	return rec, nil
}

// Start launches url, or the whole selection when url is selected.
func (d *Dispatcher) Start(_ context.Context, raw string) (uuid.UUID, error) {
	url, err := crawler.ValidateURL(raw)
	if err != nil {
		return uuid.Nil, err
	}
	return d.launch(worker.ResolveTargets(url, d.board.Selected()))
}

// RunSelection launches the selected urls in selection order.
func (d *Dispatcher) RunSelection(context.Context) (uuid.UUID, error) {
	selected := d.board.Selected()
	if len(selected) == 0 {
		return uuid.Nil, crawler.ErrEmptySelection
	}
	return d.launch(selected)
}

// Stop asks the crawler service to cancel url and marks it stopped. Urls
// with nothing to stop are rejected before STOP is sent. The local state is
// unchanged when the request fails.
func (d *Dispatcher) Stop(ctx context.Context, url string) error {
	if err := d.board.CheckStop(url); err != nil {
		d.observe("stop", err)
		return err
	}
	if err := d.client.Stop(ctx, url); err != nil {
		d.logger.Warn("stop request failed", zap.String("url", url), zap.Error(err))
		return err
	}
	if err := d.board.MarkStopped(ctx, url); err != nil {
		d.observe("stop", err)
		return err
	}
	return nil
}

// Delete stops tracking url. Deleting the in-flight url interrupts its batch.
func (d *Dispatcher) Delete(ctx context.Context, url string) error {
	if err := d.board.Remove(ctx, url); err != nil {
		d.observe("delete", err)
		return err
	}
	return nil
}

// Toggle flips the selection state of url.
func (d *Dispatcher) Toggle(url string) (bool, error) {
	selected, err := d.board.Toggle(url)
	d.observe("select", err)
	return selected, err
}

// SelectAll selects every tracked url.
func (d *Dispatcher) SelectAll() error {
	err := d.board.SelectAll()
	d.observe("select", err)
	return err
}

// ClearSelection empties the selection.
func (d *Dispatcher) ClearSelection() error {
	err := d.board.ClearSelection()
	d.observe("select", err)
	return err
}

// View returns the board and batch state.
func (d *Dispatcher) View() View {
	return View{View: d.board.View(), Batch: d.runner.State()}
}

func (d *Dispatcher) launch(urls []string) (uuid.UUID, error) {
	id, err := d.runner.Launch(d.base, urls)
	if err != nil {
		return uuid.Nil, err
	}
	d.logger.Info("batch launched", zap.String("batch_id", id.String()), zap.Strings("urls", urls))
	return id, nil
}

func (d *Dispatcher) observe(operation string, err error) {
	if errors.Is(err, crawler.ErrAlreadyRunning) || errors.Is(err, crawler.ErrSelectionLocked) {
		metrics.ObserveContention(operation)
	}
}
