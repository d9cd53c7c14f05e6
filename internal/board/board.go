package board

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

// Options configures a Board.
type Options struct {
	// Capacity bounds the number of tracked tasks (default 10).
	Capacity int
	// Snapshotter receives the full ordered task list after every mutation.
	Snapshotter crawler.Snapshotter
	Logger      *zap.Logger
	// Now overrides the clock used to fence stale progress snapshots.
	Now func() time.Time
}

// View is a point-in-time copy of the board.
type View struct {
	Tasks           []crawler.TaskRecord `json:"tasks"`
	Selected        []string             `json:"selected"`
	Running         string               `json:"running,omitempty"`
	ObservedRunning string               `json:"observed_running,omitempty"`
}

// Board owns the task store, the selection and the running guard. Every
// operation runs under a single mutex, and each store mutation is followed by
// one snapshot while the lock is still held so snapshots land in order.
type Board struct {
	mu        sync.Mutex
	store     *Store
	selection *Selection
	guard     guard
	fence     fence
	observed  string

	snap   crawler.Snapshotter
	logger *zap.Logger
	now    func() time.Time
}

// New constructs an empty Board.
func New(opts Options) *Board {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Board{
		store:     NewStore(opts.Capacity),
		selection: NewSelection(),
		snap:      opts.Snapshotter,
		logger:    logger,
		now:       now,
	}
}

// Hydrate replaces the store contents with records restored at startup.
// Invalid entries are skipped. Restored running records are reset to queued;
// the next reconciliation reports whether the crawler is still busy with them.
// Hydration does not write a snapshot.
func (b *Board) Hydrate(records []crawler.TaskRecord) int {
	clean := make([]crawler.TaskRecord, 0, len(records))
	for _, rec := range records {
		if !crawler.IsValidURL(rec.URL) || !rec.Status.Valid() {
			b.logger.Warn("skipping invalid restored task",
				zap.String("url", rec.URL),
				zap.String("status", string(rec.Status)),
			)
			continue
		}
		if rec.Status == crawler.TaskStatusRunning {
			b.logger.Info("resetting restored running task to queued", zap.String("url", rec.URL))
			rec.Status = crawler.TaskStatusQueued
		}
		clean = append(clean, rec)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store.Reset(clean)
	b.selection.Clear()
	b.observed = ""
	return b.store.Len()
}

// Upsert sets the status of url, adding it when absent.
func (b *Board) Upsert(ctx context.Context, url string, status crawler.TaskStatus) (crawler.TaskRecord, error) {
	if !crawler.IsValidURL(url) {
		return crawler.TaskRecord{}, fmt.Errorf("upsert %q: %w", url, crawler.ErrInvalidURL)
	}
	if !status.Valid() {
		return crawler.TaskRecord{}, fmt.Errorf("upsert %q: unknown status %q", url, status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.upsertLocked(url, status)
	b.persistLocked(ctx)
	return rec, nil
}

// Enqueue marks url queued, adding it when absent. It fails with
// crawler.ErrAlreadyRunning when url is in flight, locally or on the crawler.
func (b *Board) Enqueue(ctx context.Context, url string) (crawler.TaskRecord, error) {
	if !crawler.IsValidURL(url) {
		return crawler.TaskRecord{}, fmt.Errorf("enqueue %q: %w", url, crawler.ErrInvalidURL)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlightLocked(url) {
		return crawler.TaskRecord{}, fmt.Errorf("enqueue %q: %w", url, crawler.ErrAlreadyRunning)
	}
	rec := b.upsertLocked(url, crawler.TaskStatusQueued)
	b.persistLocked(ctx)
	return rec, nil
}

// BulkUpsert merges a progress snapshot into the store and records the
// running url it reports. Entries with an invalid url or status are skipped.
// A snapshot requested before the latest start, stop or settle of a url
// cannot change that url's status. At most one record is running: while the
// token is held, running entries for other urls are skipped, and otherwise
// only the first running entry is applied. It returns the number of records
// whose status changed; a snapshot is written only when that is non-zero.
func (b *Board) BulkUpsert(ctx context.Context, snap crawler.ProgressSnapshot) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	reported := firstRunning(snap)
	if !b.fence.covers(snap.RequestedAt) {
		b.observed = reported
	}
	running := b.runningAfterLocked(snap, reported)
	changed := 0
	for _, entry := range snap.Entries {
		if !crawler.IsValidURL(entry.URL) || !entry.Status.Valid() {
			b.logger.Warn("skipping invalid progress entry",
				zap.String("url", entry.URL),
				zap.String("status", string(entry.Status)),
			)
			continue
		}
		if b.fence.stale(entry.URL, snap.RequestedAt) {
			b.logger.Debug("ignoring stale status for recently changed task",
				zap.String("url", entry.URL),
				zap.String("status", string(entry.Status)),
			)
			continue
		}
		if entry.Status == crawler.TaskStatusRunning && entry.URL != running {
			b.logger.Debug("ignoring second running task",
				zap.String("url", entry.URL),
				zap.String("running", running),
			)
			continue
		}
		if cur, ok := b.store.Get(entry.URL); ok && cur.Status == entry.Status {
			continue
		}
		b.upsertLocked(entry.URL, entry.Status)
		changed++
	}
	if changed > 0 {
		b.persistLocked(ctx)
	}
	return changed
}

// Remove deletes url from the store and the selection. Removing the in-flight
// url interrupts its run; removing any other url while a crawl is in flight
// fails with crawler.ErrAlreadyRunning. Unknown urls are a no-op.
func (b *Board) Remove(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if other := b.busyLocked(url); other != "" {
		return fmt.Errorf("remove %q: %w: %s", url, crawler.ErrAlreadyRunning, other)
	}
	if b.guard.heldBy(url) {
		b.releaseLocked(crawler.ErrStopped)
	}
	b.selection.Drop(url)
	if !b.store.Remove(url) {
		return nil
	}
	b.persistLocked(ctx)
	return nil
}

// Get returns the record for url.
func (b *Board) Get(url string) (crawler.TaskRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Get(url)
}

// Status returns the status of url.
func (b *Board) Status(url string) (crawler.TaskStatus, bool) {
	rec, ok := b.Get(url)
	return rec.Status, ok
}

// List returns the ordered task records.
func (b *Board) List() []crawler.TaskRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.List()
}

// View returns a consistent copy of tasks, selection and guard state.
func (b *Board) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return View{
		Tasks:           b.store.List(),
		Selected:        b.selection.List(),
		Running:         b.guard.url,
		ObservedRunning: b.observed,
	}
}

// Acquire takes the running token for url. It is a compare-and-set: it fails
// with crawler.ErrAlreadyRunning when any url holds the token, or when another
// url is running according to the store or the latest progress snapshot. On
// success the record is marked running, the selection is cleared and a Run
// derived from ctx is returned.
func (b *Board) Acquire(ctx context.Context, url string) (*Run, error) {
	if !crawler.IsValidURL(url) {
		return nil, fmt.Errorf("acquire %q: %w", url, crawler.ErrInvalidURL)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.guard.held() {
		return nil, fmt.Errorf("acquire %q: %w: %s", url, crawler.ErrAlreadyRunning, b.guard.url)
	}
	if other := b.busyLocked(url); other != "" {
		return nil, fmt.Errorf("acquire %q: %w: %s", url, crawler.ErrAlreadyRunning, other)
	}
	prior, had := b.store.Get(url)
	b.upsertLocked(url, crawler.TaskStatusRunning)
	runCtx, cancel := context.WithCancelCause(ctx)
	b.guard = guard{
		url:       url,
		prior:     prior.Status,
		hadRecord: had,
		cancel:    cancel,
	}
	b.fence = fence{url: url, at: b.now()}
	b.store.Pin(url)
	b.selection.Clear()
	b.persistLocked(ctx)
	return &Run{URL: url, ctx: runCtx}, nil
}

// Release clears the token if url holds it. A stale release is a no-op and
// reports false.
func (b *Board) Release(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.guard.heldBy(url) {
		return false
	}
	b.releaseLocked(nil)
	return true
}

// MarkStarted restamps the fence after the crawler service accepted START.
// Snapshots requested earlier no longer overwrite the in-flight status.
func (b *Board) MarkStarted(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.guard.heldBy(url) {
		return false
	}
	b.fence = fence{url: url, at: b.now()}
	return true
}

// Rollback releases the token held by url and restores the status the record
// had before Acquire. A record created by Acquire is removed again.
func (b *Board) Rollback(ctx context.Context, url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.guard.heldBy(url) {
		return false
	}
	prior, had := b.guard.prior, b.guard.hadRecord
	b.releaseLocked(nil)
	if had {
		b.upsertLocked(url, prior)
	} else {
		b.store.Remove(url)
		b.selection.Drop(url)
	}
	b.persistLocked(ctx)
	return true
}

// Settle records a final status for the in-flight url and releases the token.
func (b *Board) Settle(ctx context.Context, url string, status crawler.TaskStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.guard.heldBy(url) {
		return false
	}
	b.releaseLocked(nil)
	if _, ok := b.store.Get(url); ok {
		b.upsertLocked(url, status)
		b.persistLocked(ctx)
	}
	return true
}

// MarkStopped interrupts the run for url when it holds the token, and marks
// the record stopped. It fails with crawler.ErrAlreadyRunning when another
// crawl is in flight, and with crawler.ErrNotRunning when url has nothing to
// stop, so finished records keep their terminal status.
func (b *Board) MarkStopped(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkStopLocked(url); err != nil {
		return err
	}
	if b.guard.heldBy(url) {
		b.releaseLocked(crawler.ErrStopped)
	}
	b.fence = fence{url: url, at: b.now()}
	if b.observed == url {
		b.observed = ""
	}
	if _, ok := b.store.Get(url); !ok {
		return nil
	}
	b.upsertLocked(url, crawler.TaskStatusStopped)
	b.persistLocked(ctx)
	return nil
}

// CheckStop reports whether url can be stopped: it must hold the token, be
// the crawler's running url, or be tracked as queued or running.
func (b *Board) CheckStop(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkStopLocked(url)
}

// Running returns the url holding the token, or "".
func (b *Board) Running() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.guard.url
}

// ObservedRunning returns the running url from the latest reconciliation.
func (b *Board) ObservedRunning() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observed
}

// Toggle flips the selection state of a tracked url.
func (b *Board) Toggle(url string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busyLocked("") != "" {
		return false, crawler.ErrSelectionLocked
	}
	if _, ok := b.store.Get(url); !ok {
		return false, fmt.Errorf("toggle %q: %w", url, crawler.ErrNotFound)
	}
	return b.selection.Toggle(url), nil
}

// SelectAll selects every tracked url in store order.
func (b *Board) SelectAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busyLocked("") != "" {
		return crawler.ErrSelectionLocked
	}
	recs := b.store.List()
	urls := make([]string, len(recs))
	for i, rec := range recs {
		urls[i] = rec.URL
	}
	b.selection.Replace(urls)
	return nil
}

// ClearSelection empties the selection.
func (b *Board) ClearSelection() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busyLocked("") != "" {
		return crawler.ErrSelectionLocked
	}
	b.selection.Clear()
	return nil
}

// IsSelected reports whether url is selected.
func (b *Board) IsSelected(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selection.Has(url)
}

// Selected returns the selected urls in selection order.
func (b *Board) Selected() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selection.List()
}

func (b *Board) upsertLocked(url string, status crawler.TaskStatus) crawler.TaskRecord {
	rec, evicted := b.store.Upsert(url, status)
	if evicted != nil {
		b.selection.Drop(evicted.URL)
		b.logger.Debug("evicted oldest task", zap.String("url", evicted.URL))
	}
	return rec
}

func (b *Board) releaseLocked(cause error) {
	b.fence = fence{url: b.guard.url, at: b.now()}
	b.guard.clear(cause)
	b.store.Pin("")
}

// busyLocked returns a url other than url that is in flight, or "". The token
// decides while it is held; otherwise the crawler's reported running url and
// any running record count.
func (b *Board) busyLocked(url string) string {
	if b.guard.held() {
		if b.guard.url != url {
			return b.guard.url
		}
		return ""
	}
	if b.observed != "" && b.observed != url {
		return b.observed
	}
	return b.store.RunningExcept(url)
}

// runningAfterLocked returns the only url allowed to be running once snap is
// merged: the token holder, else a running record the snapshot leaves
// running, else the snapshot's first running url.
func (b *Board) runningAfterLocked(snap crawler.ProgressSnapshot, reported string) string {
	if b.guard.held() {
		return b.guard.url
	}
	local := b.store.RunningExcept("")
	if local == "" || local == reported {
		return reported
	}
	if !b.fence.stale(local, snap.RequestedAt) {
		for _, entry := range snap.Entries {
			if entry.URL == local && entry.Status.Valid() && entry.Status != crawler.TaskStatusRunning {
				return reported
			}
		}
	}
	return local
}

func (b *Board) inFlightLocked(url string) bool {
	if b.guard.heldBy(url) || b.observed == url {
		return true
	}
	rec, ok := b.store.Get(url)
	return ok && rec.Status == crawler.TaskStatusRunning
}

func (b *Board) checkStopLocked(url string) error {
	if other := b.busyLocked(url); other != "" {
		return fmt.Errorf("stop %q: %w: %s", url, crawler.ErrAlreadyRunning, other)
	}
	if b.inFlightLocked(url) {
		return nil
	}
	if rec, ok := b.store.Get(url); ok && rec.Status == crawler.TaskStatusQueued {
		return nil
	}
	return fmt.Errorf("stop %q: %w", url, crawler.ErrNotRunning)
}

func firstRunning(snap crawler.ProgressSnapshot) string {
	for _, entry := range snap.Entries {
		if entry.Status == crawler.TaskStatusRunning && crawler.IsValidURL(entry.URL) {
			return entry.URL
		}
	}
	return ""
}

func (b *Board) persistLocked(ctx context.Context) {
	if b.snap == nil {
		return
	}
	b.snap.Save(context.WithoutCancel(ctx), b.store.List())
}
