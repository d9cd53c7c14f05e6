package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

func TestBoardAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		losers  int
		unknown int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Acquire(context.Background(), taskURL(i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, crawler.ErrAlreadyRunning):
				losers++
			default:
				unknown++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, contenders-1, losers)
	require.Zero(t, unknown)

	running := 0
	for _, rec := range b.List() {
		if rec.Status == crawler.TaskStatusRunning {
			running++
		}
	}
	require.Equal(t, 1, running)
	require.NotEmpty(t, b.Running())
}

func TestBoardReleaseIgnoresStaleURL(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	run, err := b.Acquire(context.Background(), "http://a.test")
	require.NoError(t, err)

	require.False(t, b.Release("http://b.test"))
	require.Equal(t, "http://a.test", b.Running())
	require.NoError(t, run.Context().Err())

	require.True(t, b.Release("http://a.test"))
	require.Empty(t, b.Running())
	require.ErrorIs(t, run.Context().Err(), context.Canceled)
	require.False(t, b.Release("http://a.test"))
}

func TestBoardAcquireClearsAndLocksSelection(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	for _, u := range []string{"http://a.test", "http://b.test"} {
		_, err := b.Upsert(ctx, u, crawler.TaskStatusQueued)
		require.NoError(t, err)
	}
	require.NoError(t, b.SelectAll())
	require.Equal(t, []string{"http://a.test", "http://b.test"}, b.Selected())

	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	require.Empty(t, b.Selected())
	_, err = b.Toggle("http://b.test")
	require.ErrorIs(t, err, crawler.ErrSelectionLocked)
	require.ErrorIs(t, b.SelectAll(), crawler.ErrSelectionLocked)
	require.ErrorIs(t, b.ClearSelection(), crawler.ErrSelectionLocked)
}

func TestBoardRemoveDropsSelection(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, err := b.Upsert(ctx, "http://a.test", crawler.TaskStatusQueued)
	require.NoError(t, err)
	selected, err := b.Toggle("http://a.test")
	require.NoError(t, err)
	require.True(t, selected)

	require.NoError(t, b.Remove(ctx, "http://a.test"))
	require.False(t, b.IsSelected("http://a.test"))
	_, ok := b.Get("http://a.test")
	require.False(t, ok)
	require.NoError(t, b.Remove(ctx, "http://missing.test"))
}

func TestBoardEvictionDropsSelection(t *testing.T) {
	t.Parallel()

	b := New(Options{Capacity: 2})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://a.test", crawler.TaskStatusQueued)
	_, _ = b.Upsert(ctx, "http://b.test", crawler.TaskStatusQueued)
	_, err := b.Toggle("http://a.test")
	require.NoError(t, err)

	_, err = b.Upsert(ctx, "http://c.test", crawler.TaskStatusQueued)
	require.NoError(t, err)
	require.False(t, b.IsSelected("http://a.test"))
}

func TestBoardRemoveWhileAnotherRuns(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://b.test", crawler.TaskStatusQueued)
	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	require.ErrorIs(t, b.Remove(ctx, "http://b.test"), crawler.ErrAlreadyRunning)
	_, ok := b.Get("http://b.test")
	require.True(t, ok)
}

func TestBoardRemoveRunningInterruptsRun(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	run, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, "http://a.test"))
	<-run.Done()
	require.ErrorIs(t, context.Cause(run.Context()), crawler.ErrStopped)
	require.Empty(t, b.Running())
}

func TestBoardMarkStopped(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	run, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	require.ErrorIs(t, b.MarkStopped(ctx, "http://b.test"), crawler.ErrAlreadyRunning)
	require.NoError(t, b.MarkStopped(ctx, "http://a.test"))

	require.ErrorIs(t, context.Cause(run.Context()), crawler.ErrStopped)
	status, ok := b.Status("http://a.test")
	require.True(t, ok)
	require.Equal(t, crawler.TaskStatusStopped, status)
	require.Empty(t, b.Running())
	require.False(t, b.Release("http://a.test"))
}

func TestBoardRollbackRestoresPriorStatus(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://a.test", crawler.TaskStatusDone)

	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)
	require.True(t, b.Rollback(ctx, "http://a.test"))

	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusDone, status)
	require.Empty(t, b.Running())

	_, err = b.Acquire(ctx, "http://new.test")
	require.NoError(t, err)
	require.True(t, b.Rollback(ctx, "http://new.test"))
	_, ok := b.Get("http://new.test")
	require.False(t, ok)
}

func TestBoardSettleMarksStatusAndReleases(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	require.False(t, b.Settle(ctx, "http://b.test", crawler.TaskStatusError))
	require.True(t, b.Settle(ctx, "http://a.test", crawler.TaskStatusError))
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusError, status)
	require.Empty(t, b.Running())
}

func TestBoardBulkUpsertSkipsStaleStatusForInFlightURL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	b := New(Options{Now: func() time.Time { return now }})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://a.test", crawler.TaskStatusDone)
	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	applied := b.BulkUpsert(ctx, crawler.ProgressSnapshot{
		RequestedAt: now.Add(-time.Second),
		Entries: []crawler.ProgressEntry{
			{URL: "http://a.test", Status: crawler.TaskStatusDone},
			{URL: "http://b.test", Status: crawler.TaskStatusQueued},
		},
	})
	require.Equal(t, 1, applied)
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusRunning, status)

	applied = b.BulkUpsert(ctx, crawler.ProgressSnapshot{
		RequestedAt: now.Add(time.Second),
		Entries:     []crawler.ProgressEntry{{URL: "http://a.test", Status: crawler.TaskStatusDone}},
	})
	require.Equal(t, 1, applied)
	status, _ = b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusDone, status)
}

func TestBoardMarkStartedRestampsGuard(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	b := New(Options{Now: func() time.Time { return now }})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://a.test", crawler.TaskStatusStopped)
	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	require.False(t, b.MarkStarted("http://b.test"))
	now = now.Add(5 * time.Second)
	require.True(t, b.MarkStarted("http://a.test"))

	b.BulkUpsert(ctx, crawler.ProgressSnapshot{
		RequestedAt: now.Add(-time.Second),
		Entries:     []crawler.ProgressEntry{{URL: "http://a.test", Status: crawler.TaskStatusStopped}},
	})
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusRunning, status)
}

func TestBoardEnqueueRefusesInFlightURL(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, "http://a.test")
	require.ErrorIs(t, err, crawler.ErrAlreadyRunning)
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusRunning, status)

	rec, err := b.Enqueue(ctx, "http://b.test")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusQueued, rec.Status)

	_, err = b.Enqueue(ctx, "b.test")
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
}

func TestBoardBulkUpsertSkipsInvalidEntries(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	applied := b.BulkUpsert(context.Background(), crawler.ProgressSnapshot{Entries: []crawler.ProgressEntry{
		{URL: "not a url", Status: crawler.TaskStatusDone},
		{URL: "http://a.test", Status: "exploded"},
		{URL: "http://b.test", Status: crawler.TaskStatusDone},
	}})
	require.Equal(t, 1, applied)
	require.Len(t, b.List(), 1)
}

func TestBoardSnapshotsEveryMutation(t *testing.T) {
	t.Parallel()

	snap := &recordingSnapshotter{}
	b := New(Options{Snapshotter: snap})
	ctx := context.Background()

	_, err := b.Upsert(ctx, "http://a.test", crawler.TaskStatusQueued)
	require.NoError(t, err)
	b.BulkUpsert(ctx, crawler.ProgressSnapshot{Entries: []crawler.ProgressEntry{
		{URL: "http://b.test", Status: crawler.TaskStatusDone},
	}})
	require.NoError(t, b.Remove(ctx, "http://a.test"))
	b.BulkUpsert(ctx, crawler.ProgressSnapshot{})
	require.NoError(t, b.Remove(ctx, "http://missing.test"))

	saves := snap.Saves()
	require.Len(t, saves, 3)
	require.Equal(t, []crawler.TaskRecord{{URL: "http://b.test", Status: crawler.TaskStatusDone}}, saves[2])
}

func TestBoardUpsertRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	_, err := b.Upsert(context.Background(), "example.com", crawler.TaskStatusQueued)
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
	_, err = b.Upsert(context.Background(), "http://a.test", "bogus")
	require.Error(t, err)
	require.Empty(t, b.List())
}

func TestBoardHydrateSkipsInvalidRecords(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	n := b.Hydrate([]crawler.TaskRecord{
		{URL: "http://a.test", Status: crawler.TaskStatusDone},
		{URL: "bad", Status: crawler.TaskStatusDone},
		{URL: "http://b.test", Status: "weird"},
	})
	require.Equal(t, 1, n)
	require.Equal(t, []crawler.TaskRecord{{URL: "http://a.test", Status: crawler.TaskStatusDone}}, b.View().Tasks)
}

func TestBoardHydrateResetsRunningRecords(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	b.Hydrate([]crawler.TaskRecord{
		{URL: "http://a.test", Status: crawler.TaskStatusRunning},
		{URL: "http://b.test", Status: crawler.TaskStatusQueued},
	})
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusQueued, status)

	_, err := b.Acquire(ctx, "http://b.test")
	require.NoError(t, err)
	require.Equal(t, 1, countRunning(b))
}

func TestBoardHydratedTaskReportedRunningBlocksAcquire(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	b.Hydrate([]crawler.TaskRecord{
		{URL: "http://a.test", Status: crawler.TaskStatusRunning},
		{URL: "http://b.test", Status: crawler.TaskStatusQueued},
	})
	b.BulkUpsert(ctx, runningSnapshot("http://a.test"))

	_, err := b.Acquire(ctx, "http://b.test")
	require.ErrorIs(t, err, crawler.ErrAlreadyRunning)
	require.Empty(t, b.Running())
	require.Equal(t, 1, countRunning(b))
}

func TestBoardReportedRunningBlocksActions(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://b.test", crawler.TaskStatusQueued)
	b.BulkUpsert(ctx, runningSnapshot("http://a.test"))
	require.Equal(t, "http://a.test", b.ObservedRunning())

	_, err := b.Acquire(ctx, "http://b.test")
	require.ErrorIs(t, err, crawler.ErrAlreadyRunning)
	require.ErrorIs(t, b.Remove(ctx, "http://b.test"), crawler.ErrAlreadyRunning)
	require.ErrorIs(t, b.CheckStop("http://b.test"), crawler.ErrAlreadyRunning)
	_, err = b.Toggle("http://b.test")
	require.ErrorIs(t, err, crawler.ErrSelectionLocked)
	_, err = b.Enqueue(ctx, "http://a.test")
	require.ErrorIs(t, err, crawler.ErrAlreadyRunning)

	b.BulkUpsert(ctx, crawler.ProgressSnapshot{Entries: []crawler.ProgressEntry{
		{URL: "http://a.test", Status: crawler.TaskStatusDone},
	}})
	require.Empty(t, b.ObservedRunning())
	_, err = b.Acquire(ctx, "http://b.test")
	require.NoError(t, err)
}

func TestBoardRunningRecordBlocksAcquire(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://a.test", crawler.TaskStatusRunning)

	_, err := b.Acquire(ctx, "http://b.test")
	require.ErrorIs(t, err, crawler.ErrAlreadyRunning)
	_, err = b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)
}

func TestBoardBulkUpsertKeepsOneRunning(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	changed := b.BulkUpsert(ctx, crawler.ProgressSnapshot{Entries: []crawler.ProgressEntry{
		{URL: "http://a.test", Status: crawler.TaskStatusRunning},
		{URL: "http://b.test", Status: crawler.TaskStatusRunning},
	}})
	require.Equal(t, 1, changed)
	require.Equal(t, "http://a.test", b.ObservedRunning())
	_, ok := b.Get("http://b.test")
	require.False(t, ok)

	_, err := b.Acquire(ctx, "http://a.test")
	require.NoError(t, err)
	b.BulkUpsert(ctx, runningSnapshot("http://c.test"))
	require.Equal(t, 1, countRunning(b))
	require.Equal(t, "http://a.test", b.Running())
}

func TestBoardBulkUpsertKeepsRunningRecordUntilReported(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	b.BulkUpsert(ctx, runningSnapshot("http://a.test"))

	b.BulkUpsert(ctx, runningSnapshot("http://b.test"))
	require.Equal(t, 1, countRunning(b))
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusRunning, status)

	b.BulkUpsert(ctx, crawler.ProgressSnapshot{Entries: []crawler.ProgressEntry{
		{URL: "http://b.test", Status: crawler.TaskStatusRunning},
		{URL: "http://a.test", Status: crawler.TaskStatusDone},
	}})
	require.Equal(t, 1, countRunning(b))
	status, _ = b.Status("http://b.test")
	require.Equal(t, crawler.TaskStatusRunning, status)
	require.Equal(t, "http://b.test", b.ObservedRunning())
}

func TestBoardMarkStoppedKeepsFinishedStatus(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	_, _ = b.Upsert(ctx, "http://a.test", crawler.TaskStatusDone)
	_, _ = b.Upsert(ctx, "http://b.test", crawler.TaskStatusQueued)

	require.ErrorIs(t, b.CheckStop("http://a.test"), crawler.ErrNotRunning)
	require.ErrorIs(t, b.MarkStopped(ctx, "http://a.test"), crawler.ErrNotRunning)
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusDone, status)
	require.ErrorIs(t, b.MarkStopped(ctx, "http://missing.test"), crawler.ErrNotRunning)

	require.NoError(t, b.MarkStopped(ctx, "http://b.test"))
	status, _ = b.Status("http://b.test")
	require.Equal(t, crawler.TaskStatusStopped, status)
}

func TestBoardMarkStoppedClearsReportedRunning(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	b.BulkUpsert(ctx, runningSnapshot("http://a.test"))

	require.NoError(t, b.MarkStopped(ctx, "http://a.test"))
	require.Empty(t, b.ObservedRunning())
	status, _ := b.Status("http://a.test")
	require.Equal(t, crawler.TaskStatusStopped, status)
	_, err := b.Acquire(ctx, "http://b.test")
	require.NoError(t, err)
}

func TestBoardBulkUpsertPersistsOnlyChanges(t *testing.T) {
	t.Parallel()

	snap := &recordingSnapshotter{}
	b := New(Options{Snapshotter: snap})
	ctx := context.Background()
	progress := crawler.ProgressSnapshot{Entries: []crawler.ProgressEntry{
		{URL: "http://a.test", Status: crawler.TaskStatusDone},
		{URL: "http://b.test", Status: crawler.TaskStatusQueued},
	}}

	require.Equal(t, 2, b.BulkUpsert(ctx, progress))
	require.Equal(t, 0, b.BulkUpsert(ctx, progress))
	require.Equal(t, 0, b.BulkUpsert(ctx, progress))
	require.Len(t, snap.Saves(), 1)

	progress.Entries[1].Status = crawler.TaskStatusError
	require.Equal(t, 1, b.BulkUpsert(ctx, progress))
	require.Len(t, snap.Saves(), 2)
}

func runningSnapshot(url string) crawler.ProgressSnapshot {
	return crawler.ProgressSnapshot{Entries: []crawler.ProgressEntry{{URL: url, Status: crawler.TaskStatusRunning}}}
}

func countRunning(b *Board) int {
	n := 0
	for _, rec := range b.List() {
		if rec.Status == crawler.TaskStatusRunning {
			n++
		}
	}
	return n
}

type recordingSnapshotter struct {
	mu    sync.Mutex
	saves [][]crawler.TaskRecord
}

func (r *recordingSnapshotter) Save(_ context.Context, records []crawler.TaskRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, records)
}

func (r *recordingSnapshotter) Saves() [][]crawler.TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]crawler.TaskRecord(nil), r.saves...)
}
