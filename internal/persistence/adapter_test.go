package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

func TestAdapterRoundTripPreservesOrder(t *testing.T) {
	t.Parallel()

	slot := newFakeSlot()
	adapter, err := New(slot, Config{}, nil)
	require.NoError(t, err)

	records := make([]crawler.TaskRecord, 0, 10)
	statuses := []crawler.TaskStatus{
		crawler.TaskStatusQueued,
		crawler.TaskStatusRunning,
		crawler.TaskStatusDone,
		crawler.TaskStatusError,
		crawler.TaskStatusStopped,
	}
	for i := 0; i < 10; i++ {
		records = append(records, crawler.TaskRecord{
			URL:    fmt.Sprintf("https://site%d.test/page", 9-i),
			Status: statuses[i%len(statuses)],
		})
	}

	adapter.Save(context.Background(), records)
	require.Equal(t, records, adapter.Load(context.Background()))
	require.Contains(t, string(slot.raw(DefaultKey)), `"url":"https://site9.test/page","status":"queued"`)
}

func TestAdapterSaveEmptyWritesArray(t *testing.T) {
	t.Parallel()

	slot := newFakeSlot()
	adapter, err := New(slot, Config{Key: "tasks"}, nil)
	require.NoError(t, err)

	adapter.Save(context.Background(), nil)
	require.Equal(t, "[]", string(slot.raw("tasks")))
	require.Empty(t, adapter.Load(context.Background()))
}

func TestAdapterLoadFailsOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(*fakeSlot)
		level   zapcore.Level
	}{
		{
			name:    "missing key",
			prepare: func(*fakeSlot) {},
			level:   zapcore.InfoLevel,
		},
		{
			name: "malformed payload",
			prepare: func(s *fakeSlot) {
				s.data[DefaultKey] = []byte(`{"url":`)
			},
			level: zapcore.WarnLevel,
		},
		{
			name: "backend error",
			prepare: func(s *fakeSlot) {
				s.getErr = errors.New("connection refused")
			},
			level: zapcore.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			slot := newFakeSlot()
			tt.prepare(slot)
			core, logs := observer.New(zapcore.DebugLevel)
			adapter, err := New(slot, Config{}, zap.New(core))
			require.NoError(t, err)

			records := adapter.Load(context.Background())
			require.NotNil(t, records)
			require.Empty(t, records)
			require.Equal(t, 1, logs.Len())
			require.Equal(t, tt.level, logs.All()[0].Level)
		})
	}
}

func TestAdapterSaveFailureIsLoggedNotRaised(t *testing.T) {
	t.Parallel()

	slot := newFakeSlot()
	slot.putErr = errors.New("disk full")
	core, logs := observer.New(zapcore.ErrorLevel)
	adapter, err := New(slot, Config{}, zap.New(core))
	require.NoError(t, err)

	adapter.Save(context.Background(), []crawler.TaskRecord{{URL: "http://a.test", Status: crawler.TaskStatusQueued}})

	entries := logs.FilterMessage("save task snapshot failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "disk full", entries[0].ContextMap()["error"])
}

func TestNewRequiresSlot(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
}

type fakeSlot struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
	getErr error
}

func newFakeSlot() *fakeSlot {
	return &fakeSlot{data: make(map[string][]byte)}
}

func (f *fakeSlot) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.data[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeSlot) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.data[key]
	if !ok {
		return nil, ErrSlotEmpty
	}
	return data, nil
}

func (f *fakeSlot) Close() error {
	return nil
}

func (f *fakeSlot) raw(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key]
}
