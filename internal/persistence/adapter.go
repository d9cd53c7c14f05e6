// Package persistence snapshots the task list into a durable key-value slot
// and restores it at startup. Saves never fail the caller and loads fall back
// to an empty list.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
	"github.com/JakeFAU/crawl-taskboard/internal/metrics"
)

// DefaultKey is the slot name holding the task snapshot.
const DefaultKey = "urls"

const defaultTimeout = 3 * time.Second

// ErrSlotEmpty is returned by a Slot when nothing has been stored under a key.
var ErrSlotEmpty = errors.New("snapshot slot is empty")

// Slot is a durable key-value cell.
type Slot interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Config controls snapshot behaviour.
type Config struct {
	// Key names the slot (default "urls").
	Key string
	// Timeout bounds each Put or Get (default 3s).
	Timeout time.Duration
}

// Adapter serializes task lists into a Slot.
type Adapter struct {
	slot    Slot
	key     string
	timeout time.Duration
	logger  *zap.Logger
}

// New wraps slot with snapshot encoding and fail-open error handling.
func New(slot Slot, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if slot == nil {
		return nil, fmt.Errorf("snapshot slot is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Adapter{
		slot:    slot,
		key:     cfg.Key,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Save writes records as a JSON array. Failures are logged and counted; the
// in-memory state stays authoritative.
func (a *Adapter) Save(ctx context.Context, records []crawler.TaskRecord) {
	if records == nil {
		records = []crawler.TaskRecord{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		a.logger.Error("encode task snapshot failed", zap.Error(err))
		metrics.ObserveSnapshotSave("error")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.slot.Put(ctx, a.key, payload); err != nil {
		a.logger.Error("save task snapshot failed",
			zap.String("key", a.key),
			zap.Int("tasks", len(records)),
			zap.Error(err),
		)
		metrics.ObserveSnapshotSave("error")
		return
	}
	metrics.ObserveSnapshotSave("success")
}

// Load restores the saved records. A missing key, backend error or malformed
// payload yields an empty list.
func (a *Adapter) Load(ctx context.Context) []crawler.TaskRecord {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	payload, err := a.slot.Get(ctx, a.key)
	if err != nil {
		if errors.Is(err, ErrSlotEmpty) {
			a.logger.Info("no task snapshot found", zap.String("key", a.key))
		} else {
			a.logger.Warn("load task snapshot failed; starting empty",
				zap.String("key", a.key),
				zap.Error(err),
			)
		}
		return []crawler.TaskRecord{}
	}
	var records []crawler.TaskRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		a.logger.Warn("task snapshot is malformed; starting empty",
			zap.String("key", a.key),
			zap.Error(err),
		)
		return []crawler.TaskRecord{}
	}
	if records == nil {
		records = []crawler.TaskRecord{}
	}
	return records
}

// Close releases the underlying slot.
func (a *Adapter) Close() error {
	if err := a.slot.Close(); err != nil {
		return fmt.Errorf("close snapshot slot: %w", err)
	}
	return nil
}
