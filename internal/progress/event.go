package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart     Stage = "BATCH_START"
	StageBatchDone      Stage = "BATCH_DONE"
	StageBatchAbort     Stage = "BATCH_ABORT"
	StageTaskStart      Stage = "TASK_START"
	StageTaskDone       Stage = "TASK_DONE"
	StageTaskAbort      Stage = "TASK_ABORT"
	StageRunningAnomaly Stage = "RUNNING_ANOMALY"
)

// Event captures one milestone of a batch run or reconciliation.
type Event struct {
	// BatchID identifies the batch run; it is empty for reconciliation events.
	BatchID uuid.UUID `json:"batch_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the task the event refers to, when any.
	URL string `json:"url,omitempty"`
	// Status is the task status at the time of the event.
	Status crawler.TaskStatus `json:"status,omitempty"`
	// Tasks counts urls in the batch for batch events.
	Tasks int `json:"tasks,omitempty"`
	// Dur captures how long the task or batch took.
	Dur time.Duration `json:"dur_ns,omitempty"`
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone, StageBatchAbort:
		if e.BatchID == uuid.Nil {
			return errors.New("batch events require batch id")
		}
	case StageTaskStart, StageTaskDone, StageTaskAbort:
		if e.BatchID == uuid.Nil {
			return errors.New("task events require batch id")
		}
		if e.URL == "" {
			return errors.New("task events require url")
		}
	case StageRunningAnomaly:
		if e.URL == "" {
			return errors.New("anomaly events require the chosen url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Key returns the partitioning key for message sinks.
func (e Event) Key() string {
	if e.URL != "" {
		return e.URL
	}
	return e.BatchID.String()
}
