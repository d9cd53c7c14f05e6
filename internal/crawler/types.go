package crawler

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a tracked crawl task.
type TaskStatus string

// Task status values reported by the crawler service and kept on the board.
const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusError   TaskStatus = "error"
	TaskStatusStopped TaskStatus = "stopped"
)

// ParseStatus converts a raw status string into a TaskStatus.
func ParseStatus(raw string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return status, nil
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusDone, TaskStatusError, TaskStatusStopped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further automatic transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// TaskRecord is a tracked URL together with its crawl status.
type TaskRecord struct {
	URL    string     `json:"url"`
	Status TaskStatus `json:"status"`
}

// ProgressEntry is one url/status pair from a PROGRESS snapshot.
type ProgressEntry struct {
	URL    string
	Status TaskStatus
}

// ProgressSnapshot is the authoritative status listing returned by the
// crawler service, in the order the service reported it.
type ProgressSnapshot struct {
	// RequestedAt is when the snapshot request was issued. A zero value means
	// the snapshot is applied without staleness checks.
	RequestedAt time.Time
	Entries     []ProgressEntry
}

// Running returns every url reported as running, in snapshot order.
func (p ProgressSnapshot) Running() []string {
	var out []string
	for _, entry := range p.Entries {
		if entry.Status == TaskStatusRunning {
			out = append(out, entry.URL)
		}
	}
	return out
}
