package crawler

import "errors"

var (
	// ErrInvalidURL marks input that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrRejected is returned when the crawler service refuses a request.
	ErrRejected = errors.New("request rejected by crawler service")
	// ErrAlreadyRunning is returned when another url holds the running slot.
	ErrAlreadyRunning = errors.New("a crawl is already running")
	// ErrTimeout is returned when a task does not reach a terminal status in time.
	ErrTimeout = errors.New("timed out waiting for task to finish")
	// ErrStopped is the cancellation cause of a run stopped or removed by the user.
	ErrStopped = errors.New("task stopped")
	// ErrSelectionLocked is returned for selection edits while a crawl is in flight.
	ErrSelectionLocked = errors.New("selection is locked while a crawl is running")
	// ErrNotRunning is returned when stopping a url that has no crawl to stop.
	ErrNotRunning = errors.New("task is not running")
	// ErrNotFound is returned for urls that are not tracked.
	ErrNotFound = errors.New("task not found")
	// ErrEmptySelection is returned when a batch is requested with nothing selected.
	ErrEmptySelection = errors.New("no tasks selected")
)
