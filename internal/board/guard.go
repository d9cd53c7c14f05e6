package board

import (
	"context"
	"time"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

// guard is the single running-url token. The zero value is released.
type guard struct {
	url       string
	prior     crawler.TaskStatus
	hadRecord bool
	cancel    context.CancelCauseFunc
}

// fence marks the last local status change made by the guard lifecycle.
// Progress snapshots requested before at cannot change url's status.
type fence struct {
	url string
	at  time.Time
}

func (f fence) stale(url string, requestedAt time.Time) bool {
	return f.url != "" && f.url == url && !requestedAt.IsZero() && requestedAt.Before(f.at)
}

func (f fence) covers(requestedAt time.Time) bool {
	return f.url != "" && !requestedAt.IsZero() && requestedAt.Before(f.at)
}

func (g *guard) held() bool {
	return g.url != ""
}

func (g *guard) heldBy(url string) bool {
	return g.url != "" && g.url == url
}

func (g *guard) clear(cause error) {
	if g.cancel != nil {
		g.cancel(cause)
	}
	*g = guard{}
}

// Run is the handle returned by a successful Acquire. Its context is canceled
// with crawler.ErrStopped when the url is stopped or removed, and with
// context.Canceled once the token is released.
type Run struct {
	URL string
	ctx context.Context
}

// Context returns the run's context.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Done is closed when the run is interrupted or released.
func (r *Run) Done() <-chan struct{} {
	return r.ctx.Done()
}
