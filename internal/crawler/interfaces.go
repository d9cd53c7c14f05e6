package crawler

import "context"

// Client is the collaborator contract of the remote crawler service.
type Client interface {
	Add(ctx context.Context, url string) error
	Start(ctx context.Context, url string) error
	Stop(ctx context.Context, url string) error
	Progress(ctx context.Context) (ProgressSnapshot, error)
}

// ProgressSource fetches status snapshots.
type ProgressSource interface {
	Progress(ctx context.Context) (ProgressSnapshot, error)
}

// Snapshotter persists the ordered task list. Implementations report their
// own failures; callers never see an error.
type Snapshotter interface {
	Save(ctx context.Context, records []TaskRecord)
}

// Starter issues START requests for a single url.
type Starter interface {
	Start(ctx context.Context, url string) error
}
