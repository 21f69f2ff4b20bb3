package relay

import (
	"context"
	"time"
)

const (
	// DefaultRetention bounds how long an undelivered frame is kept.
	DefaultRetention = 60 * time.Second

	// MaxPullWait caps the long poll budget a client may request.
	MaxPullWait = 30 * time.Second
)

// PendingStore keeps frames for targets with no live session. Frames are
// delivered at most once and dropped after the retention window.
type PendingStore interface {
	// Put enqueues a frame for (id, dir).
	Put(id string, dir Direction, frame []byte) error

	// PullWait dequeues the oldest pending frame for (id, dir). When the
	// queue is empty it blocks up to wait for one to arrive. The bool flag is
	// false when the wait budget expired with nothing to deliver.
	PullWait(ctx context.Context, id string, dir Direction, wait time.Duration) ([]byte, bool, error)

	// Drain dequeues every pending frame for (id, dir), oldest first.
	Drain(id string, dir Direction) ([][]byte, error)
}
