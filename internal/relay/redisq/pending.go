// Package redisq provides the redis list backed relay PendingStore, used when
// several relay instances share one pending state.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"code.wakelink.org/golang/internal/relay"
)

const drainBatch = 64

// PendingStore keeps undelivered frames in one redis list per (target id,
// direction). Retention is approximate: the list TTL is refreshed on every
// Put, so a queue expires as a whole once writes stop.
type PendingStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewPendingStore returns a PendingStore on rdb. A zero retention selects
// relay.DefaultRetention.
func NewPendingStore(rdb *redis.Client, retention time.Duration) (*PendingStore, error) {
	if nil == rdb {
		return nil, newError("nil redis client")
	}
	if 0 == retention {
		retention = relay.DefaultRetention
	}
	return &PendingStore{rdb: rdb, retention: retention}, nil
}

var _ relay.PendingStore = &PendingStore{}

func queueKey(id string, dir relay.Direction) string {
	return fmt.Sprintf("wakelink:pending:%s:%s", id, dir)
}

// Put enqueues frame for (id, dir) and refreshes the queue TTL.
func (self *PendingStore) Put(id string, dir relay.Direction, frame []byte) error {
	err := dir.Check()
	if nil != err {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := queueKey(id, dir)
	pipe := self.rdb.TxPipeline()
	pipe.RPush(ctx, key, frame)
	pipe.Expire(ctx, key, self.retention)
	_, err = pipe.Exec(ctx)

	return wrapError(err, "failed RPush on %s", key) // nil if err is nil...
}

// PullWait dequeues the oldest pending frame for (id, dir), blocking up to
// wait when the queue is empty. BLPOP hands each frame to exactly one caller
// across every relay instance.
func (self *PendingStore) PullWait(ctx context.Context, id string, dir relay.Direction, wait time.Duration) ([]byte, bool, error) {
	err := dir.Check()
	if nil != err {
		return nil, false, err
	}

	key := queueKey(id, dir)
	if wait <= 0 {
		frame, err := self.rdb.LPop(ctx, key).Bytes()
		if nil != err {
			if errors.Is(err, redis.Nil) {
				return nil, false, nil
			}
			return nil, false, wrapError(err, "failed LPop on %s", key)
		}
		return frame, true, nil
	}

	rv, err := self.rdb.BLPop(ctx, wait, key).Result()
	if nil != err {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, wrapError(err, "failed BLPop on %s", key)
	}
	// BLPOP answers [key, value]
	if 2 != len(rv) {
		return nil, false, newError("unexpected BLPop reply of %d items", len(rv))
	}
	return []byte(rv[1]), true, nil
}

// Drain dequeues every pending frame for (id, dir), oldest first.
func (self *PendingStore) Drain(id string, dir relay.Direction) ([][]byte, error) {
	err := dir.Check()
	if nil != err {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := queueKey(id, dir)
	var frames [][]byte
	for {
		batch, err := self.rdb.LPopCount(ctx, key, drainBatch).Result()
		if nil != err {
			if errors.Is(err, redis.Nil) {
				break
			}
			return frames, wrapError(err, "failed LPopCount on %s", key)
		}
		for _, item := range batch {
			frames = append(frames, []byte(item))
		}
		if len(batch) < drainBatch {
			break
		}
	}

	return frames, nil
}
