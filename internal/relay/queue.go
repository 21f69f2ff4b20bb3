package relay

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

type queueKey struct {
	id  string
	dir Direction
}

type pendingFrame struct {
	frame    []byte
	enqueued time.Time
}

// queue is one FIFO of pending frames. gate is closed and replaced on every
// Put so that blocked pullers wake up and race for the head under the shard
// lock.
type queue struct {
	frames  []pendingFrame
	gate    chan struct{}
	waiters int
}

type queueShard struct {
	mut    sync.Mutex
	queues map[queueKey]*queue
}

// QueueSet is the in memory PendingStore: one FIFO per (target id, direction)
// with bounded retention. Expired frames are dropped on access, there is no
// background sweeper. Queues are sharded the way the session Registry is, so
// one busy identity does not serialize the others.
type QueueSet struct {
	shards    [numShard]queueShard
	retention time.Duration
}

// NewQueueSet returns a QueueSet keeping undelivered frames for retention.
// A zero retention selects DefaultRetention.
func NewQueueSet(retention time.Duration) *QueueSet {
	if 0 == retention {
		retention = DefaultRetention
	}
	rv := &QueueSet{retention: retention}
	for i := range rv.shards {
		rv.shards[i].queues = make(map[queueKey]*queue)
	}
	return rv
}

var _ PendingStore = &QueueSet{}

func (self *QueueSet) shard(key queueKey) *queueShard {
	h := fnv.New32a()
	h.Write([]byte(key.id))
	h.Write([]byte(key.dir))
	return &self.shards[h.Sum32()%numShard]
}

// Put enqueues frame for (id, dir) and wakes blocked pullers.
func (self *QueueSet) Put(id string, dir Direction, frame []byte) error {
	err := dir.Check()
	if nil != err {
		return err
	}

	key := queueKey{id: id, dir: dir}
	sh := self.shard(key)
	sh.mut.Lock()
	defer sh.mut.Unlock()

	q := sh.queues[key]
	if nil == q {
		q = &queue{gate: make(chan struct{})}
		sh.queues[key] = q
	}
	self.expire(q)

	q.frames = append(q.frames, pendingFrame{frame: frame, enqueued: time.Now()})
	close(q.gate)
	q.gate = make(chan struct{})

	return nil
}

// PullWait dequeues the oldest pending frame for (id, dir), blocking up to
// wait when the queue is empty. Each frame is handed to exactly one puller.
func (self *QueueSet) PullWait(ctx context.Context, id string, dir Direction, wait time.Duration) ([]byte, bool, error) {
	err := dir.Check()
	if nil != err {
		return nil, false, err
	}

	key := queueKey{id: id, dir: dir}
	sh := self.shard(key)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		sh.mut.Lock()
		q := sh.queues[key]
		if nil == q {
			q = &queue{gate: make(chan struct{})}
			sh.queues[key] = q
		}
		self.expire(q)
		if len(q.frames) > 0 {
			frame := q.frames[0].frame
			q.frames = q.frames[1:]
			collect(sh, key, q)
			sh.mut.Unlock()
			return frame, true, nil
		}
		gate := q.gate
		q.waiters++
		sh.mut.Unlock()

		select {
		case <-ctx.Done():
			self.leave(key)
			return nil, false, wrapError(ctx.Err(), "failed waiting on queue %s/%s", id, dir)
		case <-timer.C:
			self.leave(key)
			return nil, false, nil
		case <-gate:
			self.leave(key)
		}
	}
}

// Drain dequeues every pending frame for (id, dir), oldest first.
func (self *QueueSet) Drain(id string, dir Direction) ([][]byte, error) {
	err := dir.Check()
	if nil != err {
		return nil, err
	}

	key := queueKey{id: id, dir: dir}
	sh := self.shard(key)
	sh.mut.Lock()
	defer sh.mut.Unlock()

	q := sh.queues[key]
	if nil == q {
		return nil, nil
	}
	self.expire(q)

	var frames [][]byte
	for _, pending := range q.frames {
		frames = append(frames, pending.frame)
	}
	q.frames = nil
	collect(sh, key, q)

	return frames, nil
}

// Pending returns the number of frames currently queued for (id, dir).
func (self *QueueSet) Pending(id string, dir Direction) int {
	key := queueKey{id: id, dir: dir}
	sh := self.shard(key)
	sh.mut.Lock()
	defer sh.mut.Unlock()

	q := sh.queues[key]
	if nil == q {
		return 0
	}
	self.expire(q)
	collect(sh, key, q)
	return len(q.frames)
}

// expire drops frames older than the retention window. It never removes the
// queue itself, callers about to append rely on q staying installed. Caller
// holds the shard lock.
func (self *QueueSet) expire(q *queue) {
	horizon := time.Now().Add(-self.retention)
	for len(q.frames) > 0 && q.frames[0].enqueued.Before(horizon) {
		q.frames = q.frames[1:]
	}
}

// collect removes the queue from its shard when nothing references it. Caller
// holds the shard lock.
func collect(sh *queueShard, key queueKey, q *queue) {
	if 0 == len(q.frames) && 0 == q.waiters {
		delete(sh.queues, key)
	}
}

// leave decrements the waiter count taken before blocking in PullWait.
func (self *QueueSet) leave(key queueKey) {
	sh := self.shard(key)
	sh.mut.Lock()
	defer sh.mut.Unlock()

	q := sh.queues[key]
	if nil != q {
		q.waiters--
		collect(sh, key, q)
	}
}
