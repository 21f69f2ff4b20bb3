package endpoint

import (
	"sync"
	"time"
)

// Scheduler is the two-state deferred operation model: normal, or a restart
// pending at a fixed time. The agent polls Due once per loop tick, there is
// no pre-emption.
type Scheduler struct {
	mut     sync.Mutex
	pending bool
	at      time.Time
}

// Schedule arms a restart delay from now. A later Schedule call moves the
// deadline.
func (self *Scheduler) Schedule(delay time.Duration) {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.pending = true
	self.at = time.Now().Add(delay)
}

// Due reports whether an armed restart has reached its deadline. It keeps
// answering true until Clear.
func (self *Scheduler) Due() bool {
	self.mut.Lock()
	defer self.mut.Unlock()

	return self.pending && !time.Now().Before(self.at)
}

// DueAt returns the armed restart deadline. The bool flag is false when no
// restart is pending.
func (self *Scheduler) DueAt() (time.Time, bool) {
	self.mut.Lock()
	defer self.mut.Unlock()

	return self.at, self.pending
}

// Pending reports whether a restart is armed, due or not.
func (self *Scheduler) Pending() bool {
	self.mut.Lock()
	defer self.mut.Unlock()

	return self.pending
}

// Clear disarms the scheduler.
func (self *Scheduler) Clear() {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.pending = false
}
