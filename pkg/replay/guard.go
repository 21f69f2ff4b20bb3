// Package replay implements the per-endpoint monotonic request counter that
// bounds how many packets a single shared secret may decrypt. The counter is
// persisted coarsely: a crash may forget up to flushInterval counted requests,
// which widens the replay window by that amount. This is an accepted bound of
// the protocol, not an accident.
package replay

import (
	"log/slog"
	"sync"

	"code.wakelink.org/golang/internal/observability"
)

const (
	// DefaultLimit is the request ceiling forcing an operator reset.
	DefaultLimit = 1000

	// flushInterval is the persistence cadence, in increments.
	flushInterval = 10
)

// Store persists the counter value. The Guard calls it, it never owns storage
// itself.
type Store interface {
	// LoadCounter returns the persisted value. ok is false when no valid
	// state exists, in which case the Guard starts from zero.
	LoadCounter() (value uint32, ok bool, err error)

	// SaveCounter persists value.
	SaveCounter(value uint32) error
}

// Guard is the replay counter for one endpoint identity.
type Guard struct {
	mut   sync.Mutex
	store Store
	value uint32
	limit uint32
	log   *slog.Logger
}

// NewGuard returns a Guard backed by store, loading any persisted value.
// Missing or corrupt persisted state is not an error: the counter starts at
// zero and the recovery is logged. A nil logger disables logging.
func NewGuard(store Store, logger *slog.Logger) (*Guard, error) {
	if nil == store {
		return nil, newError("nil Store")
	}
	if nil == logger {
		logger = observability.NoopLogger()
	}

	value, ok, err := store.LoadCounter()
	if nil != err {
		return nil, wrapError(err, "failed loading persisted counter")
	}
	if !ok {
		value = 0
		logger.Warn("no valid persisted counter, starting from 0")
	} else {
		logger.Info("loaded request counter", "value", value, "limit", uint32(DefaultLimit))
	}

	return &Guard{store: store, value: value, limit: DefaultLimit, log: logger}, nil
}

// Admit reports whether one more packet may be decrypted. It is called before
// any decrypted plaintext is exposed. At the ceiling it returns
// ErrLimitExceeded and leaves the counter untouched.
func (self *Guard) Admit() error {
	self.mut.Lock()
	defer self.mut.Unlock()

	if self.value >= self.limit {
		return wrapError(ErrLimitExceeded, "counter at %d/%d, reset required", self.value, self.limit)
	}
	return nil
}

// Consume counts one successful decrypt. The value is flushed to the Store
// every flushInterval increments, and unconditionally when the ceiling is
// reached.
func (self *Guard) Consume() error {
	self.mut.Lock()
	defer self.mut.Unlock()

	if self.value >= self.limit {
		// Admit was skipped, do not count past the ceiling
		return wrapError(ErrLimitExceeded, "counter at %d/%d, reset required", self.value, self.limit)
	}

	self.value++
	if 0 == self.value%flushInterval || self.value >= self.limit {
		err := self.store.SaveCounter(self.value)
		if nil != err {
			return wrapError(err, "failed persisting counter")
		}
	}
	return nil
}

// Reset zeroes the counter and flushes immediately. It must be called whenever
// the shared secret is rotated.
func (self *Guard) Reset() error {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.value = 0
	err := self.store.SaveCounter(0)
	if nil != err {
		return wrapError(err, "failed persisting counter reset")
	}
	self.log.Info("request counter reset to 0")
	return nil
}

// Value returns the current counter value.
func (self *Guard) Value() uint32 {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.value
}

// Limit returns the counter ceiling.
func (self *Guard) Limit() uint32 {
	return self.limit
}
