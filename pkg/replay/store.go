package replay

import (
	"sync"
)

// MemStore is a Store keeping the counter in memory. It backs endpoints running
// without non-volatile storage and the package tests.
type MemStore struct {
	mut   sync.Mutex
	value uint32
	valid bool
	saves int
}

// LoadCounter implements Store.
func (self *MemStore) LoadCounter() (uint32, bool, error) {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.value, self.valid, nil
}

// SaveCounter implements Store.
func (self *MemStore) SaveCounter(value uint32) error {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.value = value
	self.valid = true
	self.saves++
	return nil
}

// Saves returns how many times SaveCounter was called.
func (self *MemStore) Saves() int {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.saves
}

var _ Store = &MemStore{}
