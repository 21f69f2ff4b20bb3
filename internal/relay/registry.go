package relay

import (
	"hash/fnv"
	"sync"
)

const numShard = 16

type sessionKey struct {
	role Role
	id   string
}

type shard struct {
	mut   sync.RWMutex
	store map[sessionKey]*Session
}

// Registry tracks live sessions per (role, identity). Accesses are sharded so
// one busy identity does not serialize the whole relay.
type Registry struct {
	shards [numShard]shard
}

// NewRegistry returns an empty session Registry.
func NewRegistry() *Registry {
	rv := &Registry{}
	for i := range rv.shards {
		rv.shards[i].store = make(map[sessionKey]*Session)
	}
	return rv
}

func (self *Registry) shard(key sessionKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.role))
	h.Write([]byte(key.id))
	return &self.shards[h.Sum32()%numShard]
}

// Register installs s as the live session for its (role, identity). When a
// session is already registered the newer connection wins and the previous
// session is returned so the caller can close it.
func (self *Registry) Register(s *Session) *Session {
	key := sessionKey{role: s.role, id: s.id}
	shard := self.shard(key)
	shard.mut.Lock()
	defer shard.mut.Unlock()

	previous := shard.store[key]
	shard.store[key] = s
	return previous
}

// Unregister removes s from the Registry. It is a no-op when another session
// has since replaced s, so a slow closing connection cannot evict its
// replacement.
func (self *Registry) Unregister(s *Session) {
	key := sessionKey{role: s.role, id: s.id}
	shard := self.shard(key)
	shard.mut.Lock()
	defer shard.mut.Unlock()

	if s == shard.store[key] {
		delete(shard.store, key)
	}
}

// Get returns the live session for (role, id). The bool flag is false when no
// session is registered.
func (self *Registry) Get(role Role, id string) (*Session, bool) {
	key := sessionKey{role: role, id: id}
	shard := self.shard(key)
	shard.mut.RLock()
	defer shard.mut.RUnlock()

	s, present := shard.store[key]
	return s, present
}
