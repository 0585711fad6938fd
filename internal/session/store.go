package session

import (
	"hash/fnv"
	"sync"
)

// storeShards spreads lock contention across independent maps. Call ids hash
// well so a small power of two is plenty.
const storeShards = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Store is a sharded map of live sessions keyed by call id.
type Store struct {
	shards [storeShards]*shard
}

// NewStore creates an empty store.
func NewStore() *Store {
	st := &Store{}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return st
}

func (st *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return st.shards[h.Sum32()%storeShards]
}

// Put registers a session under its ID, replacing any previous entry.
func (st *Store) Put(s *Session) {
	sh := st.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()
}

// Get looks a session up by call id.
func (st *Store) Get(id string) (*Session, bool) {
	sh := st.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	return s, ok
}

// Delete removes a session. Removing an unknown id is a no-op.
func (st *Store) Delete(id string) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// Len counts live sessions across all shards.
func (st *Store) Len() int {
	n := 0
	for _, sh := range st.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// ForEach calls fn for every live session. fn must not call back into the
// store for the same shard; it runs under the shard read lock.
func (st *Store) ForEach(fn func(*Session)) {
	for _, sh := range st.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			fn(s)
		}
		sh.mu.RUnlock()
	}
}
