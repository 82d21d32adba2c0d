package replay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoaderFunc produces the session artifact for a key, reporting progress as
// it goes. The cache layer typically sits between the store and the frame
// builder here.
type LoaderFunc func(ctx context.Context, key SessionKey, progress func(pct int, msg string)) (*SessionData, error)

// Store is the process-wide session registry. Lookups are cheap; the first
// demand for a key starts exactly one background load whose result (or
// failure) every subsequent caller shares. Sessions stay resident until
// explicitly evicted.
type Store struct {
	mu       sync.Mutex
	sessions map[SessionKey]*Session

	loader LoaderFunc
	group  singleflight.Group
}

// NewStore creates a registry around the given loader.
func NewStore(loader LoaderFunc) *Store {
	return &Store{
		sessions: make(map[SessionKey]*Session),
		loader:   loader,
	}
}

// GetOrCreate returns the session for key, creating it and kicking off the
// background load on first demand. The returned handle is shared: all
// concurrent callers for one key observe the same Session identity.
func (st *Store) GetOrCreate(key SessionKey) *Session {
	st.mu.Lock()
	if s, ok := st.sessions[key]; ok {
		st.mu.Unlock()
		return s
	}
	s := newSession(key)
	st.sessions[key] = s
	st.mu.Unlock()

	diagf("[Store] %s: session created, starting load", key)
	go st.load(s)
	return s
}

// Lookup returns the session for key or nil. Never triggers a load.
func (st *Store) Lookup(key SessionKey) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[key]
}

// Evict removes key from the registry. A future GetOrCreate re-creates and
// re-loads it; clients still holding the old handle keep working against
// the old artifact.
func (st *Store) Evict(key SessionKey) {
	st.mu.Lock()
	_, ok := st.sessions[key]
	delete(st.sessions, key)
	st.mu.Unlock()
	if ok {
		diagf("[Store] %s: session evicted", key)
	}
}

// Keys returns a snapshot of the registered session keys.
func (st *Store) Keys() []SessionKey {
	st.mu.Lock()
	defer st.mu.Unlock()
	keys := make([]SessionKey, 0, len(st.sessions))
	for k := range st.sessions {
		keys = append(keys, k)
	}
	return keys
}

// RegisterProgress subscribes cb to the session's load progress.
func (st *Store) RegisterProgress(s *Session, cb ProgressFunc) int {
	return s.RegisterProgress(cb)
}

// UnregisterProgress removes a progress subscription.
func (st *Store) UnregisterProgress(s *Session, id int) {
	s.UnregisterProgress(id)
}

// load runs in its own goroutine, exactly once per Session. The build is
// additionally deduplicated through singleflight so a key evicted and
// re-demanded mid-load still shares the in-flight work. Loads are never
// cancelled by client disconnects: other clients and the cache depend on
// completion, so the context here is the background one.
func (st *Store) load(s *Session) {
	start := time.Now()
	s.setProgress(0, "Loading session data")

	v, err, shared := st.group.Do(s.Key.String(), func() (interface{}, error) {
		return st.loader(context.Background(), s.Key, s.setProgress)
	})
	if shared {
		tracef("[Store] %s: load shared with concurrent demand", s.Key)
	}

	var data *SessionData
	if v != nil {
		data = v.(*SessionData)
	}
	s.finish(data, err, time.Since(start))
}
