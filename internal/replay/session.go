package replay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// LoadState labels a progress notification.
type LoadState string

const (
	LoadLoading  LoadState = "loading"
	LoadComplete LoadState = "complete"
	LoadFailed   LoadState = "error"
)

// ProgressFunc receives load progress for a session. Callbacks are invoked
// from the loader's goroutine; a slow or panicking callback never blocks or
// fails the load.
type ProgressFunc func(state LoadState, progress int, message string)

// Session is the shared handle for one session's replay artifact. It is
// created unloaded, filled by exactly one loader, and immutable afterwards:
// once Loaded reports true the frames and catalogues never change, so
// readers need no synchronisation beyond holding the handle.
type Session struct {
	Key SessionKey

	data atomic.Pointer[SessionData]

	loaded   atomic.Bool
	progress atomic.Int32

	mu            sync.Mutex
	loadErr       error
	loadingStatus string
	callbacks     map[int]ProgressFunc
	nextCallback  int

	createdAt time.Time
	loadTime  atomic.Int64 // nanoseconds
}

func newSession(key SessionKey) *Session {
	return &Session{
		Key:       key,
		callbacks: make(map[int]ProgressFunc),
		createdAt: time.Now(),
	}
}

// Loaded reports whether the frame sequence is ready to serve.
func (s *Session) Loaded() bool { return s.loaded.Load() }

// Progress returns the current load progress in [0,100].
func (s *Session) Progress() int { return int(s.progress.Load()) }

// LoadErr returns the terminal load error, if the load failed.
func (s *Session) LoadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// LoadingStatus returns the last human-readable loader message.
func (s *Session) LoadingStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingStatus
}

// LoadTime returns how long the load took, zero while in flight.
func (s *Session) LoadTime() time.Duration {
	return time.Duration(s.loadTime.Load())
}

// Data returns the immutable artifact, nil until loaded.
func (s *Session) Data() *SessionData { return s.data.Load() }

// Artifact returns the immutable artifact, or ErrSessionNotLoaded while the
// load is still in flight (wrapping the load error if one is terminal).
func (s *Session) Artifact() (*SessionData, error) {
	if d := s.data.Load(); d != nil {
		return d, nil
	}
	if err := s.LoadErr(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotLoaded, err)
	}
	return nil, ErrSessionNotLoaded
}

// Frames returns the frame sequence, nil until loaded.
func (s *Session) Frames() []Frame {
	if d := s.data.Load(); d != nil {
		return d.Frames
	}
	return nil
}

// RegisterProgress subscribes cb to load progress and returns an id for
// Unregister. Safe at any time; if the session already finished loading the
// terminal state is delivered immediately so late subscribers observe the
// same sequence shape as early ones.
func (s *Session) RegisterProgress(cb ProgressFunc) int {
	s.mu.Lock()
	id := s.nextCallback
	s.nextCallback++
	s.callbacks[id] = cb
	err := s.loadErr
	msg := s.loadingStatus
	s.mu.Unlock()

	if s.loaded.Load() {
		safeInvoke(cb, LoadComplete, 100, msg)
	} else if err != nil {
		safeInvoke(cb, LoadFailed, s.Progress(), err.Error())
	}
	return id
}

// UnregisterProgress removes a subscription.
func (s *Session) UnregisterProgress(id int) {
	s.mu.Lock()
	delete(s.callbacks, id)
	s.mu.Unlock()
}

// setProgress records monotonic progress and fans it out. Called only by the
// loader. The callback list is snapshotted under the lock and invoked
// outside it so user code never runs while the session is locked.
func (s *Session) setProgress(pct int, msg string) {
	if pct < int(s.progress.Load()) {
		pct = int(s.progress.Load())
	}
	if pct > 100 {
		pct = 100
	}
	s.progress.Store(int32(pct))

	s.mu.Lock()
	s.loadingStatus = msg
	cbs := snapshotCallbacks(s.callbacks)
	s.mu.Unlock()

	tracef("[Session] %s: progress %d%% (%s)", s.Key, pct, msg)
	for _, cb := range cbs {
		safeInvoke(cb, LoadLoading, pct, msg)
	}
}

// finish publishes the artifact (or the failure) and notifies subscribers.
// Storing data before flipping loaded gives readers the release/acquire
// ordering they rely on.
func (s *Session) finish(data *SessionData, err error, took time.Duration) {
	s.loadTime.Store(int64(took))

	if err != nil {
		s.mu.Lock()
		s.loadErr = err
		s.loadingStatus = err.Error()
		cbs := snapshotCallbacks(s.callbacks)
		s.mu.Unlock()

		opsf("[Session] %s: load failed after %.1fs: %v", s.Key, took.Seconds(), err)
		for _, cb := range cbs {
			safeInvoke(cb, LoadFailed, s.Progress(), err.Error())
		}
		return
	}

	s.data.Store(data)
	s.progress.Store(100)
	s.loaded.Store(true)

	s.mu.Lock()
	s.loadingStatus = "Session ready"
	cbs := snapshotCallbacks(s.callbacks)
	s.mu.Unlock()

	diagf("[Session] %s: loaded %d frames in %.1fs", s.Key, data.FrameCount(), took.Seconds())
	for _, cb := range cbs {
		safeInvoke(cb, LoadComplete, 100, "Session ready")
	}
}

func snapshotCallbacks(m map[int]ProgressFunc) []ProgressFunc {
	out := make([]ProgressFunc, 0, len(m))
	for _, cb := range m {
		out = append(out, cb)
	}
	return out
}

// safeInvoke delivers one notification best-effort: a panicking subscriber
// is dropped from this delivery with a log line, never failing the load.
func safeInvoke(cb ProgressFunc, state LoadState, pct int, msg string) {
	defer func() {
		if r := recover(); r != nil {
			opsf("[Session] progress callback panicked: %v", r)
		}
	}()
	cb(state, pct, msg)
}
