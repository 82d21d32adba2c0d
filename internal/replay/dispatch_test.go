package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/race.replay/internal/timeutil"
)

// fakeConn scripts the client side of a dispatcher without a socket.
type fakeConn struct {
	mu       sync.Mutex
	controls [][]byte
	jsons    []interface{}
	binaries [][]byte
	gone     bool
}

func (c *fakeConn) push(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.controls = append(c.controls, b)
	c.mu.Unlock()
}

func (c *fakeConn) ReadControl(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return nil, errors.New("client gone")
	}
	if len(c.controls) == 0 {
		return nil, nil
	}
	b := c.controls[0]
	c.controls = c.controls[1:]
	return b, nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return errors.New("client gone")
	}
	c.jsons = append(c.jsons, v)
	return nil
}

func (c *fakeConn) WriteBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return errors.New("client gone")
	}
	cp := append([]byte(nil), b...)
	c.binaries = append(c.binaries, cp)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binaries)
}

func (c *fakeConn) jsonEvents() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.jsons...)
}

func loadedSession(t *testing.T, frames int) *Session {
	t.Helper()
	st := NewStore(func(ctx context.Context, key SessionKey, progress func(int, string)) (*SessionData, error) {
		return stubData(key, frames), nil
	})
	s := st.GetOrCreate(testKey())
	waitLoaded(t, s)
	return s
}

func testDispatcher(t *testing.T, frames int) (*Dispatcher, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := loadedSession(t, frames)
	d := NewDispatcher(s, conn, DispatcherConfig{
		Clock: timeutil.NewMockClock(time.Unix(0, 0)),
	})
	return d, conn
}

func TestDispatcherPacing(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 100)
	frames := d.session.Frames()

	conn.push(ControlMessage{Action: "play"})

	// One second of ticks at 60 Hz must emit close to 25 frames: the source
	// rate, not the tick rate.
	for i := 0; i < 60; i++ {
		gone, err := d.tick(frames)
		require.NoError(t, err)
		require.False(t, gone)
	}
	assert.InDelta(t, 25, d.FramesSent(), 1)

	// Frames arrive in order and decode back to their grid slots.
	prev := -1.0
	for _, b := range conn.binaries {
		f, err := DecodeFrame(b)
		require.NoError(t, err)
		assert.Greater(t, f.T, prev)
		prev = f.T
	}
}

func TestDispatcherSpeedScaling(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 200)
	frames := d.session.Frames()

	speed := 2.0
	conn.push(ControlMessage{Action: "play", Speed: &speed})

	for i := 0; i < 60; i++ {
		_, err := d.tick(frames)
		require.NoError(t, err)
	}
	assert.InDelta(t, 50, d.FramesSent(), 1, "2x speed doubles the frame rate")
}

func TestDispatcherPausedSendsNothing(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 50)
	frames := d.session.Frames()

	for i := 0; i < 30; i++ {
		_, err := d.tick(frames)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, conn.binaryCount(), "paused dispatcher emits no frames")
}

func TestDispatcherSeek(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 100)
	frames := d.session.Frames()

	// Fractional seek floors; the frame is re-sent even while paused.
	target := 42.7
	conn.push(ControlMessage{Action: "seek", Frame: &target})
	_, err := d.tick(frames)
	require.NoError(t, err)

	require.Equal(t, 1, conn.binaryCount())
	f, err := DecodeFrame(conn.binaries[0])
	require.NoError(t, err)
	assert.InDelta(t, 42*DefaultFrameInterval, f.T, 1e-9)

	// Seeking to the current frame after a send still re-sends it: the seek
	// reset lastSent.
	conn.push(ControlMessage{Action: "seek", Frame: &target})
	_, err = d.tick(frames)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.binaryCount())

	// Out-of-range seeks clamp.
	over := 1e9
	conn.push(ControlMessage{Action: "seek", Frame: &over})
	_, err = d.tick(frames)
	require.NoError(t, err)
	last, err := DecodeFrame(conn.binaries[len(conn.binaries)-1])
	require.NoError(t, err)
	assert.InDelta(t, 99*DefaultFrameInterval, last.T, 1e-9)

	under := -5.0
	conn.push(ControlMessage{Action: "seek", Frame: &under})
	_, err = d.tick(frames)
	require.NoError(t, err)
	first, err := DecodeFrame(conn.binaries[len(conn.binaries)-1])
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.T)
}

func TestDispatcherRejectsNegativeSpeed(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 50)
	frames := d.session.Frames()

	speed := -1.0
	conn.push(ControlMessage{Action: "play", Speed: &speed})
	for i := 0; i < 30; i++ {
		_, err := d.tick(frames)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, conn.binaryCount(), "negative speed rejected, playback stays paused")
	assert.False(t, d.playing)
	assert.Equal(t, 1.0, d.speed, "rejected message leaves speed untouched")
}

func TestDispatcherMalformedControlIgnored(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 50)
	frames := d.session.Frames()

	conn.mu.Lock()
	conn.controls = append(conn.controls, []byte("{not json"))
	conn.mu.Unlock()

	gone, err := d.tick(frames)
	require.NoError(t, err)
	assert.False(t, gone, "malformed control is dropped, not fatal")
	assert.False(t, d.playing)
}

func TestDispatcherPausesAtEnd(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 10)
	frames := d.session.Frames()

	speed := 100.0
	conn.push(ControlMessage{Action: "play", Speed: &speed})

	for i := 0; i < 20; i++ {
		_, err := d.tick(frames)
		require.NoError(t, err)
	}

	assert.False(t, d.playing, "dispatcher pauses at end of session")
	assert.Equal(t, float64(len(frames)-1), d.frameIndex)

	last, err := DecodeFrame(conn.binaries[len(conn.binaries)-1])
	require.NoError(t, err)
	assert.InDelta(t, 9*DefaultFrameInterval, last.T, 1e-9)

	// Further play requests stay clamped at the final frame.
	conn.push(ControlMessage{Action: "play"})
	sent := conn.binaryCount()
	for i := 0; i < 10; i++ {
		_, err := d.tick(frames)
		require.NoError(t, err)
	}
	assert.Equal(t, sent, conn.binaryCount())
}

func TestDispatcherDisconnect(t *testing.T) {
	t.Parallel()

	d, conn := testDispatcher(t, 10)
	frames := d.session.Frames()

	conn.mu.Lock()
	conn.gone = true
	conn.mu.Unlock()

	gone, err := d.tick(frames)
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestLateJoinerEventPair(t *testing.T) {
	t.Parallel()

	s := loadedSession(t, 20)

	runWait := func() []interface{} {
		conn := &fakeConn{}
		d := NewDispatcher(s, conn, DispatcherConfig{Clock: timeutil.NewMockClock(time.Unix(0, 0))})
		gone, err := d.waitForLoad(context.Background())
		require.NoError(t, err)
		require.False(t, gone)
		return conn.jsonEvents()
	}

	evs1 := runWait()
	evs2 := runWait()

	// Late joiners get exactly the progress/complete pair.
	require.Len(t, evs1, 2)
	prog, ok := evs1[0].(ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, "loading_progress", prog.Type)
	assert.Equal(t, 100, prog.Progress)

	comp, ok := evs1[1].(CompleteEvent)
	require.True(t, ok)
	assert.Equal(t, "loading_complete", comp.Type)
	assert.Equal(t, 20, comp.Frames)

	// Every client observes identical completion metadata.
	comp2 := evs2[1].(CompleteEvent)
	assert.Equal(t, comp.Metadata, comp2.Metadata)
}

func TestWaitForLoadProgressThenComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	st := NewStore(func(ctx context.Context, key SessionKey, progress func(int, string)) (*SessionData, error) {
		progress(30, "fetching feeds")
		<-release
		return stubData(key, 5), nil
	})
	s := st.GetOrCreate(testKey())

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	conn := &fakeConn{}
	d := NewDispatcher(s, conn, DispatcherConfig{Clock: clock})

	done := make(chan error, 1)
	go func() {
		_, err := d.waitForLoad(context.Background())
		done <- err
	}()

	// The initial progress event goes out as soon as the wait starts.
	require.Eventually(t, func() bool {
		return len(conn.jsonEvents()) >= 1
	}, 5*time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-done)

	evs := conn.jsonEvents()
	require.GreaterOrEqual(t, len(evs), 3)

	comp, ok := evs[len(evs)-1].(CompleteEvent)
	require.True(t, ok, "last event is loading_complete")
	assert.Equal(t, 5, comp.Frames)

	final, ok := evs[len(evs)-2].(ProgressEvent)
	require.True(t, ok, "completion preceded by a final progress event")
	assert.Equal(t, 100, final.Progress)
}

func TestWaitForLoadFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("adapter fell over")
	st := NewStore(func(ctx context.Context, key SessionKey, progress func(int, string)) (*SessionData, error) {
		return nil, boom
	})
	s := st.GetOrCreate(testKey())
	waitLoaded(t, s)

	conn := &fakeConn{}
	d := NewDispatcher(s, conn, DispatcherConfig{Clock: timeutil.NewMockClock(time.Unix(0, 0))})

	gone, err := d.waitForLoad(context.Background())
	require.Error(t, err)
	assert.False(t, gone)
	assert.ErrorIs(t, err, boom)

	evs := conn.jsonEvents()
	require.NotEmpty(t, evs)
	ee, ok := evs[len(evs)-1].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "loading_error", ee.Type)
	assert.Contains(t, ee.Message, "adapter fell over")
}

func TestWaitForLoadTimeout(t *testing.T) {
	t.Parallel()

	// Loader blocks forever; the dispatcher gives up at its load timeout.
	block := make(chan struct{})
	defer close(block)
	st := NewStore(func(ctx context.Context, key SessionKey, progress func(int, string)) (*SessionData, error) {
		<-block
		return nil, errors.New("never reached")
	})
	s := st.GetOrCreate(testKey())

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	conn := &fakeConn{}
	d := NewDispatcher(s, conn, DispatcherConfig{
		Clock:       clock,
		LoadTimeout: 10 * time.Second,
	})

	done := make(chan error, 1)
	go func() {
		_, err := d.waitForLoad(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(conn.jsonEvents()) >= 1
	}, 5*time.Second, time.Millisecond)

	clock.Advance(11 * time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrLoadTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("waitForLoad did not time out")
	}

	evs := conn.jsonEvents()
	ee, ok := evs[len(evs)-1].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "loading_error", ee.Type)
}

func TestRunClientVanishesDuringLoad(t *testing.T) {
	t.Parallel()

	// Loader never finishes; the client drops before the session is ready.
	block := make(chan struct{})
	defer close(block)
	st := NewStore(func(ctx context.Context, key SessionKey, progress func(int, string)) (*SessionData, error) {
		<-block
		return nil, errors.New("never reached")
	})
	s := st.GetOrCreate(testKey())

	conn := &fakeConn{gone: true}
	d := NewDispatcher(s, conn, DispatcherConfig{Clock: timeutil.NewMockClock(time.Unix(0, 0))})

	err := d.Run(context.Background())
	assert.NoError(t, err, "a disconnect while waiting for load is a clean exit")
	assert.Empty(t, conn.jsonEvents(), "no error event sent to a client that already left")
	assert.Equal(t, 0, conn.binaryCount())
}

func TestRunServesFramesEndToEnd(t *testing.T) {
	t.Parallel()

	s := loadedSession(t, 5)
	conn := &fakeConn{}
	d := NewDispatcher(s, conn, DispatcherConfig{TickRate: 200})

	conn.push(ControlMessage{Action: "play"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return conn.binaryCount() >= 5
	}, 5*time.Second, time.Millisecond, "all frames delivered")

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}
