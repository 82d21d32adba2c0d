package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/race.replay/internal/timeutil"
)

// Playback defaults. The tick rate is deliberately higher than the source
// frame rate so speed changes and seeks land within one tick of the request.
const (
	DefaultTickRate       = 60.0                   // dispatcher ticks per second
	DefaultSourceHz       = 25.0                   // frames per second of session time
	DefaultControlTimeout = 10 * time.Millisecond  // per-tick control read bound
	DefaultLoadTimeout    = 300 * time.Second      // give up waiting for a load
	DefaultStatusInterval = 2 * time.Second        // loading_progress cadence
)

// ErrLoadTimeout is returned when a session does not finish loading within
// the dispatcher's load timeout.
var ErrLoadTimeout = errors.New("session load timed out")

// ClientConn is the transport seen by a Dispatcher. The websocket adapter
// lives in the API layer; tests supply a scripted implementation.
type ClientConn interface {
	// ReadControl returns the next control message, waiting at most the
	// given bound. A timeout yields (nil, nil); any error means the client
	// is gone.
	ReadControl(timeout time.Duration) ([]byte, error)

	// WriteJSON sends one text event.
	WriteJSON(v interface{}) error

	// WriteBinary sends one binary frame message.
	WriteBinary(b []byte) error

	Close() error
}

// ControlMessage is the client-to-server control envelope.
type ControlMessage struct {
	Action string   `json:"action"` // "play", "pause" or "seek"
	Speed  *float64 `json:"speed,omitempty"`
	Frame  *float64 `json:"frame,omitempty"`
}

// DispatcherConfig tunes one client's playback loop. Zero values take the
// package defaults; Clock defaults to the real clock.
type DispatcherConfig struct {
	TickRate       float64
	SourceHz       float64
	ControlTimeout time.Duration
	LoadTimeout    time.Duration
	StatusInterval time.Duration
	Clock          timeutil.Clock
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.TickRate <= 0 {
		c.TickRate = DefaultTickRate
	}
	if c.SourceHz <= 0 {
		c.SourceHz = DefaultSourceHz
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Dispatcher drives playback for one connected client. Each client gets its
// own dispatcher with independent position, speed and play state; the shared
// session artifact is read-only underneath all of them.
type Dispatcher struct {
	id      string
	session *Session
	conn    ClientConn
	cfg     DispatcherConfig

	// Playback state, touched only by Run's goroutine.
	frameIndex float64
	speed      float64
	playing    bool
	lastSent   int
	framesSent int
}

// NewDispatcher creates a paused dispatcher positioned at frame zero.
func NewDispatcher(session *Session, conn ClientConn, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		id:       uuid.NewString(),
		session:  session,
		conn:     conn,
		cfg:      cfg.withDefaults(),
		speed:    1.0,
		lastSent: -1,
	}
}

// ID returns the dispatcher's client identifier.
func (d *Dispatcher) ID() string { return d.id }

// FramesSent returns how many binary frames have been written so far.
func (d *Dispatcher) FramesSent() int { return d.framesSent }

// Run services the client until it disconnects, the context is cancelled or
// the session load fails. A clean disconnect returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	opsf("[Dispatch] client %s: connected to %s", d.id, d.session.Key)

	gone, err := d.waitForLoad(ctx)
	if err != nil {
		return err
	}
	if gone {
		opsf("[Dispatch] client %s: disconnected while waiting for load", d.id)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	frames := d.session.Frames()
	if len(frames) == 0 {
		msg := "session has no frames"
		_ = d.conn.WriteJSON(ErrorEvent{Type: "loading_error", Message: msg})
		return fmt.Errorf("%w: %s", ErrDataQuality, msg)
	}

	ticker := d.cfg.Clock.NewTicker(time.Duration(float64(time.Second) / d.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			opsf("[Dispatch] client %s: context done after %d frames", d.id, d.framesSent)
			return ctx.Err()
		case <-ticker.C():
			gone, err := d.tick(frames)
			if gone {
				opsf("[Dispatch] client %s: disconnected after %d frames", d.id, d.framesSent)
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// tick runs one dispatch cycle: drain a pending control, advance the
// playback position, send at most one frame. Returns gone=true when the
// client has disconnected.
func (d *Dispatcher) tick(frames []Frame) (gone bool, err error) {
	raw, err := d.conn.ReadControl(d.cfg.ControlTimeout)
	if err != nil {
		return true, nil
	}
	if raw != nil {
		d.applyControl(raw, len(frames))
	}

	d.advance(len(frames))

	cur := int(math.Floor(d.frameIndex))
	if cur != d.lastSent && cur >= 0 && cur < len(frames) {
		b, err := EncodeFrame(&frames[cur])
		if err != nil {
			return false, fmt.Errorf("client %s: %w", d.id, err)
		}
		if err := d.conn.WriteBinary(b); err != nil {
			return true, nil
		}
		d.lastSent = cur
		d.framesSent++
	}
	return false, nil
}

// advance moves the playback cursor one tick's worth of session time and
// pauses at the end of the session.
func (d *Dispatcher) advance(n int) {
	if !d.playing {
		return
	}
	d.frameIndex += d.speed * (1.0 / d.cfg.TickRate) * d.cfg.SourceHz
	if d.frameIndex >= float64(n) {
		d.frameIndex = float64(n - 1)
		d.playing = false
		diagf("[Dispatch] client %s: reached end of session", d.id)
	}
}

// applyControl parses and applies one control message. Malformed messages
// and invalid values are logged and ignored; playback state is untouched.
func (d *Dispatcher) applyControl(raw []byte, n int) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		diagf("[Dispatch] client %s: bad control message: %v", d.id, err)
		return
	}

	switch msg.Action {
	case "play":
		if msg.Speed != nil {
			if *msg.Speed <= 0 {
				diagf("[Dispatch] client %s: rejecting speed %.3f", d.id, *msg.Speed)
				return
			}
			d.speed = *msg.Speed
		}
		d.playing = true
		tracef("[Dispatch] client %s: play at %.2fx", d.id, d.speed)

	case "pause":
		d.playing = false
		tracef("[Dispatch] client %s: pause at frame %.1f", d.id, d.frameIndex)

	case "seek":
		if msg.Frame == nil {
			diagf("[Dispatch] client %s: seek without frame", d.id)
			return
		}
		target := math.Floor(*msg.Frame)
		if target < 0 {
			target = 0
		}
		if target > float64(n-1) {
			target = float64(n - 1)
		}
		d.frameIndex = target
		d.lastSent = -1
		tracef("[Dispatch] client %s: seek to frame %.0f", d.id, target)

	default:
		diagf("[Dispatch] client %s: unknown action %q", d.id, msg.Action)
	}
}

// waitForLoad blocks until the session is loaded, sending loading_progress
// at the status cadence. Every client ends the wait with the same terminal
// pair: a final loading_progress then loading_complete, or a single
// loading_error. Clients that arrive after the load finished get the
// terminal pair immediately. Returns gone=true when the client disconnected
// mid-wait so Run can exit cleanly instead of inspecting a session that
// never became ready for this client.
func (d *Dispatcher) waitForLoad(ctx context.Context) (gone bool, err error) {
	start := d.cfg.Clock.Now()

	if !d.session.Loaded() && d.session.LoadErr() == nil {
		notify := make(chan struct{}, 1)
		id := d.session.RegisterProgress(func(LoadState, int, string) {
			select {
			case notify <- struct{}{}:
			default:
			}
		})
		defer d.session.UnregisterProgress(id)

		deadline := d.cfg.Clock.NewTimer(d.cfg.LoadTimeout)
		defer deadline.Stop()
		status := d.cfg.Clock.NewTicker(d.cfg.StatusInterval)
		defer status.Stop()

		if err := d.sendProgress(start); err != nil {
			return true, nil
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-deadline.C():
				msg := fmt.Sprintf("session %s did not load within %s", d.session.Key, d.cfg.LoadTimeout)
				_ = d.conn.WriteJSON(ErrorEvent{Type: "loading_error", Message: msg})
				return false, fmt.Errorf("%w: %s", ErrLoadTimeout, d.session.Key)
			case <-status.C():
				if err := d.sendProgress(start); err != nil {
					return true, nil
				}
			case <-notify:
				if d.session.Loaded() || d.session.LoadErr() != nil {
					break wait
				}
			}
		}
	}

	if err := d.session.LoadErr(); err != nil {
		_ = d.conn.WriteJSON(ErrorEvent{Type: "loading_error", Message: err.Error()})
		return false, fmt.Errorf("client %s: session load: %w", d.id, err)
	}

	// Terminal pair: 100% progress then the completion event. Late joiners
	// take this path directly, so the sequence shape is uniform.
	if err := d.sendProgress(start); err != nil {
		return true, nil
	}
	data := d.session.Data()
	complete := CompleteEvent{
		Type:            "loading_complete",
		Frames:          data.FrameCount(),
		LoadTimeSeconds: d.session.LoadTime().Seconds(),
		Metadata:        SessionMetadata(data),
	}
	if err := d.conn.WriteJSON(complete); err != nil {
		return true, nil
	}
	diagf("[Dispatch] client %s: session ready, %d frames", d.id, data.FrameCount())
	return false, nil
}

func (d *Dispatcher) sendProgress(start time.Time) error {
	ev := ProgressEvent{
		Type:           "loading_progress",
		Progress:       d.session.Progress(),
		Message:        d.session.LoadingStatus(),
		ElapsedSeconds: int(d.cfg.Clock.Since(start).Seconds()),
	}
	return d.conn.WriteJSON(ev)
}
