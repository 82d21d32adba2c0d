// Package replay builds and serves race-replay frame sequences.
//
// The package owns the session pipeline: the one-shot build of an immutable,
// random-access frame sequence from the raw timing/position/lap feeds, the
// position-ordering engine, and the concurrent session lifecycle shared by
// all connected clients.
package replay

import (
	"fmt"
	"time"
)

// SessionType identifies the kind of session within a race weekend.
type SessionType string

const (
	SessionRace   SessionType = "R"
	SessionSprint SessionType = "S"
	SessionQuali  SessionType = "Q"
	SessionFP1    SessionType = "FP1"
	SessionFP2    SessionType = "FP2"
	SessionFP3    SessionType = "FP3"
)

// ValidSessionType reports whether s is a recognised session type.
func ValidSessionType(s SessionType) bool {
	switch s {
	case SessionRace, SessionSprint, SessionQuali, SessionFP1, SessionFP2, SessionFP3:
		return true
	}
	return false
}

// SessionKey identifies one motorsport session. It is the identity basis for
// the store registry and both cache tiers.
type SessionKey struct {
	Year  int         `json:"year" cbor:"year"`
	Round int         `json:"round" cbor:"round"`
	Type  SessionType `json:"session_type" cbor:"session_type"`
}

// String renders the key in the canonical <year>_<round>_<type> form used
// for cache file names and log tags.
func (k SessionKey) String() string {
	return fmt.Sprintf("%d_%d_%s", k.Year, k.Round, k.Type)
}

// TrackStatus is the wire-encoded track condition. Single-digit codes follow
// the upstream timing feed.
type TrackStatus string

const (
	StatusGreen     TrackStatus = "1"
	StatusYellow    TrackStatus = "2"
	StatusSC        TrackStatus = "4"
	StatusRed       TrackStatus = "5"
	StatusVSC       TrackStatus = "6"
	StatusVSCEnd    TrackStatus = "7"
	StatusChequered TrackStatus = "8"
)

// IsCaution reports whether the status shortens the position-smoothing
// hysteresis window (SC, red flag, VSC and VSC-ending phases).
func (ts TrackStatus) IsCaution() bool {
	switch ts {
	case StatusSC, StatusRed, StatusVSC, StatusVSCEnd:
		return true
	}
	return false
}

// DriverStatus describes one driver's participation state in a frame.
type DriverStatus string

const (
	DriverRunning  DriverStatus = "running"
	DriverPit      DriverStatus = "pit"
	DriverRetired  DriverStatus = "retired"
	DriverFinished DriverStatus = "finished"
)

// DriverSample is one driver's state at a single frame instant.
type DriverSample struct {
	X           float64      `cbor:"x"`
	Y           float64      `cbor:"y"`
	Speed       float64      `cbor:"speed"` // km/h
	Dist        float64      `cbor:"dist"`  // race progress, metres
	Position    int          `cbor:"position"`
	PosRaw      int          `cbor:"pos_raw"` // official sparse position, 0 when missing
	Interval    *float64     `cbor:"interval"` // smoothed gap to car ahead, seconds
	GapToLeader *float64     `cbor:"gap"`      // seconds
	Lap         int          `cbor:"lap"`
	Status      DriverStatus `cbor:"status"`
}

// Frame is one time sample over the whole field, produced on a uniform
// 40 ms grid. Frames are immutable once the session is built.
type Frame struct {
	T           float64                 `cbor:"t"` // seconds from session start
	Lap         int                     `cbor:"lap"`
	TrackStatus TrackStatus             `cbor:"track_status"`
	Drivers     map[string]DriverSample `cbor:"drivers"`
}

// TrackStatusChange records one transition in the track-status timeline.
type TrackStatusChange struct {
	T       float64     `json:"t" cbor:"t"`
	Status  TrackStatus `json:"status" cbor:"status"`
	Message string      `json:"message,omitempty" cbor:"message,omitempty"`
}

// Point2 is a track-local coordinate in metres.
type Point2 struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// RGB is a driver colour as used by the visualisation clients.
type RGB [3]uint8

// SessionData is the immutable artifact produced by the frame builder. It is
// what the cache layer persists: everything except the lifecycle flags.
type SessionData struct {
	Key           SessionKey            `cbor:"key"`
	Frames        []Frame               `cbor:"frames"`
	TotalLaps     int                   `cbor:"total_laps"`
	TrackGeometry []Point2              `cbor:"track_geometry"`
	DriverColors  map[string]RGB        `cbor:"driver_colors"`
	DriverNumbers map[string]int        `cbor:"driver_numbers"`
	DriverTeams   map[string]string     `cbor:"driver_teams"`
	TrackStatuses []TrackStatusChange   `cbor:"track_statuses"`
	RaceStartTime time.Time             `cbor:"race_start_time"`
	LapBoundaries map[string]map[int]int `cbor:"lap_boundaries"`

	// LowTimingCoverage is set when the stream-timing position coverage fell
	// below the configured threshold and the position engine ran in
	// progress-only mode.
	LowTimingCoverage bool `cbor:"low_timing_coverage"`
}

// FrameCount returns the number of frames in the artifact.
func (d *SessionData) FrameCount() int {
	if d == nil {
		return 0
	}
	return len(d.Frames)
}
