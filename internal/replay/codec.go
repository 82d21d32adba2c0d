package replay

import (
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// One frame, one self-describing binary message. The wire form is map-based
// with single-letter keys so clients decode without a schema; coordinates,
// speeds and gaps travel as IEEE-754 float32, counters and status codes as
// small integers, and missing gaps stay null rather than being dropped.

// Driver participation states on the wire.
const (
	wireDriverRunning  = 0
	wireDriverPit      = 1
	wireDriverRetired  = 2
	wireDriverFinished = 3
)

type wireDriver struct {
	X        float32  `cbor:"x"`
	Y        float32  `cbor:"y"`
	Speed    float32  `cbor:"v"`
	Dist     float32  `cbor:"d"`
	Position int      `cbor:"p"`
	Gap      *float32 `cbor:"g"`
	Interval *float32 `cbor:"i"`
	Lap      int      `cbor:"l"`
	Status   int      `cbor:"s"`
}

type wireFrame struct {
	T           float64               `cbor:"t"`
	Lap         int                   `cbor:"l"`
	TrackStatus int                   `cbor:"s"`
	Drivers     map[string]wireDriver `cbor:"d"`
}

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("replay: frame codec enc mode: %v", err))
	}
	frameEncMode = em

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("replay: frame codec dec mode: %v", err))
	}
	frameDecMode = dm
}

// EncodeFrame serialises one frame to its binary wire form.
func EncodeFrame(f *Frame) ([]byte, error) {
	wf := wireFrame{
		T:           f.T,
		Lap:         f.Lap,
		TrackStatus: trackStatusCode(f.TrackStatus),
		Drivers:     make(map[string]wireDriver, len(f.Drivers)),
	}
	for code, d := range f.Drivers {
		wf.Drivers[code] = wireDriver{
			X:        float32(d.X),
			Y:        float32(d.Y),
			Speed:    float32(d.Speed),
			Dist:     float32(d.Dist),
			Position: d.Position,
			Gap:      f32ptr(d.GapToLeader),
			Interval: f32ptr(d.Interval),
			Lap:      d.Lap,
			Status:   driverStatusCode(d.Status),
		}
	}

	b, err := frameEncMode.Marshal(&wf)
	if err != nil {
		return nil, fmt.Errorf("encode frame t=%.3f: %w", f.T, err)
	}
	return b, nil
}

// DecodeFrame parses a binary frame message. Floats carry float32 precision;
// integers and nulls round-trip exactly.
func DecodeFrame(b []byte) (*Frame, error) {
	var wf wireFrame
	if err := frameDecMode.Unmarshal(b, &wf); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	f := &Frame{
		T:           wf.T,
		Lap:         wf.Lap,
		TrackStatus: trackStatusFromCode(wf.TrackStatus),
		Drivers:     make(map[string]DriverSample, len(wf.Drivers)),
	}
	for code, d := range wf.Drivers {
		f.Drivers[code] = DriverSample{
			X:           float64(d.X),
			Y:           float64(d.Y),
			Speed:       float64(d.Speed),
			Dist:        float64(d.Dist),
			Position:    d.Position,
			GapToLeader: f64ptr(d.Gap),
			Interval:    f64ptr(d.Interval),
			Lap:         d.Lap,
			Status:      driverStatusFromCode(d.Status),
		}
	}
	return f, nil
}

// trackStatusCode maps the single-digit feed status to its numeric wire
// form. Unknown statuses encode as 0.
func trackStatusCode(ts TrackStatus) int {
	n, err := strconv.Atoi(string(ts))
	if err != nil {
		return 0
	}
	return n
}

func trackStatusFromCode(n int) TrackStatus {
	return TrackStatus(strconv.Itoa(n))
}

func driverStatusCode(s DriverStatus) int {
	switch s {
	case DriverPit:
		return wireDriverPit
	case DriverRetired:
		return wireDriverRetired
	case DriverFinished:
		return wireDriverFinished
	default:
		return wireDriverRunning
	}
}

func driverStatusFromCode(n int) DriverStatus {
	switch n {
	case wireDriverPit:
		return DriverPit
	case wireDriverRetired:
		return DriverRetired
	case wireDriverFinished:
		return DriverFinished
	default:
		return DriverRunning
	}
}

func f32ptr(v *float64) *float32 {
	if v == nil {
		return nil
	}
	f := float32(*v)
	return &f
}

func f64ptr(v *float32) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}
