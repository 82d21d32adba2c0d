package replay

import (
	"math"
	"sort"
)

// Hysteresis windows for the position smoothing filter. Under caution the
// field concertinas and official positions churn quickly, so the window
// shrinks to keep the displayed order close to the tower.
const (
	DefaultHysteresisNormal  = 1.0 // seconds
	DefaultHysteresisCaution = 0.3 // seconds
)

// sortKeySink is the sentinel that sinks drivers with missing inputs to the
// bottom of their tier.
const sortKeySink = 9999

// DriverState is the per-driver input to the ordering engine for one frame.
type DriverState struct {
	Code     string
	PosRaw   int      // official sparse position, 0 when missing
	Interval *float64 // smoothed interval to car ahead, nil when missing
	Progress float64  // race progress in metres, NaN when unknown
	Lap      int
	Retired  bool
}

// sortKey is the Tier A hybrid key: official position first, smoothed
// interval second, race progress third. Progress is negated so that greater
// progress sorts earlier under ascending comparison.
type sortKey struct {
	primary   float64
	secondary float64
	tertiary  float64
}

func hybridSortKey(d DriverState) sortKey {
	k := sortKey{
		primary:   sortKeySink,
		secondary: sortKeySink,
		tertiary:  0,
	}
	if d.PosRaw > 0 {
		k.primary = float64(d.PosRaw)
	}
	if d.Interval != nil && !math.IsNaN(*d.Interval) && !math.IsInf(*d.Interval, 0) {
		k.secondary = *d.Interval
	}
	if !math.IsNaN(d.Progress) && !math.IsInf(d.Progress, 0) {
		k.tertiary = -d.Progress
	}
	return k
}

func (a sortKey) less(b sortKey) bool {
	if a.primary != b.primary {
		return a.primary < b.primary
	}
	if a.secondary != b.secondary {
		return a.secondary < b.secondary
	}
	return a.tertiary < b.tertiary
}

// progressOnlyKey orders by race progress alone. Used when stream-timing
// position coverage is too poor to trust pos_raw.
func progressOnlyKey(d DriverState) sortKey {
	k := sortKey{tertiary: 0}
	if !math.IsNaN(d.Progress) && !math.IsInf(d.Progress, 0) {
		k.tertiary = -d.Progress
	}
	return k
}

// PositionSmoothing is the Tier B temporal hysteresis filter. A candidate
// order replaces the accepted order only once at least H seconds have passed
// since the accepted order last changed, preventing frame-to-frame flicker
// from noisy inputs.
type PositionSmoothing struct {
	WindowNormal  float64
	WindowCaution float64

	accepted   []string
	lastChange float64
}

// NewPositionSmoothing returns a filter with the given windows; zero values
// fall back to the defaults.
func NewPositionSmoothing(normal, caution float64) *PositionSmoothing {
	if normal <= 0 {
		normal = DefaultHysteresisNormal
	}
	if caution <= 0 {
		caution = DefaultHysteresisCaution
	}
	return &PositionSmoothing{WindowNormal: normal, WindowCaution: caution}
}

// Apply feeds one candidate order at time t and returns the order to emit.
// Membership changes (a driver entering or leaving the active set) bypass
// the hysteresis entirely: hysteresis exists to suppress swap flicker, not
// to delay entries and retirements.
func (ps *PositionSmoothing) Apply(candidate []string, t float64, status TrackStatus) []string {
	if ps.accepted == nil || !sameMembers(ps.accepted, candidate) {
		ps.accepted = append([]string(nil), candidate...)
		ps.lastChange = t
		return ps.accepted
	}

	if equalOrder(ps.accepted, candidate) {
		return ps.accepted
	}

	window := ps.WindowNormal
	if status.IsCaution() {
		window = ps.WindowCaution
	}

	if t-ps.lastChange >= window {
		ps.accepted = append([]string(nil), candidate...)
		ps.lastChange = t
	}
	return ps.accepted
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// applyLapAnchors overlays official lap-start positions (Tier C) onto an
// order. Anchored drivers land on their official slot; collisions resolve in
// favour of the lower official number, displacing the loser into the
// winner's pre-overlay slot; everyone else keeps relative order across the
// remaining slots.
func applyLapAnchors(order []string, lapByCode map[string]int, boundaries map[string]map[int]int) []string {
	n := len(order)
	if n == 0 || len(boundaries) == 0 {
		return order
	}

	type anchor struct {
		code   string
		slot   int
		preIdx int
	}

	preIdx := make(map[string]int, n)
	for i, code := range order {
		preIdx[code] = i
	}

	var anchors []anchor
	for i, code := range order {
		perLap, ok := boundaries[code]
		if !ok {
			continue
		}
		slot, ok := perLap[lapByCode[code]]
		if !ok || slot < 1 {
			continue
		}
		if slot > n {
			slot = n
		}
		anchors = append(anchors, anchor{code: code, slot: slot, preIdx: i})
	}
	if len(anchors) == 0 {
		return order
	}

	sort.Slice(anchors, func(i, j int) bool {
		if anchors[i].slot != anchors[j].slot {
			return anchors[i].slot < anchors[j].slot
		}
		return anchors[i].preIdx < anchors[j].preIdx
	})

	result := make([]string, n)
	placed := make(map[string]bool, len(anchors))

	place := func(code string, idx int) {
		// Walk forward to the next free slot if the preferred one is taken.
		for {
			if idx >= n {
				idx = 0
			}
			if result[idx] == "" {
				result[idx] = code
				return
			}
			idx++
		}
	}

	for _, a := range anchors {
		idx := a.slot - 1
		if result[idx] == "" {
			result[idx] = a.code
		} else {
			// Two anchors claim the same slot; the earlier (lower-numbered)
			// one won it, so this one falls back to the winner's pre-overlay
			// position.
			winner := result[idx]
			place(a.code, preIdx[winner])
		}
		placed[a.code] = true
	}

	j := 0
	for _, code := range order {
		if placed[code] {
			continue
		}
		for j < n && result[j] != "" {
			j++
		}
		if j >= n {
			break
		}
		result[j] = code
	}

	return result
}

// PositionEngine finalises per-frame driver ordering. Tier A produces the
// candidate, Tier B smooths it over time, Tier C overrides with lap-boundary
// anchors. Retired drivers sink to the tail in retirement order and stay
// frozen there for the remainder of the session.
type PositionEngine struct {
	smoothing    *PositionSmoothing
	boundaries   map[string]map[int]int
	progressOnly bool

	retiredOrder []string
	retiredSet   map[string]bool
}

// NewPositionEngine creates an engine. boundaries maps driver code to
// lap-number to official position at lap start; progressOnly disables
// reliance on pos_raw (used under poor timing coverage).
func NewPositionEngine(boundaries map[string]map[int]int, progressOnly bool, normalWindow, cautionWindow float64) *PositionEngine {
	return &PositionEngine{
		smoothing:    NewPositionSmoothing(normalWindow, cautionWindow),
		boundaries:   boundaries,
		progressOnly: progressOnly,
		retiredSet:   make(map[string]bool),
	}
}

// ProgressOnly reports whether the engine is ignoring official positions.
func (e *PositionEngine) ProgressOnly() bool { return e.progressOnly }

// Order returns the finalised ordering (leader first, retired drivers at the
// tail) for one frame at time t.
func (e *PositionEngine) Order(t float64, status TrackStatus, drivers []DriverState) []string {
	active := make([]DriverState, 0, len(drivers))
	lapByCode := make(map[string]int, len(drivers))

	for _, d := range drivers {
		lapByCode[d.Code] = d.Lap
		if d.Retired && !e.retiredSet[d.Code] {
			e.retiredSet[d.Code] = true
			e.retiredOrder = append(e.retiredOrder, d.Code)
			diagf("[Positions] Driver %s retired at t=%.2f (P%d frozen)", d.Code, t, len(drivers)-len(e.retiredOrder)+1)
		}
		if !e.retiredSet[d.Code] {
			active = append(active, d)
		}
	}

	keyFn := hybridSortKey
	if e.progressOnly {
		keyFn = progressOnlyKey
	}

	sort.SliceStable(active, func(i, j int) bool {
		return keyFn(active[i]).less(keyFn(active[j]))
	})

	candidate := make([]string, len(active))
	for i, d := range active {
		candidate[i] = d.Code
	}

	smoothed := e.smoothing.Apply(candidate, t, status)
	anchored := applyLapAnchors(smoothed, lapByCode, e.boundaries)

	out := make([]string, 0, len(anchored)+len(e.retiredOrder))
	out = append(out, anchored...)
	present := make(map[string]bool, len(drivers))
	for _, d := range drivers {
		present[d.Code] = true
	}
	for _, code := range e.retiredOrder {
		if present[code] {
			out = append(out, code)
		}
	}
	return out
}
