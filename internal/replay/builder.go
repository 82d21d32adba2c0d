package replay

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Builder defaults. The 40 ms grid matches the upstream GPS cadence; the
// speed cap guards against interpolation spikes across data gaps.
const (
	DefaultFrameInterval     = 0.04  // seconds, 25 Hz
	DefaultSpeedCapKPH       = 400.0 // km/h
	DefaultCoverageThreshold = 0.8
)

// BuilderConfig tunes the frame builder. Zero values fall back to defaults.
type BuilderConfig struct {
	FrameInterval     float64
	SpeedCapKPH       float64
	SmoothingWindow   int
	CoverageThreshold float64
	HysteresisNormal  float64
	HysteresisCaution float64

	// Progress, when non-nil, receives build progress in [0,100] with a
	// human-readable stage message. Invoked from the building goroutine.
	Progress func(pct int, msg string)
}

func (c BuilderConfig) withDefaults() BuilderConfig {
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.SpeedCapKPH <= 0 {
		c.SpeedCapKPH = DefaultSpeedCapKPH
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = smoothWindow
	}
	if c.CoverageThreshold <= 0 {
		c.CoverageThreshold = DefaultCoverageThreshold
	}
	return c
}

func (c BuilderConfig) report(pct int, msg string) {
	if c.Progress != nil {
		c.Progress(pct, msg)
	}
}

// driverTrack is a driver's telemetry resampled onto the uniform grid.
type driverTrack struct {
	code      string
	firstIdx  int // first grid index with data; absent from frames before it
	frozenIdx int // grid index after the last real sample; position frozen from here
	retired   bool
	x, y      []float64
	speed     []float64 // km/h
	dist      []float64 // metres, cumulative
}

// BuildSession fetches the four raw feeds for key and fuses them into the
// immutable frame sequence. This is the expensive one-shot path behind the
// cache; everything downstream treats the result as read-only.
func BuildSession(ctx context.Context, src SessionSource, key SessionKey, cfg BuilderConfig) (*SessionData, error) {
	cfg = cfg.withDefaults()

	cfg.report(2, "Fetching stream timing")
	stream, err := src.StreamTiming(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: stream timing for %s: %v", ErrAdapter, key, err)
	}

	cfg.report(8, "Fetching track status")
	statuses, err := src.TrackStatus(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: track status for %s: %v", ErrAdapter, key, err)
	}

	cfg.report(12, "Fetching lap timing")
	laps, err := src.LapTiming(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: lap timing for %s: %v", ErrAdapter, key, err)
	}

	cfg.report(18, "Fetching position data")
	positions, err := src.PositionData(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: position data for %s: %v", ErrAdapter, key, err)
	}

	cfg.report(24, "Fetching session metadata")
	meta, err := src.Meta(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata for %s: %v", ErrAdapter, key, err)
	}

	return buildFrames(ctx, key, stream, statuses, laps, positions, meta, cfg)
}

// buildFrames is the pure fusion step, separated from fetching so tests can
// feed it rows directly.
func buildFrames(ctx context.Context, key SessionKey, stream []StreamTimingRow, statuses []TrackStatusChange,
	laps []LapTimingRow, positions map[string][]PositionSample, meta SessionMeta, cfg BuilderConfig) (*SessionData, error) {

	cfg = cfg.withDefaults()

	totalSamples := 0
	for _, s := range positions {
		totalSamples += len(s)
	}
	if totalSamples == 0 {
		return nil, fmt.Errorf("%w: no position data for %s", ErrDataQuality, key)
	}
	if len(stream) == 0 {
		return nil, fmt.Errorf("%w: no stream timing for %s", ErrDataQuality, key)
	}

	coverage := timingCoverage(stream)
	progressOnly := coverage < cfg.CoverageThreshold
	if progressOnly {
		opsf("[Builder] %s: stream timing position coverage %.2f below %.2f, ordering falls back to race progress",
			key, coverage, cfg.CoverageThreshold)
	}

	// Time base: session start is the earliest valid GPS sample, the grid
	// ends at the latest sample of the last running driver.
	t0 := math.Inf(1)
	tEnd := math.Inf(-1)
	for _, samples := range positions {
		if len(samples) == 0 {
			continue
		}
		if samples[0].T < t0 {
			t0 = samples[0].T
		}
		if last := samples[len(samples)-1].T; last > tEnd {
			tEnd = last
		}
	}
	if math.IsInf(t0, 1) || tEnd <= t0 {
		return nil, fmt.Errorf("%w: degenerate position timeline for %s", ErrDataQuality, key)
	}

	dt := cfg.FrameInterval
	n := int((tEnd-t0)/dt) + 1

	cfg.report(30, "Resampling driver telemetry")

	tracks := make(map[string]*driverTrack, len(positions))
	codes := make([]string, 0, len(positions))
	for code, samples := range positions {
		if len(samples) == 0 {
			// Tolerated: the driver is simply absent from all frames.
			diagf("[Builder] %s: driver %s has no GPS samples, skipping", key, code)
			continue
		}
		tracks[code] = resampleDriver(code, samples, t0, dt, n, cfg.SpeedCapKPH, meta.Retired[code])
		codes = append(codes, code)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no usable driver telemetry for %s", ErrDataQuality, key)
	}
	sort.Strings(codes)

	cfg.report(38, "Smoothing interval series")
	smoothIntervals(stream, cfg.SmoothingWindow)

	// Per-driver stream-timing cursors for the as-of join. Rows are sorted
	// globally by time; split per driver keeping order.
	streamByDriver := make(map[string][]StreamTimingRow)
	for _, r := range stream {
		streamByDriver[r.Driver] = append(streamByDriver[r.Driver], r)
	}

	lapsByDriver := make(map[string][]LapTimingRow)
	boundaries := make(map[string]map[int]int)
	for _, r := range laps {
		lapsByDriver[r.Driver] = append(lapsByDriver[r.Driver], r)
		if r.Position > 0 {
			if boundaries[r.Driver] == nil {
				boundaries[r.Driver] = make(map[int]int)
			}
			boundaries[r.Driver][r.Lap] = r.Position
		}
	}
	for _, rows := range lapsByDriver {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].StartTime < rows[j].StartTime })
	}

	// Rebase the status timeline onto the session clock.
	statusTimeline := make([]TrackStatusChange, 0, len(statuses))
	for _, s := range statuses {
		statusTimeline = append(statusTimeline, TrackStatusChange{T: s.T - t0, Status: s.Status, Message: s.Message})
	}
	sort.SliceStable(statusTimeline, func(i, j int) bool { return statusTimeline[i].T < statusTimeline[j].T })

	engine := NewPositionEngine(boundaries, progressOnly, cfg.HysteresisNormal, cfg.HysteresisCaution)

	streamCursor := make(map[string]int, len(codes))
	lapCursor := make(map[string]int, len(codes))
	statusCursor := 0

	cfg.report(42, "Fusing frames")

	frames := make([]Frame, 0, n)
	states := make([]DriverState, 0, len(codes))
	lastReported := -1

	for i := 0; i < n; i++ {
		if i%25000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		t := float64(i) * dt
		abs := t0 + t

		trackStatus := StatusGreen
		for statusCursor < len(statusTimeline) && statusTimeline[statusCursor].T <= t {
			statusCursor++
		}
		if statusCursor > 0 {
			trackStatus = statusTimeline[statusCursor-1].Status
		}

		states = states[:0]
		for _, code := range codes {
			tr := tracks[code]
			if i < tr.firstIdx {
				continue // not yet on track
			}

			// As-of lookups: most recent row at or before abs, never ahead.
			rows := streamByDriver[code]
			ci := streamCursor[code]
			for ci < len(rows) && rows[ci].T <= abs {
				ci++
			}
			streamCursor[code] = ci

			lrows := lapsByDriver[code]
			li := lapCursor[code]
			for li < len(lrows) && lrows[li].StartTime <= abs {
				li++
			}
			lapCursor[code] = li

			lap := 1
			if li > 0 {
				lap = lrows[li-1].Lap
			}

			states = append(states, DriverState{
				Code:     code,
				Progress: tr.dist[i],
				Lap:      lap,
				Retired:  tr.retired && i >= tr.frozenIdx,
			})
			st := &states[len(states)-1]
			if ci > 0 {
				row := rows[ci-1]
				st.PosRaw = row.Position
				st.Interval = row.Interval
			}
		}

		order := engine.Order(t, trackStatus, states)
		rank := make(map[string]int, len(order))
		for r, code := range order {
			rank[code] = r + 1
		}

		drivers := make(map[string]DriverSample, len(states))
		for _, st := range states {
			tr := tracks[st.Code]

			var gap *float64
			var interval *float64
			rows := streamByDriver[st.Code]
			if ci := streamCursor[st.Code]; ci > 0 {
				gap = rows[ci-1].GapToLeader
				interval = rows[ci-1].Interval
			}

			status := DriverRunning
			switch {
			case st.Retired:
				status = DriverRetired
			case trackStatus == StatusChequered && meta.TotalLaps > 0 && st.Lap >= meta.TotalLaps:
				status = DriverFinished
			case streamCursor[st.Code] > 0 && rows[streamCursor[st.Code]-1].InPit:
				status = DriverPit
			}

			drivers[st.Code] = DriverSample{
				X:           tr.x[i],
				Y:           tr.y[i],
				Speed:       tr.speed[i],
				Dist:        tr.dist[i],
				Position:    rank[st.Code],
				PosRaw:      st.PosRaw,
				Interval:    interval,
				GapToLeader: gap,
				Lap:         st.Lap,
				Status:      status,
			}
		}

		leaderLap := 0
		if len(order) > 0 {
			leaderLap = drivers[order[0]].Lap
		}

		frames = append(frames, Frame{
			T:           t,
			Lap:         leaderLap,
			TrackStatus: trackStatus,
			Drivers:     drivers,
		})

		if pct := 42 + (i*53)/n; pct != lastReported && pct%5 == 0 {
			lastReported = pct
			cfg.report(pct, fmt.Sprintf("Building frames %d/%d", i+1, n))
		}
	}

	cfg.report(97, "Finalising session")

	raceStart := meta.RaceStartTime
	data := &SessionData{
		Key:               key,
		Frames:            frames,
		TotalLaps:         meta.TotalLaps,
		TrackGeometry:     meta.TrackGeometry,
		DriverColors:      meta.DriverColors,
		DriverNumbers:     meta.DriverNumbers,
		DriverTeams:       meta.DriverTeams,
		TrackStatuses:     statusTimeline,
		RaceStartTime:     raceStart,
		LapBoundaries:     boundaries,
		LowTimingCoverage: progressOnly,
	}

	diagf("[Builder] %s: built %d frames over %.1fs, %d drivers, coverage=%.2f",
		key, len(frames), float64(n)*dt, len(tracks), coverage)
	cfg.report(100, "Session ready")
	return data, nil
}

// timingCoverage returns the fraction of stream-timing rows carrying a
// non-null official position.
func timingCoverage(rows []StreamTimingRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	withPos := 0
	for _, r := range rows {
		if r.Position > 0 {
			withPos++
		}
	}
	return float64(withPos) / float64(len(rows))
}

// resampleDriver interpolates a driver's GPS samples onto the uniform grid
// and derives speed and cumulative race progress. Samples before the
// driver's first fix leave the driver off-track; after the last fix the
// position freezes at the final known coordinates.
func resampleDriver(code string, samples []PositionSample, t0, dt float64, n int, speedCap float64, retired bool) *driverTrack {
	tr := &driverTrack{
		code:  code,
		x:     make([]float64, n),
		y:     make([]float64, n),
		speed: make([]float64, n),
		dist:  make([]float64, n),
	}

	for _, s := range samples {
		if s.Status == "Retired" {
			retired = true
			break
		}
	}
	tr.retired = retired

	first := samples[0].T
	last := samples[len(samples)-1].T

	tr.firstIdx = int(math.Ceil((first - t0) / dt))
	if tr.firstIdx < 0 {
		tr.firstIdx = 0
	}
	if tr.firstIdx > n {
		tr.firstIdx = n
	}
	tr.frozenIdx = int((last-t0)/dt) + 1
	if tr.frozenIdx > n {
		tr.frozenIdx = n
	}

	si := 0
	for i := tr.firstIdx; i < n; i++ {
		abs := t0 + float64(i)*dt

		if abs >= last {
			tr.x[i] = samples[len(samples)-1].X
			tr.y[i] = samples[len(samples)-1].Y
			continue
		}

		for si < len(samples)-1 && samples[si+1].T <= abs {
			si++
		}

		a, b := samples[si], samples[si+1]
		span := b.T - a.T
		frac := 0.0
		if span > 0 {
			frac = (abs - a.T) / span
		}
		tr.x[i] = a.X + (b.X-a.X)*frac
		tr.y[i] = a.Y + (b.Y-a.Y)*frac
	}

	// Speed from coordinate first-differences, clamped; distance as the
	// trapezoidal integral of speed, zeroed at the driver's grid origin.
	for i := tr.firstIdx + 1; i < n; i++ {
		dx := tr.x[i] - tr.x[i-1]
		dy := tr.y[i] - tr.y[i-1]
		v := math.Hypot(dx, dy) / dt * 3.6
		if v < 0 {
			v = 0
		}
		if v > speedCap {
			v = speedCap
		}
		tr.speed[i] = v
		tr.dist[i] = tr.dist[i-1] + (tr.speed[i-1]+tr.speed[i])/2/3.6*dt
	}

	return tr
}
