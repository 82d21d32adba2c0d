package replay

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() SessionKey {
	return SessionKey{Year: 2024, Round: 1, Type: SessionRace}
}

func smallSyntheticSource() *SyntheticSource {
	return &SyntheticSource{
		Drivers:    []string{"ALP", "BRA", "CED", "DUN"},
		Laps:       2,
		LapSeconds: 30,
		Radius:     400,
	}
}

// linearSamples produces GPS fixes for a car moving along +x at constant
// speed, one fix every 0.2s.
func linearSamples(start, end, offset, mps float64) []PositionSample {
	var out []PositionSample
	for t := start; t <= end; t += 0.2 {
		out = append(out, PositionSample{T: t, X: offset + mps*(t-start), Y: 0, Status: "OnTrack"})
	}
	return out
}

func constantStream(drivers []string, end float64) []StreamTimingRow {
	var rows []StreamTimingRow
	for t := 0.0; t <= end; t += 0.24 {
		for i, d := range drivers {
			rows = append(rows, StreamTimingRow{T: t, Driver: d, Position: i + 1, Interval: fptr(float64(i))})
		}
	}
	return rows
}

func TestBuildSessionSynthetic(t *testing.T) {
	t.Parallel()

	src := smallSyntheticSource()
	data, err := BuildSession(context.Background(), src, testKey(), BuilderConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, data.Frames)

	assert.Equal(t, testKey(), data.Key)
	assert.Equal(t, src.Laps, data.TotalLaps)
	assert.False(t, data.LowTimingCoverage)
	assert.NotEmpty(t, data.TrackGeometry)
	assert.Len(t, data.DriverColors, len(src.Drivers))

	// Uniform 40ms grid.
	for i := 1; i < len(data.Frames); i++ {
		dt := data.Frames[i].T - data.Frames[i-1].T
		assert.InDelta(t, DefaultFrameInterval, dt, 1e-6, "frame %d spacing", i)
	}

	// Positions are a permutation of 1..K in every frame, speeds stay inside
	// the cap, and distance never decreases while running.
	prevDist := make(map[string]float64)
	for i, f := range data.Frames {
		seen := make([]int, 0, len(f.Drivers))
		for code, d := range f.Drivers {
			seen = append(seen, d.Position)
			assert.GreaterOrEqual(t, d.Speed, 0.0)
			assert.LessOrEqual(t, d.Speed, DefaultSpeedCapKPH)
			if d.Status != DriverRetired {
				assert.GreaterOrEqual(t, d.Dist, prevDist[code], "frame %d driver %s", i, code)
			}
			prevDist[code] = d.Dist
		}
		sort.Ints(seen)
		for j, p := range seen {
			require.Equal(t, j+1, p, "frame %d positions are not a permutation", i)
		}
	}
}

func TestBuildProgressMonotonic(t *testing.T) {
	t.Parallel()

	var pcts []int
	cfg := BuilderConfig{Progress: func(pct int, msg string) {
		pcts = append(pcts, pct)
		assert.NotEmpty(t, msg)
	}}
	_, err := BuildSession(context.Background(), smallSyntheticSource(), testKey(), cfg)
	require.NoError(t, err)

	require.NotEmpty(t, pcts)
	for i := 1; i < len(pcts); i++ {
		assert.GreaterOrEqual(t, pcts[i], pcts[i-1])
	}
	assert.Equal(t, 100, pcts[len(pcts)-1])
}

func TestBuildFailsOnEmptyPositions(t *testing.T) {
	t.Parallel()

	stream := constantStream([]string{"ALP"}, 10)
	_, err := buildFrames(context.Background(), testKey(), stream, nil, nil,
		map[string][]PositionSample{}, SessionMeta{}, BuilderConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataQuality)
}

func TestBuildFailsOnEmptyStream(t *testing.T) {
	t.Parallel()

	positions := map[string][]PositionSample{
		"ALP": linearSamples(0, 10, 0, 50),
	}
	_, err := buildFrames(context.Background(), testKey(), nil, nil, nil,
		positions, SessionMeta{}, BuilderConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataQuality)
}

func TestBuildCoverageFallback(t *testing.T) {
	t.Parallel()

	// Stream rows exist but none carry an official position: coverage is 0,
	// below any sane threshold, so ordering falls back to race progress.
	var stream []StreamTimingRow
	for t := 0.0; t <= 10; t += 0.24 {
		stream = append(stream,
			StreamTimingRow{T: t, Driver: "ALP", Position: 0},
			StreamTimingRow{T: t, Driver: "BRA", Position: 0},
		)
	}
	positions := map[string][]PositionSample{
		"ALP": linearSamples(0, 10, 0, 60), // faster, more progress
		"BRA": linearSamples(0, 10, 0, 50),
	}

	data, err := buildFrames(context.Background(), testKey(), stream, nil, nil,
		positions, SessionMeta{}, BuilderConfig{})
	require.NoError(t, err)
	assert.True(t, data.LowTimingCoverage)

	last := data.Frames[len(data.Frames)-1]
	assert.Equal(t, 1, last.Drivers["ALP"].Position)
	assert.Equal(t, 2, last.Drivers["BRA"].Position)
}

func TestBuildNotYetOnTrack(t *testing.T) {
	t.Parallel()

	positions := map[string][]PositionSample{
		"ALP": linearSamples(0, 10, 0, 50),
		"BRA": linearSamples(5, 10, 0, 50), // joins 5s in
	}
	stream := constantStream([]string{"ALP", "BRA"}, 10)

	data, err := buildFrames(context.Background(), testKey(), stream, nil, nil,
		positions, SessionMeta{}, BuilderConfig{})
	require.NoError(t, err)

	_, ok := data.Frames[0].Drivers["BRA"]
	assert.False(t, ok, "driver absent before first GPS sample")
	_, ok = data.Frames[0].Drivers["ALP"]
	assert.True(t, ok)

	last := data.Frames[len(data.Frames)-1]
	_, ok = last.Drivers["BRA"]
	assert.True(t, ok, "driver present after joining")
}

func TestBuildRetirementFreeze(t *testing.T) {
	t.Parallel()

	// BRA stops producing fixes at t=5 and is flagged retired; its position
	// freezes at the final coordinates and its status flips to retired.
	braSamples := linearSamples(0, 5, 0, 50)
	braSamples[len(braSamples)-1].Status = "Retired"

	positions := map[string][]PositionSample{
		"ALP": linearSamples(0, 10, 0, 50),
		"BRA": braSamples,
	}
	stream := constantStream([]string{"ALP", "BRA"}, 10)

	data, err := buildFrames(context.Background(), testKey(), stream, nil, nil,
		positions, SessionMeta{}, BuilderConfig{})
	require.NoError(t, err)

	last := data.Frames[len(data.Frames)-1]
	bra, ok := last.Drivers["BRA"]
	require.True(t, ok, "retired driver still appears in frames")
	assert.Equal(t, DriverRetired, bra.Status)

	frozen := braSamples[len(braSamples)-1]
	assert.InDelta(t, frozen.X, bra.X, 1e-9)
	assert.InDelta(t, frozen.Y, bra.Y, 1e-9)

	// Retired driver sits behind the running one.
	assert.Less(t, last.Drivers["ALP"].Position, bra.Position)
}

func TestBuildSpeedCap(t *testing.T) {
	t.Parallel()

	// A teleporting sample would imply an absurd speed; the cap holds it.
	samples := []PositionSample{
		{T: 0, X: 0, Y: 0, Status: "OnTrack"},
		{T: 0.2, X: 10, Y: 0, Status: "OnTrack"},
		{T: 0.4, X: 10000, Y: 0, Status: "OnTrack"},
		{T: 0.6, X: 10010, Y: 0, Status: "OnTrack"},
	}
	tr := resampleDriver("ALP", samples, 0, DefaultFrameInterval, 16, DefaultSpeedCapKPH, false)

	for i, v := range tr.speed {
		assert.LessOrEqual(t, v, DefaultSpeedCapKPH, "grid index %d", i)
		assert.False(t, math.IsNaN(v))
	}
}

func TestTimingCoverage(t *testing.T) {
	t.Parallel()

	rows := []StreamTimingRow{
		{Position: 1}, {Position: 2}, {Position: 0}, {Position: 0},
	}
	assert.InDelta(t, 0.5, timingCoverage(rows), 1e-9)
	assert.Equal(t, 0.0, timingCoverage(nil))
}
