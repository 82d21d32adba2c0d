package replay

import (
	"context"
	"time"
)

// The core consumes typed tabular feeds and knows nothing of the transport
// behind them. A SessionSource adapter converts the upstream provider's
// timedeltas and column soup into these rows exactly once, not per frame.

// StreamTimingRow is one tower update (~240 ms cadence) for one driver.
type StreamTimingRow struct {
	T           float64  `json:"t"`            // seconds on the adapter's session clock
	Driver      string   `json:"driver"`       // three-letter driver code
	Position    int      `json:"position"`     // official position, 0 when the feed had no value
	GapToLeader *float64 `json:"gap_to_leader"` // seconds, nil when not reported
	Interval    *float64 `json:"interval"`      // seconds to car ahead, nil when not reported
	InPit       bool     `json:"in_pit"`
}

// LapTimingRow is one per-lap record for one driver.
type LapTimingRow struct {
	Driver    string   `json:"driver"`
	Lap       int      `json:"lap"`
	StartTime float64  `json:"start_time"` // lap start, seconds on the adapter's session clock
	Position  int      `json:"position"`   // official position at lap start, 0 when unknown
	Sector1   *float64 `json:"sector_1"`
	Sector2   *float64 `json:"sector_2"`
	Sector3   *float64 `json:"sector_3"`
	LapTime   *float64 `json:"lap_time"`
}

// PositionSample is one GPS fix (~40 ms cadence) for one driver.
type PositionSample struct {
	T      float64 `json:"t"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Status string  `json:"status"` // "OnTrack", "OffTrack" or "Retired"
}

// SessionMeta carries the catalogues that ride along with the frame
// sequence: colours, numbers, teams, geometry and schedule facts.
type SessionMeta struct {
	TotalLaps     int               `json:"total_laps"`
	TrackGeometry []Point2          `json:"track_geometry"`
	DriverColors  map[string]RGB    `json:"driver_colors"`
	DriverNumbers map[string]int    `json:"driver_numbers"`
	DriverTeams   map[string]string `json:"driver_teams"`
	RaceStartTime time.Time         `json:"race_start_time"`
	Retired       map[string]bool   `json:"retired"`
}

// LapTelemetryPoint is one sample of the per-lap detail feed.
type LapTelemetryPoint struct {
	Distance float64 `json:"distance"`
	Speed    float64 `json:"speed"`
	Throttle float64 `json:"throttle"`
	Brake    float64 `json:"brake"`
	RPM      float64 `json:"rpm"`
	Gear     int     `json:"gear"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// LapTelemetry is the detail trace for one driver on one lap.
type LapTelemetry struct {
	Driver string              `json:"driver"`
	Lap    int                 `json:"lap"`
	Points []LapTelemetryPoint `json:"points"`
}

// SectorTimes carries the three sector splits for one driver on one lap.
type SectorTimes struct {
	Driver  string   `json:"driver"`
	Lap     int      `json:"lap"`
	Sector1 *float64 `json:"sector_1"`
	Sector2 *float64 `json:"sector_2"`
	Sector3 *float64 `json:"sector_3"`
	LapTime *float64 `json:"lap_time"`
}

// SessionSource fetches the raw feeds for one session. Implementations wrap
// the upstream provider; the deterministic SyntheticSource backs tests and
// dev mode.
type SessionSource interface {
	// StreamTiming returns the tower updates ordered by time.
	StreamTiming(ctx context.Context, key SessionKey) ([]StreamTimingRow, error)

	// TrackStatus returns the track-status transitions ordered by time.
	TrackStatus(ctx context.Context, key SessionKey) ([]TrackStatusChange, error)

	// LapTiming returns per-lap records for all drivers.
	LapTiming(ctx context.Context, key SessionKey) ([]LapTimingRow, error)

	// PositionData returns per-driver GPS samples ordered by time.
	PositionData(ctx context.Context, key SessionKey) (map[string][]PositionSample, error)

	// Meta returns the session catalogues.
	Meta(ctx context.Context, key SessionKey) (SessionMeta, error)

	// LapTelemetry returns detail traces for the requested driver/lap pairs.
	LapTelemetry(ctx context.Context, key SessionKey, drivers []string, laps []int) ([]LapTelemetry, error)

	// SectorTimes returns sector splits for the requested driver/lap pairs.
	SectorTimes(ctx context.Context, key SessionKey, drivers []string, laps []int) ([]SectorTimes, error)
}
