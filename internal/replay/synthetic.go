package replay

import (
	"context"
	"math"
	"sort"
	"time"
)

// SyntheticSource is a deterministic SessionSource: a circular circuit with
// a field of drivers lapping at slightly different speeds. Dev mode serves
// it when no upstream provider is configured, and the pipeline tests use it
// for known-answer input. The same configuration always produces the same
// feeds.
type SyntheticSource struct {
	Drivers    []string // driver codes, fastest first
	Laps       int
	LapSeconds float64 // leader's lap time
	Radius     float64 // track radius in metres
}

// NewSyntheticSource returns a source with a default eight-car field.
func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{
		Drivers:    []string{"ALP", "BRA", "CED", "DUN", "ELM", "FRA", "GAR", "HOL"},
		Laps:       5,
		LapSeconds: 60,
		Radius:     500,
	}
}

// lapTime returns driver i's lap time. Each car is half a percent slower
// than the one before it, so the field spreads out over the race.
func (s *SyntheticSource) lapTime(i int) float64 {
	return s.LapSeconds * (1 + 0.005*float64(i))
}

func (s *SyntheticSource) duration() float64 {
	return float64(s.Laps) * s.LapSeconds
}

// progressAt returns driver i's completed distance in laps at time t.
func (s *SyntheticSource) progressAt(i int, t float64) float64 {
	p := t / s.lapTime(i)
	if max := float64(s.Laps); p > max {
		p = max
	}
	return p
}

// StreamTiming emits tower rows on the real feed's ~240 ms cadence.
func (s *SyntheticSource) StreamTiming(ctx context.Context, key SessionKey) ([]StreamTimingRow, error) {
	var rows []StreamTimingRow
	end := s.duration()
	for t := 0.0; t <= end; t += 0.24 {
		order := s.orderAt(t)
		leader := s.progressAt(order[0], t)
		for pos, i := range order {
			prog := s.progressAt(i, t)
			row := StreamTimingRow{
				T:        t,
				Driver:   s.Drivers[i],
				Position: pos + 1,
			}
			if pos > 0 {
				gap := (leader - prog) * s.lapTime(i)
				ahead := (s.progressAt(order[pos-1], t) - prog) * s.lapTime(i)
				row.GapToLeader = &gap
				row.Interval = &ahead
			}
			rows = append(rows, row)
		}
	}
	return rows, ctx.Err()
}

// orderAt returns driver indices sorted by race progress at time t.
func (s *SyntheticSource) orderAt(t float64) []int {
	order := make([]int, len(s.Drivers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return s.progressAt(order[a], t) > s.progressAt(order[b], t)
	})
	return order
}

// TrackStatus scripts a short caution window mid-race.
func (s *SyntheticSource) TrackStatus(ctx context.Context, key SessionKey) ([]TrackStatusChange, error) {
	end := s.duration()
	return []TrackStatusChange{
		{T: 0, Status: StatusGreen, Message: "GREEN"},
		{T: 0.4 * end, Status: StatusYellow, Message: "YELLOW"},
		{T: 0.5 * end, Status: StatusGreen, Message: "GREEN"},
		{T: end, Status: StatusChequered, Message: "CHEQUERED"},
	}, ctx.Err()
}

// LapTiming emits one row per driver per completed lap.
func (s *SyntheticSource) LapTiming(ctx context.Context, key SessionKey) ([]LapTimingRow, error) {
	var rows []LapTimingRow
	for i, code := range s.Drivers {
		lt := s.lapTime(i)
		for lap := 1; lap <= s.Laps; lap++ {
			start := float64(lap-1) * lt
			if start > s.duration() {
				break
			}
			order := s.orderAt(start)
			pos := 0
			for p, j := range order {
				if j == i {
					pos = p + 1
					break
				}
			}
			sector := lt / 3
			rows = append(rows, LapTimingRow{
				Driver:    code,
				Lap:       lap,
				StartTime: start,
				Position:  pos,
				Sector1:   &sector,
				Sector2:   &sector,
				Sector3:   &sector,
				LapTime:   &lt,
			})
		}
	}
	return rows, ctx.Err()
}

// PositionData emits GPS fixes on the real feed's 40 ms cadence: each car
// circles the track at its own pace.
func (s *SyntheticSource) PositionData(ctx context.Context, key SessionKey) (map[string][]PositionSample, error) {
	out := make(map[string][]PositionSample, len(s.Drivers))
	end := s.duration()
	for i, code := range s.Drivers {
		lt := s.lapTime(i)
		var samples []PositionSample
		for t := 0.0; t <= end; t += 0.04 {
			theta := 2 * math.Pi * (t / lt)
			samples = append(samples, PositionSample{
				T:      t,
				X:      s.Radius * math.Cos(theta),
				Y:      s.Radius * math.Sin(theta),
				Status: "OnTrack",
			})
		}
		out[code] = samples
	}
	return out, ctx.Err()
}

// Meta returns the synthetic catalogues. Colours are spread around the hue
// wheel so every car is distinguishable.
func (s *SyntheticSource) Meta(ctx context.Context, key SessionKey) (SessionMeta, error) {
	meta := SessionMeta{
		TotalLaps:     s.Laps,
		DriverColors:  make(map[string]RGB, len(s.Drivers)),
		DriverNumbers: make(map[string]int, len(s.Drivers)),
		DriverTeams:   make(map[string]string, len(s.Drivers)),
		RaceStartTime: time.Date(key.Year, time.March, 1, 14, 0, 0, 0, time.UTC),
		Retired:       make(map[string]bool),
	}
	for i, code := range s.Drivers {
		hue := float64(i) / float64(len(s.Drivers))
		meta.DriverColors[code] = hueRGB(hue)
		meta.DriverNumbers[code] = i + 1
		meta.DriverTeams[code] = "Team " + string(rune('A'+i/2))
	}
	geometry := make([]Point2, 0, 101)
	for k := 0; k <= 100; k++ {
		theta := 2 * math.Pi * float64(k) / 100
		geometry = append(geometry, Point2{
			X: s.Radius * math.Cos(theta),
			Y: s.Radius * math.Sin(theta),
		})
	}
	meta.TrackGeometry = geometry
	return meta, ctx.Err()
}

// LapTelemetry synthesises a speed trace per requested driver/lap pair.
func (s *SyntheticSource) LapTelemetry(ctx context.Context, key SessionKey, drivers []string, laps []int) ([]LapTelemetry, error) {
	var out []LapTelemetry
	circumference := 2 * math.Pi * s.Radius
	for _, code := range drivers {
		i := s.driverIndex(code)
		if i < 0 {
			continue
		}
		base := circumference / s.lapTime(i) * 3.6
		for _, lap := range laps {
			if lap < 1 || lap > s.Laps {
				continue
			}
			tel := LapTelemetry{Driver: code, Lap: lap}
			for k := 0; k < 50; k++ {
				frac := float64(k) / 50
				theta := 2 * math.Pi * frac
				speed := base * (0.85 + 0.15*math.Sin(4*theta))
				tel.Points = append(tel.Points, LapTelemetryPoint{
					Distance: frac * circumference,
					Speed:    speed,
					Throttle: 60 + 40*math.Sin(4*theta),
					RPM:      9000 + 2000*math.Sin(4*theta),
					Gear:     5 + int(2*math.Sin(4*theta)),
					X:        s.Radius * math.Cos(theta),
					Y:        s.Radius * math.Sin(theta),
				})
			}
			out = append(out, tel)
		}
	}
	return out, ctx.Err()
}

// SectorTimes returns even thirds of each driver's lap time.
func (s *SyntheticSource) SectorTimes(ctx context.Context, key SessionKey, drivers []string, laps []int) ([]SectorTimes, error) {
	var out []SectorTimes
	for _, code := range drivers {
		i := s.driverIndex(code)
		if i < 0 {
			continue
		}
		lt := s.lapTime(i)
		sector := lt / 3
		for _, lap := range laps {
			if lap < 1 || lap > s.Laps {
				continue
			}
			out = append(out, SectorTimes{
				Driver:  code,
				Lap:     lap,
				Sector1: &sector,
				Sector2: &sector,
				Sector3: &sector,
				LapTime: &lt,
			})
		}
	}
	return out, ctx.Err()
}

func (s *SyntheticSource) driverIndex(code string) int {
	for i, c := range s.Drivers {
		if c == code {
			return i
		}
	}
	return -1
}

// hueRGB converts a hue in [0,1) to a saturated RGB colour.
func hueRGB(h float64) RGB {
	r, g, b := 0.0, 0.0, 0.0
	seg := h * 6
	switch int(seg) % 6 {
	case 0:
		r, g = 1, seg
	case 1:
		r, g = 2-seg, 1
	case 2:
		g, b = 1, seg-2
	case 3:
		g, b = 4-seg, 1
	case 4:
		r, b = seg-4, 1
	default:
		r, b = 1, 6-seg
	}
	return RGB{uint8(r * 255), uint8(g * 255), uint8(b * 255)}
}
