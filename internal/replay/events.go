package replay

import "time"

// Text events on the server-to-client channel. Every client observes the
// same sequence shape regardless of arrival time: one or more
// loading_progress events followed by exactly one loading_complete or
// loading_error.

// ProgressEvent reports load progress while a session builds.
type ProgressEvent struct {
	Type           string `json:"type"` // "loading_progress"
	Progress       int    `json:"progress"`
	Message        string `json:"message"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// CompleteEvent announces a ready session together with its catalogues.
type CompleteEvent struct {
	Type            string   `json:"type"` // "loading_complete"
	Frames          int      `json:"frames"`
	LoadTimeSeconds float64  `json:"load_time_seconds"`
	Metadata        Metadata `json:"metadata"`
}

// ErrorEvent is the single terminal event for a failed load.
type ErrorEvent struct {
	Type    string `json:"type"` // "loading_error"
	Message string `json:"message"`
}

// Metadata is the session summary carried by loading_complete.
type Metadata struct {
	Year          int                 `json:"year"`
	Round         int                 `json:"round"`
	SessionType   string              `json:"session_type"`
	TotalFrames   int                 `json:"total_frames"`
	TotalLaps     int                 `json:"total_laps"`
	DriverColors  map[string]RGB      `json:"driver_colors"`
	DriverNumbers map[string]int      `json:"driver_numbers"`
	DriverTeams   map[string]string   `json:"driver_teams"`
	TrackGeometry []Point2            `json:"track_geometry"`
	TrackStatuses []TrackStatusChange `json:"track_statuses"`
	RaceStartTime time.Time           `json:"race_start_time"`
	Error         *string             `json:"error"`
}

// SessionMetadata builds the loading_complete payload for a loaded session.
func SessionMetadata(d *SessionData) Metadata {
	return Metadata{
		Year:          d.Key.Year,
		Round:         d.Key.Round,
		SessionType:   string(d.Key.Type),
		TotalFrames:   len(d.Frames),
		TotalLaps:     d.TotalLaps,
		DriverColors:  d.DriverColors,
		DriverNumbers: d.DriverNumbers,
		DriverTeams:   d.DriverTeams,
		TrackGeometry: d.TrackGeometry,
		TrackStatuses: d.TrackStatuses,
		RaceStartTime: d.RaceStartTime,
	}
}
