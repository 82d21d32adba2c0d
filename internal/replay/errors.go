package replay

import "errors"

// Error kinds for load failures. Errors inside a load bubble up to the
// Session as its load error; the failed Session stays in the store until
// explicitly evicted so repeated demand does not hammer the upstream.
var (
	// ErrAdapter marks an upstream fetch failure.
	ErrAdapter = errors.New("adapter fetch failed")

	// ErrDataQuality marks input too degraded to build from: empty position
	// data, empty stream timing, or required fields absent.
	ErrDataQuality = errors.New("data quality insufficient")

	// ErrCache marks a cache read/write failure. Always non-fatal for
	// callers; the system falls back to recomputation.
	ErrCache = errors.New("cache failure")

	// ErrSessionNotLoaded is returned when frame access precedes load
	// completion.
	ErrSessionNotLoaded = errors.New("session not loaded")
)
