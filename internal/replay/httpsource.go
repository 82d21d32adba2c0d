package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/race.replay/internal/httputil"
)

// HTTPSource fetches session feeds from an upstream timing-data service
// over JSON/HTTP. The upstream exposes one endpoint per feed under
// /sessions/<year>/<round>/<type>/. Any transport or decode failure
// surfaces as ErrAdapter.
type HTTPSource struct {
	BaseURL string
	Client  httputil.HTTPClient
}

// NewHTTPSource creates a source against baseURL. A nil client uses the
// standard http.DefaultClient.
func NewHTTPSource(baseURL string, client httputil.HTTPClient) *HTTPSource {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPSource{BaseURL: baseURL, Client: client}
}

func (s *HTTPSource) feedURL(key SessionKey, feed string) string {
	return fmt.Sprintf("%s/sessions/%d/%d/%s/%s", s.BaseURL, key.Year, key.Round, key.Type, feed)
}

func (s *HTTPSource) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request %s: %v", ErrAdapter, url, err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", ErrAdapter, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrAdapter, url, resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrAdapter, url, err)
	}
	return nil
}

func (s *HTTPSource) postJSON(ctx context.Context, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request for %s: %v", ErrAdapter, url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request %s: %v", ErrAdapter, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", ErrAdapter, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrAdapter, url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrAdapter, url, err)
	}
	return nil
}

func (s *HTTPSource) StreamTiming(ctx context.Context, key SessionKey) ([]StreamTimingRow, error) {
	var rows []StreamTimingRow
	if err := s.getJSON(ctx, s.feedURL(key, "stream_timing"), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *HTTPSource) TrackStatus(ctx context.Context, key SessionKey) ([]TrackStatusChange, error) {
	var changes []TrackStatusChange
	if err := s.getJSON(ctx, s.feedURL(key, "track_status"), &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *HTTPSource) LapTiming(ctx context.Context, key SessionKey) ([]LapTimingRow, error) {
	var rows []LapTimingRow
	if err := s.getJSON(ctx, s.feedURL(key, "lap_timing"), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *HTTPSource) PositionData(ctx context.Context, key SessionKey) (map[string][]PositionSample, error) {
	out := make(map[string][]PositionSample)
	if err := s.getJSON(ctx, s.feedURL(key, "position_data"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPSource) Meta(ctx context.Context, key SessionKey) (SessionMeta, error) {
	var meta SessionMeta
	if err := s.getJSON(ctx, s.feedURL(key, "meta"), &meta); err != nil {
		return SessionMeta{}, err
	}
	return meta, nil
}

type telemetrySelection struct {
	Drivers []string `json:"drivers"`
	Laps    []int    `json:"laps"`
}

func (s *HTTPSource) LapTelemetry(ctx context.Context, key SessionKey, drivers []string, laps []int) ([]LapTelemetry, error) {
	var out []LapTelemetry
	sel := telemetrySelection{Drivers: drivers, Laps: laps}
	if err := s.postJSON(ctx, s.feedURL(key, "lap_telemetry"), sel, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPSource) SectorTimes(ctx context.Context, key SessionKey, drivers []string, laps []int) ([]SectorTimes, error) {
	var out []SectorTimes
	sel := telemetrySelection{Drivers: drivers, Laps: laps}
	if err := s.postJSON(ctx, s.feedURL(key, "sector_times"), sel, &out); err != nil {
		return nil, err
	}
	return out, nil
}
