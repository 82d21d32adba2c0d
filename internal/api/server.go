package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/race.replay/internal/config"
	"github.com/banshee-data/race.replay/internal/httputil"
	"github.com/banshee-data/race.replay/internal/replay"
	"github.com/banshee-data/race.replay/internal/replay/cache"
	"github.com/banshee-data/race.replay/internal/replay/monitor"
	"github.com/banshee-data/race.replay/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server owns the HTTP surface: the replay websocket, the lap-detail API,
// the cache admin endpoints and the debug plot.
type Server struct {
	store    *replay.Store
	source   replay.SessionSource
	cache    *cache.Cache
	cfg      *config.TuningConfig
	upgrader websocket.Upgrader
}

func NewServer(store *replay.Store, source replay.SessionSource, c *cache.Cache, cfg *config.TuningConfig) *Server {
	return &Server{
		store:  store,
		source: source,
		cache:  c,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Replay data is public and read-only; cross-origin viewers are fine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
// Websocket upgrades bypass the wrapper: the hijacked connection outlives
// the request and the wrapped writer cannot hijack.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/replay/{year}/{round}/{session_type}", s.handleReplay)
	mux.HandleFunc("POST /api/telemetry/laps", s.handleLapTelemetry)
	mux.HandleFunc("POST /api/telemetry/sectors", s.handleSectorTimes)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /debug/trackplot/{year}/{round}/{session_type}", s.handleTrackPlot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// sessionKey parses the three path segments into a SessionKey.
func sessionKey(r *http.Request) (replay.SessionKey, error) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		return replay.SessionKey{}, errors.New("invalid year")
	}
	round, err := strconv.Atoi(r.PathValue("round"))
	if err != nil {
		return replay.SessionKey{}, errors.New("invalid round")
	}
	st := replay.SessionType(r.PathValue("session_type"))
	if !replay.ValidSessionType(st) {
		return replay.SessionKey{}, errors.New("invalid session type")
	}
	return replay.SessionKey{Year: year, Round: round, Type: st}, nil
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKey(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	session := s.store.GetOrCreate(key)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Replay] %s: upgrade failed: %v", key, err)
		return
	}
	wc := newWSConn(conn)
	defer wc.Close()

	d := replay.NewDispatcher(session, wc, replay.DispatcherConfig{
		TickRate:       s.cfg.GetTickRate(),
		ControlTimeout: s.cfg.GetControlTimeout(),
		LoadTimeout:    s.cfg.GetLoadTimeout(),
		StatusInterval: s.cfg.GetStatusInterval(),
	})
	if err := d.Run(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Replay] %s: client %s: %v", key, d.ID(), err)
	}
}

// telemetryRequest selects driver/lap pairs within one session.
type telemetryRequest struct {
	Year        int      `json:"year"`
	Round       int      `json:"round"`
	SessionType string   `json:"session_type"`
	Drivers     []string `json:"drivers"`
	Laps        []int    `json:"laps"`
}

func (s *Server) decodeTelemetryRequest(w http.ResponseWriter, r *http.Request) (replay.SessionKey, telemetryRequest, bool) {
	var req telemetryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return replay.SessionKey{}, req, false
	}
	st := replay.SessionType(req.SessionType)
	if !replay.ValidSessionType(st) {
		httputil.BadRequest(w, "invalid session type")
		return replay.SessionKey{}, req, false
	}
	if len(req.Drivers) == 0 || len(req.Laps) == 0 {
		httputil.BadRequest(w, "drivers and laps must be non-empty")
		return replay.SessionKey{}, req, false
	}
	return replay.SessionKey{Year: req.Year, Round: req.Round, Type: st}, req, true
}

func (s *Server) handleLapTelemetry(w http.ResponseWriter, r *http.Request) {
	key, req, ok := s.decodeTelemetryRequest(w, r)
	if !ok {
		return
	}
	out, err := s.source.LapTelemetry(r.Context(), key, req.Drivers, req.Laps)
	if err != nil {
		httputil.InternalServerError(w, "lap telemetry fetch failed")
		log.Printf("[Telemetry] %s: laps: %v", key, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"telemetry": out})
}

func (s *Server) handleSectorTimes(w http.ResponseWriter, r *http.Request) {
	key, req, ok := s.decodeTelemetryRequest(w, r)
	if !ok {
		return
	}
	out, err := s.source.SectorTimes(r.Context(), key, req.Drivers, req.Laps)
	if err != nil {
		httputil.InternalServerError(w, "sector times fetch failed")
		log.Printf("[Telemetry] %s: sectors: %v", key, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"sectors": out})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	var key *replay.SessionKey
	var req telemetryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err == nil && req.SessionType != "" {
		st := replay.SessionType(req.SessionType)
		if !replay.ValidSessionType(st) {
			httputil.BadRequest(w, "invalid session type")
			return
		}
		key = &replay.SessionKey{Year: req.Year, Round: req.Round, Type: st}
		s.store.Evict(*key)
	} else {
		for _, k := range s.store.Keys() {
			s.store.Evict(k)
		}
	}

	removed, err := s.cache.Clear(key)
	if err != nil {
		httputil.InternalServerError(w, "cache clear failed")
		log.Printf("[Cache] clear: %v", err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"cleared_files": removed})
}

func (s *Server) handleTrackPlot(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKey(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	driver := r.URL.Query().Get("driver")
	if driver == "" {
		httputil.BadRequest(w, "driver query parameter required")
		return
	}
	unit := r.URL.Query().Get("units")
	if unit == "" {
		unit = units.KPH
	}
	if !units.IsValid(unit) {
		httputil.BadRequest(w, "units must be one of "+units.GetValidUnitsString())
		return
	}

	session := s.store.Lookup(key)
	if session == nil {
		httputil.NotFound(w, "session not loaded")
		return
	}
	data, err := session.Artifact()
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}

	png, err := monitor.RenderTrackPNG(data, driver, unit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.store.Keys()),
	})
}
