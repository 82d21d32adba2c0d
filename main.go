package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/race.replay/internal/api"
	"github.com/banshee-data/race.replay/internal/config"
	"github.com/banshee-data/race.replay/internal/replay"
	"github.com/banshee-data/race.replay/internal/replay/cache"
	"github.com/banshee-data/race.replay/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Serve the synthetic session source instead of an upstream")
	listen     = flag.String("listen", ":8080", "Listen address")
	upstream   = flag.String("upstream", "", "Base URL of the timing-data service (required unless -dev)")
	configPath = flag.String("config", "", "Path to a tuning JSON file")
	cacheDir   = flag.String("cache-dir", "", "Session cache directory (overrides config)")
	verbose    = flag.Bool("verbose", false, "Enable diagnostic logging")
	trace      = flag.Bool("trace", false, "Enable per-frame trace logging (implies -verbose)")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !*devMode && *upstream == "" {
		log.Fatal("Either -upstream or -dev is required")
	}

	log.Printf("race.replay %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	diag, trc := logWriters()
	replay.SetLogWriters(os.Stderr, diag, trc)
	cache.SetLogWriters(os.Stderr, diag, trc)

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Loaded tuning config from %s", *configPath)
	}

	var source replay.SessionSource
	if *devMode {
		log.Print("Dev mode: serving the synthetic session source")
		source = replay.NewSyntheticSource()
	} else {
		log.Printf("Upstream timing-data service: %s", *upstream)
		source = replay.NewHTTPSource(*upstream, nil)
	}

	dir := cfg.GetCacheDir()
	if *cacheDir != "" {
		dir = *cacheDir
	}
	sessionCache, err := cache.New(dir)
	if err != nil {
		log.Fatalf("Failed to create session cache: %v", err)
	}

	builderCfg := replay.BuilderConfig{
		FrameInterval:     cfg.GetFrameInterval().Seconds(),
		SpeedCapKPH:       cfg.GetSpeedCapKPH(),
		SmoothingWindow:   cfg.GetSmoothingWindow(),
		CoverageThreshold: cfg.GetCoverageThreshold(),
		HysteresisNormal:  cfg.GetHysteresisNormal(),
		HysteresisCaution: cfg.GetHysteresisCaution(),
	}

	// The store loader runs the cache in front of the frame builder: memory,
	// then disk, then a full build from the upstream feeds.
	loader := func(ctx context.Context, key replay.SessionKey, progress func(pct int, msg string)) (*replay.SessionData, error) {
		bc := builderCfg
		bc.Progress = progress
		return sessionCache.Get(ctx, key, func(ctx context.Context) (*replay.SessionData, error) {
			return replay.BuildSession(ctx, source, key, bc)
		}, false)
	}
	store := replay.NewStore(loader)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(store, source, sessionCache, cfg).ServeMux()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// Let in-flight cache writes land before exiting.
	sessionCache.Flush()
	log.Printf("Graceful shutdown complete")
}

func logWriters() (diag, trc io.Writer) {
	if *trace {
		return os.Stderr, os.Stderr
	}
	if *verbose {
		return os.Stderr, nil
	}
	return nil, nil
}
