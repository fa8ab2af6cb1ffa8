package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"

	"github.com/sentinel-hub/eo-timelapse/internal/cache"
	"github.com/sentinel-hub/eo-timelapse/internal/common"
	"github.com/sentinel-hub/eo-timelapse/internal/config"
	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
	"github.com/sentinel-hub/eo-timelapse/internal/frames"
	"github.com/sentinel-hub/eo-timelapse/internal/imagery"
	"github.com/sentinel-hub/eo-timelapse/internal/logging"
	"github.com/sentinel-hub/eo-timelapse/internal/metrics"
	"github.com/sentinel-hub/eo-timelapse/internal/ratelimit"
	"github.com/sentinel-hub/eo-timelapse/internal/timelapse"
	"github.com/sentinel-hub/eo-timelapse/internal/video"
)

const (
	AppVersion = "1.0.0"

	// TerrainWorkers is the number of parallel 3D preview renders
	TerrainWorkers = 2

	// DiscoveryMemoSize is the number of memoised flyover searches
	DiscoveryMemoSize = 256

	defaultMetricsListen = ":9090"
)

// ErrNoFlyovers is returned when discovery finds nothing to fetch
var ErrNoFlyovers = errors.New("no flyovers found for the requested period")

// Job is one timelapse request
type Job struct {
	Area           orb.Geometry
	From           time.Time
	To             time.Time
	Visualizations []*flyover.Visualization
	Is3D           bool
	Size           video.Size // zero uses the configured size
	OnProgress     func(phase string, fraction float64)
}

// App wires the timelapse pipeline to its collaborators
type App struct {
	settings     *config.Settings
	settingsPath string
	mu           sync.Mutex

	logger        zerolog.Logger
	metrics       metrics.Recorder
	metricsServer *http.Server

	imageCache cache.ImageCache
	client     *imagery.Client
	limiter    *ratelimit.Limiter
	discovery  *flyover.Discovery
	session    *timelapse.Session
	pipeline   *timelapse.Pipeline
	generator  *timelapse.Generator

	phClient   posthog.Client
	distinctID string

	lastRateLimit *ratelimit.RateLimitEvent
	messages      []string
}

// NewApp creates the application from loaded settings
func NewApp(settings *config.Settings, settingsPath string) (*App, error) {
	base, err := logging.New(logging.Config{
		Level:   settings.Logger.Level,
		Console: settings.Logger.Console,
		Output:  os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	logger := logging.For(base, "App")

	var rec metrics.Recorder = metrics.Noop{}
	var prom *metrics.Prometheus
	if settings.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		rec = prom
	}

	a := &App{
		settings:     settings,
		settingsPath: settingsPath,
		logger:       logger,
		metrics:      rec,
		distinctID:   uuid.NewString(),
	}

	a.imageCache = cache.New(settings.Cache, base, rec)
	a.client = imagery.NewClient(settings.Service, base)
	renderer := imagery.NewCachedRenderer(a.client, a.imageCache)

	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		InitialDelay: time.Duration(settings.RateLimit.InitialDelayMs) * time.Millisecond,
		MinDelay:     time.Duration(settings.RateLimit.MinDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(settings.RateLimit.MaxDelayMs) * time.Millisecond,
	}, base, rec)
	a.limiter.SetOnRateLimit(a.onRateLimit)

	a.discovery, err = flyover.NewDiscovery(a.client, base, DiscoveryMemoSize)
	if err != nil {
		a.limiter.Close()
		return nil, fmt.Errorf("failed to create discovery: %w", err)
	}

	encoder, err := video.NewEncoder(base, rec)
	if err != nil {
		a.limiter.Close()
		return nil, err
	}

	t := settings.Timelapse
	a.session = timelapse.NewSession(frames.FilterState{
		MaxCCPercentAllowed: t.MaxCCPercentAllowed,
		MinCoverageAllowed:  t.MinCoverageAllowed,
	}, t.SelectAll)

	terrain := imagery.NewTerrainRenderer(renderer, TerrainWorkers, base)
	a.pipeline = timelapse.NewPipeline(timelapse.Deps{
		Session:  a.session,
		Limiter:  a.limiter,
		Renderer: renderer,
		Terrain:  terrain,
		Notifier: a,
		Logger:   base,
	})
	a.generator = timelapse.NewGenerator(timelapse.GeneratorDeps{
		Session:  a.session,
		Limiter:  a.limiter,
		Renderer: renderer,
		Terrain:  terrain,
		Encoder:  encoder,
		Notifier: a,
		Logger:   base,
	})

	if key := settings.Analytics.PostHogKey; key != "" {
		client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: settings.Analytics.PostHogHost})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize PostHog")
		} else {
			a.phClient = client
		}
	}

	if prom != nil {
		listen := settings.Metrics.Listen
		if listen == "" {
			listen = defaultMetricsListen
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		a.metricsServer = &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	return a, nil
}

// Startup starts background services
func (a *App) Startup(ctx context.Context) {
	if a.metricsServer != nil {
		go func() {
			a.logger.Info().Str("listen", a.metricsServer.Addr).Msg("Serving metrics")
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	a.TrackEvent("app_started", map[string]interface{}{
		"version": AppVersion,
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// GenerateTimelapse runs discovery, fetch and encoding for job
func (a *App) GenerateTimelapse(ctx context.Context, job Job) (*timelapse.Artifact, error) {
	a.mu.Lock()
	t := a.settings.Timelapse
	a.mu.Unlock()

	format, err := common.ParseOutputFormat(t.Format)
	if err != nil {
		return nil, err
	}
	transition, err := common.ParseTransition(t.Transition)
	if err != nil {
		return nil, err
	}

	defaultSize := video.Size{Width: t.Width, Height: t.Height}
	size := job.Size
	if size.Width <= 0 || size.Height <= 0 {
		size = defaultSize
	}

	progress := func(phase string) func(float64) {
		return func(f float64) {
			if job.OnProgress != nil {
				job.OnProgress(phase, f)
			}
		}
	}

	intervals := flyover.MonthIntervals(job.From, job.To, t.SelectedMonths())
	res, err := a.pipeline.Search(ctx, a.discovery, job.Visualizations, intervals, t.OrbitPeriod, timelapse.FetchOptions{
		Is3D:       job.Is3D,
		Area:       job.Area,
		Width:      defaultSize.Width,
		Height:     defaultSize.Height,
		OnProgress: progress("fetching"),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Flyovers) == 0 {
		return nil, ErrNoFlyovers
	}
	a.logger.Info().
		Str("from", common.FormatDisplay(job.From)).
		Str("to", common.FormatDisplay(job.To)).
		Int("flyovers", len(res.Flyovers)).
		Bool("cloudFilter", res.CanFilterByClouds).
		Bool("coverageFilter", res.CanFilterByCoverage).
		Bool("orbitPeriod", res.SupportsOrbitPeriod).
		Msg("Discovery finished")

	generateProgress := progress("generating")
	artifact, err := a.generator.Generate(ctx, timelapse.GenerateRequest{
		From:           job.From,
		To:             job.To,
		Area:           job.Area,
		Is3D:           job.Is3D,
		Size:           size,
		DefaultSize:    defaultSize,
		Format:         format,
		FPS:            t.FPS,
		Transition:     transition,
		FadeDuration:   t.FadeDuration,
		DelayLastFrame: t.DelayLastFrame,
		ShowDate:       t.ShowDate,
		OnProgress: func(p timelapse.Progress) {
			generateProgress(p.Fraction)
		},
	})
	if err != nil {
		return nil, err
	}

	a.TrackEvent("timelapse_generated", map[string]interface{}{
		"format":     string(format),
		"transition": string(transition),
		"fps":        t.FPS,
		"frames":     artifact.Frames,
		"is3d":       job.Is3D,
	})
	return artifact, nil
}

// CancelGeneration aborts a running export
func (a *App) CancelGeneration() {
	a.generator.Cancel()
}

// ShowErrorMessage records and logs a user-visible failure
func (a *App) ShowErrorMessage(text string) {
	a.mu.Lock()
	a.messages = append(a.messages, text)
	a.mu.Unlock()
	a.logger.Warn().Msg(text)
}

// Messages returns the user-visible failures shown so far
func (a *App) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient == nil {
		return
	}
	if err := a.phClient.Enqueue(posthog.Capture{
		DistinctId: a.distinctID,
		Event:      event,
		Properties: props,
	}); err != nil {
		a.logger.Debug().Err(err).Str("event", event).Msg("Failed to enqueue analytics event")
	}
}

// Shutdown cleans up resources
func (a *App) Shutdown(ctx context.Context) {
	a.generator.Cancel()
	a.session.Cancel()
	a.limiter.Close()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	if a.phClient != nil {
		a.phClient.Close()
	}
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}
