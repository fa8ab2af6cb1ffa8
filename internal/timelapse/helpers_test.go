package timelapse

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
	"github.com/sentinel-hub/eo-timelapse/internal/frames"
	"github.com/sentinel-hub/eo-timelapse/internal/metrics"
	"github.com/sentinel-hub/eo-timelapse/internal/ratelimit"
	"github.com/sentinel-hub/eo-timelapse/internal/testutil"
)

var testArea = orb.Polygon{{{14.4, 46.0}, {14.6, 46.0}, {14.6, 46.1}, {14.4, 46.1}, {14.4, 46.0}}}

var testViz = &flyover.Visualization{DatasetID: "S2L2A", LayerID: "TRUE_COLOR"}

func fly(month time.Month, day int, cc float64) flyover.Flyover {
	from := time.Date(2023, month, day, 10, 0, 0, 0, time.UTC)
	return flyover.Flyover{
		FromTime:      from,
		ToTime:        from.Add(5 * time.Minute),
		Meta:          flyover.Meta{AverageCloudCoverPercent: flyover.Percent(cc)},
		Visualization: testViz,
	}
}

func img(month time.Month, day int, cc float64) frames.Image {
	f := fly(month, day, cc)
	return frames.NewImage(&f, []byte{1}, true)
}

func cloudFilter(maxCC float64) frames.FilterState {
	return frames.FilterState{MaxCCPercentAllowed: maxCC, MinCoverageAllowed: 0, CanFilterByClouds: true}
}

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l := ratelimit.NewLimiter(ratelimit.Config{
		InitialDelay: time.Millisecond,
		MinDelay:     time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}, zerolog.Nop(), metrics.Noop{})
	t.Cleanup(l.Close)
	return l
}

type fixture struct {
	session  *Session
	limiter  *ratelimit.Limiter
	renderer *testutil.MockRenderer
	terrain  *testutil.MockTerrain
	notifier *testutil.MockNotifier
	encoder  *testutil.MockEncoder
	pipeline *Pipeline
	gen      *Generator
}

func newFixture(t *testing.T, filters frames.FilterState) *fixture {
	t.Helper()
	f := &fixture{
		session:  NewSession(filters, true),
		limiter:  newLimiter(t),
		renderer: &testutil.MockRenderer{},
		terrain:  &testutil.MockTerrain{},
		notifier: &testutil.MockNotifier{},
		encoder:  &testutil.MockEncoder{Data: []byte("GIF89a")},
	}
	f.pipeline = NewPipeline(Deps{
		Session:  f.session,
		Limiter:  f.limiter,
		Renderer: f.renderer,
		Terrain:  f.terrain,
		Notifier: f.notifier,
		Logger:   zerolog.Nop(),
	})
	f.gen = NewGenerator(GeneratorDeps{
		Session:  f.session,
		Limiter:  f.limiter,
		Renderer: f.renderer,
		Terrain:  f.terrain,
		Encoder:  f.encoder,
		Notifier: f.notifier,
		Logger:   zerolog.Nop(),
	})
	return f
}

func (f *fixture) fetch(t *testing.T, flyovers []flyover.Flyover, opts FetchOptions) (*Token, error) {
	t.Helper()
	tok := f.session.Renew(context.Background())
	if opts.Area == nil {
		opts.Area = testArea
	}
	return tok, f.pipeline.Fetch(context.Background(), tok, flyovers, opts)
}
