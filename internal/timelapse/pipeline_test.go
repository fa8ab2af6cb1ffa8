package timelapse

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-hub/eo-timelapse/internal/cache"
	"github.com/sentinel-hub/eo-timelapse/internal/common"
	"github.com/sentinel-hub/eo-timelapse/internal/config"
	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
	"github.com/sentinel-hub/eo-timelapse/internal/frames"
	"github.com/sentinel-hub/eo-timelapse/internal/imagery"
	"github.com/sentinel-hub/eo-timelapse/internal/metrics"
	"github.com/sentinel-hub/eo-timelapse/internal/ratelimit"
	"github.com/sentinel-hub/eo-timelapse/internal/testutil"
	"github.com/sentinel-hub/eo-timelapse/internal/video"
)

func TestFetch2D_InsertsSortedImages(t *testing.T) {
	f := newFixture(t, cloudFilter(100))
	flyovers := []flyover.Flyover{fly(time.May, 9, 0), fly(time.May, 2, 0), fly(time.May, 5, 0)}

	var last float64
	_, err := f.fetch(t, flyovers, FetchOptions{Width: 64, Height: 32, OnProgress: func(p float64) { last = p }})
	require.NoError(t, err)

	images := f.session.Images()
	require.Len(t, images, 3)
	assert.True(t, frames.IsSorted(images))
	for _, im := range images {
		assert.True(t, im.IsSelected)
		assert.False(t, im.Pending())
	}
	assert.Equal(t, 1.0, last)
	assert.Empty(t, f.notifier.All())

	calls := f.renderer.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 64, calls[0].Width)
	assert.Equal(t, "S2L2A", calls[0].DatasetID)
}

func TestFetch2D_SoftFailureWarnsOnce(t *testing.T) {
	f := newFixture(t, cloudFilter(100))
	f.renderer.Respond = func(_ context.Context, req imagery.RenderRequest) ([]byte, error) {
		if req.FromTime.Day() != 5 {
			return nil, &imagery.StatusError{Code: http.StatusBadRequest, URL: "/render"}
		}
		return []byte{1}, nil
	}

	_, err := f.fetch(t, []flyover.Flyover{fly(time.May, 2, 0), fly(time.May, 5, 0), fly(time.May, 9, 0)}, FetchOptions{})
	require.NoError(t, err)

	assert.Len(t, f.session.Images(), 1)
	assert.Equal(t, []string{FetchFailedMessage}, f.notifier.All())
}

func TestFetch2D_RateLimitedThenSucceeds(t *testing.T) {
	f := newFixture(t, cloudFilter(100))
	var calls int32
	f.renderer.Respond = func(_ context.Context, _ imagery.RenderRequest) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, &imagery.StatusError{Code: http.StatusTooManyRequests}
		}
		return []byte{1}, nil
	}

	_, err := f.fetch(t, []flyover.Flyover{fly(time.May, 2, 0)}, FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, f.session.Images(), 1)
	assert.Equal(t, 2, f.limiter.Retries())
	assert.Empty(t, f.notifier.All())
}

func TestFetch_CancellationIsolation(t *testing.T) {
	f := newFixture(t, cloudFilter(100))

	started := make(chan struct{})
	release := make(chan struct{})
	f.renderer.Respond = func(_ context.Context, req imagery.RenderRequest) ([]byte, error) {
		if req.FromTime.Month() == time.January {
			close(started)
			<-release // ignores cancellation and lands late
		}
		return []byte{byte(req.FromTime.Day())}, nil
	}

	tokA := f.session.Renew(context.Background())
	errA := make(chan error, 1)
	go func() {
		errA <- f.pipeline.Fetch(context.Background(), tokA, []flyover.Flyover{fly(time.January, 1, 0)}, FetchOptions{Area: testArea})
	}()
	<-started

	tokB := f.session.Renew(context.Background())
	errB := make(chan error, 1)
	go func() {
		errB <- f.pipeline.Fetch(context.Background(), tokB, []flyover.Flyover{fly(time.February, 2, 0), fly(time.February, 3, 0)}, FetchOptions{Area: testArea})
	}()

	assert.True(t, IsCancelled(<-errA))
	close(release)
	require.NoError(t, <-errB)

	images := f.session.Images()
	require.Len(t, images, 2)
	for _, im := range images {
		assert.Equal(t, time.February, im.FromTime.Month())
	}
	assert.Empty(t, f.notifier.All(), "cancellation is not an error")
}

func TestFetch_StaleToken(t *testing.T) {
	f := newFixture(t, cloudFilter(100))
	old := f.session.Renew(context.Background())
	f.session.Renew(context.Background())

	err := f.pipeline.Fetch(context.Background(), old, []flyover.Flyover{fly(time.May, 1, 0)}, FetchOptions{})
	assert.ErrorIs(t, err, ErrStaleToken)
}

func TestFetch3D_PlaceholdersThenFrames(t *testing.T) {
	f := newFixture(t, cloudFilter(50))
	f.session.SetCapabilities(true, false)
	hold := make(chan struct{})
	f.terrain.Hold = hold

	flyovers := []flyover.Flyover{fly(time.May, 1, 10), fly(time.May, 2, 80), fly(time.May, 3, 30)}
	tok := f.session.Renew(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.pipeline.Fetch(context.Background(), tok, flyovers, FetchOptions{Is3D: true, Area: testArea})
	}()

	require.Eventually(t, func() bool { return len(f.session.Images()) == 2 }, time.Second, 5*time.Millisecond)
	for _, im := range f.session.Images() {
		assert.True(t, im.Pending(), "placeholders are inserted before rendering")
	}

	close(hold)
	require.NoError(t, <-done)
	for _, im := range f.session.Images() {
		assert.False(t, im.Pending())
	}
	assert.Len(t, f.renderer.Calls(), 0, "3D frames come from the terrain renderer")
}

func TestFetchPreviouslyUnsuitable3DPreviews(t *testing.T) {
	f := newFixture(t, cloudFilter(50))
	f.session.SetCapabilities(true, false)

	flyovers := []flyover.Flyover{fly(time.May, 1, 10), fly(time.May, 2, 80), fly(time.May, 3, 30)}
	_, err := f.fetch(t, flyovers, FetchOptions{Is3D: true})
	require.NoError(t, err)
	require.Len(t, f.session.Images(), 2)

	// relax the filter without triggering the debounced run
	f.session.mu.Lock()
	f.session.st.filters.MaxCCPercentAllowed = 100
	f.session.mu.Unlock()

	require.NoError(t, f.pipeline.FetchPreviouslyUnsuitable3DPreviews(context.Background()))
	images := f.session.Images()
	require.Len(t, images, 3)
	for _, im := range images {
		assert.False(t, im.Pending())
	}

	batches := f.terrain.Calls()
	require.Len(t, batches, 2)
	require.Len(t, batches[1].Images, 1)
	assert.Equal(t, 2, batches[1].Images[0].FromTime.Day())
}

func TestSetFilters_DebouncedRefetch(t *testing.T) {
	f := newFixture(t, cloudFilter(50))
	f.session.SetCapabilities(true, false)

	_, err := f.fetch(t, []flyover.Flyover{fly(time.May, 1, 10), fly(time.May, 2, 80)}, FetchOptions{Is3D: true})
	require.NoError(t, err)
	require.Len(t, f.session.Images(), 1)

	f.session.SetFilters(60, 0)
	f.session.SetFilters(90, 0)

	require.Eventually(t, func() bool {
		images := f.session.Images()
		return len(images) == 2 && !images[1].Pending()
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, f.terrain.Calls(), 2, "rapid filter changes collapse into one refetch")
}

// The whole flow: discovery over two months, fetch, filter, generate.
func TestEndToEnd_CloudFilteredExport(t *testing.T) {
	ccs := []float64{5, 60, 15, 90, 30, 8}
	days := []struct {
		month time.Month
		day   int
	}{{time.January, 3}, {time.January, 13}, {time.January, 23}, {time.March, 4}, {time.March, 14}, {time.March, 24}}

	layer := &staticLayer{}
	for i, d := range days {
		pass := fly(d.month, d.day, ccs[i])
		pass.Visualization = nil
		layer.flyovers = append(layer.flyovers, pass)
	}
	d, err := flyover.NewDiscovery(staticCatalog{"S2L2A": layer}, zerolog.Nop(), 8)
	require.NoError(t, err)

	f := newFixture(t, frames.FilterState{MaxCCPercentAllowed: 50})
	intervals := flyover.MonthIntervals(
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC),
		[]time.Month{time.January, time.March},
	)
	require.Len(t, intervals, 2)

	res, err := f.pipeline.Search(context.Background(), d, []*flyover.Visualization{testViz}, intervals, false, FetchOptions{Area: testArea, Width: 8, Height: 8})
	require.NoError(t, err)
	require.Len(t, res.Flyovers, 6)
	assert.True(t, res.CanFilterByClouds)

	images := f.session.Images()
	require.Len(t, images, 6)
	for _, im := range images {
		assert.True(t, im.IsSelected)
	}

	artifact, err := f.gen.Generate(context.Background(), GenerateRequest{
		From:        time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC),
		Area:        testArea,
		Size:        video.Size{Width: 8, Height: 8},
		DefaultSize: video.Size{Width: 8, Height: 8},
		Format:      common.FormatGIF,
		FPS:         1,
		Transition:  common.TransitionNone,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, artifact.Frames)
	assert.Equal(t, "EO_Browser_timelapse_2023-01-01_2023-03-31.gif", artifact.Filename)

	encoded := f.encoder.Last().Frames
	require.Len(t, encoded, 4)
	want := []int{3, 23, 14, 24}
	for i, fr := range encoded {
		assert.Equal(t, want[i], fr.Date.Day())
		if i > 0 {
			assert.True(t, encoded[i-1].Date.Before(fr.Date))
		}
	}
}

type staticLayer struct {
	flyovers []flyover.Flyover
}

func (l *staticLayer) FindFlyovers(_ context.Context, q flyover.Query) ([]flyover.Flyover, error) {
	var out []flyover.Flyover
	for _, f := range l.flyovers {
		if !f.FromTime.Before(q.Interval.From) && !f.ToTime.After(q.Interval.To) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (l *staticLayer) FindDatesUTC(context.Context, flyover.Query) ([]time.Time, error) {
	return nil, flyover.ErrNotSupported
}

func (l *staticLayer) Capabilities() flyover.Capabilities { return flyover.DefaultCapabilities() }

type staticCatalog map[string]flyover.Layer

func (c staticCatalog) Lookup(id string) (flyover.Layer, bool) {
	l, ok := c[id]
	return l, ok
}

func TestFetch2D_CacheHitsSkipLimiter(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		InitialDelay: 8 * time.Millisecond,
		MinDelay:     time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	}, zerolog.Nop(), metrics.Noop{})
	t.Cleanup(limiter.Close)

	next := &testutil.MockRenderer{}
	c := cache.New(config.CacheConfig{Enabled: true, SizeMB: 1, TTLSec: 60}, zerolog.Nop(), nil)
	renderer := imagery.NewCachedRenderer(next, c)

	session := NewSession(cloudFilter(100), true)
	p := NewPipeline(Deps{
		Session:  session,
		Limiter:  limiter,
		Renderer: renderer,
		Terrain:  &testutil.MockTerrain{},
		Notifier: &testutil.MockNotifier{},
		Logger:   zerolog.Nop(),
	})

	flyovers := []flyover.Flyover{fly(time.May, 1, 0), fly(time.May, 2, 0)}
	for _, f := range flyovers {
		c.Set(imagery.NewRenderRequest(f, testArea, 64, 64).Key(), []byte("cached"))
	}

	tok := session.Renew(context.Background())
	err := p.Fetch(context.Background(), tok, flyovers, FetchOptions{Area: testArea, Width: 64, Height: 64})
	require.NoError(t, err)

	images := session.Images()
	require.Len(t, images, 2)
	assert.Equal(t, []byte("cached"), images[0].Data)
	assert.Empty(t, next.Calls())
	assert.Equal(t, 8*time.Millisecond, limiter.Delay(), "cache hits leave the pacing untouched")
}
