package timelapse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
	"github.com/sentinel-hub/eo-timelapse/internal/frames"
	"github.com/sentinel-hub/eo-timelapse/internal/imagery"
	"github.com/sentinel-hub/eo-timelapse/internal/logging"
	"github.com/sentinel-hub/eo-timelapse/internal/ratelimit"
)

// FetchFailedMessage is shown once per fetch when any frame failed
const FetchFailedMessage = "Unable to fetch timelapse image"

// RefetchDebounce is the quiet period after a filter change before
// previously unsuitable 3D previews are fetched
const RefetchDebounce = time.Second

// ErrStaleToken is returned when fetching under a token that is no longer current
var ErrStaleToken = errors.New("token is no longer current")

// Notifier shows user-visible, non-fatal failures
type Notifier interface {
	ShowErrorMessage(text string)
}

// BatchRenderer renders 3D previews in the background
type BatchRenderer interface {
	RenderBatch(ctx context.Context, req imagery.BatchRequest, onFrame imagery.FrameFunc, onProgress imagery.BatchProgressFunc) context.CancelFunc
}

// cachedRenderer answers repeated requests without a service round trip
type cachedRenderer interface {
	Cached(req imagery.RenderRequest) ([]byte, bool)
}

// render serves req from the renderer's cache when possible and otherwise
// queues it on the limiter, so cache hits do not spend a pacing slot
func render(ctx context.Context, l *ratelimit.Limiter, r imagery.Renderer, req imagery.RenderRequest) ([]byte, error) {
	if c, ok := r.(cachedRenderer); ok {
		if data, ok := c.Cached(req); ok {
			return data, nil
		}
	}
	return l.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return r.Render(ctx, req)
	})
}

// FetchOptions control one Fetch call
type FetchOptions struct {
	Is3D       bool
	Area       orb.Geometry
	Width      int
	Height     int
	OnProgress func(fraction float64)
}

// Deps are the collaborators of a Pipeline
type Deps struct {
	Session  *Session
	Limiter  *ratelimit.Limiter
	Renderer imagery.Renderer
	Terrain  BatchRenderer
	Notifier Notifier
	Logger   zerolog.Logger
}

type lastFetch struct {
	token    *Token
	flyovers []flyover.Flyover
	opts     FetchOptions
}

// Pipeline materializes bitmaps for flyovers into the session
type Pipeline struct {
	session  *Session
	limiter  *ratelimit.Limiter
	renderer imagery.Renderer
	terrain  BatchRenderer
	notifier Notifier
	logger   zerolog.Logger

	debounced func(func())

	mu       sync.Mutex
	last     *lastFetch
	inflight map[uint64]bool
}

func NewPipeline(deps Deps) *Pipeline {
	p := &Pipeline{
		session:   deps.Session,
		limiter:   deps.Limiter,
		renderer:  deps.Renderer,
		terrain:   deps.Terrain,
		notifier:  deps.Notifier,
		logger:    logging.For(deps.Logger, "Pipeline"),
		debounced: debounce.New(RefetchDebounce),
		inflight:  make(map[uint64]bool),
	}
	p.session.OnFiltersChanged(func(frames.FilterState) {
		if !p.lastWas3D() {
			return
		}
		p.debounced(func() {
			if err := p.FetchPreviouslyUnsuitable3DPreviews(context.Background()); err != nil && !IsCancelled(err) {
				p.logger.Warn().Err(err).Msg("Refetch of 3D previews failed")
			}
		})
	})
	return p
}

// Search renews the session token, discovers flyovers and fetches them
func (p *Pipeline) Search(ctx context.Context, d *flyover.Discovery, vizs []*flyover.Visualization, intervals []flyover.Interval, orbitSelected bool, opts FetchOptions) (flyover.SearchResult, error) {
	tok := p.session.Renew(ctx)

	res, err := d.SearchAll(tok.Context(), vizs, opts.Area, intervals, orbitSelected)
	if err != nil {
		return res, err
	}
	if !p.session.setCapabilities(tok, res.CanFilterByClouds, res.CanFilterByCoverage) {
		return res, ratelimit.ErrCancelled
	}
	return res, p.Fetch(ctx, tok, res.Flyovers, opts)
}

// Fetch renders every flyover and inserts the images into the session.
// Results landing after tok stops being current are dropped.
func (p *Pipeline) Fetch(ctx context.Context, tok *Token, flyovers []flyover.Flyover, opts FetchOptions) error {
	if !p.session.IsCurrent(tok) {
		return ErrStaleToken
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tok.Context(), cancel)
	defer stop()

	p.mu.Lock()
	p.last = &lastFetch{token: tok, flyovers: flyovers, opts: opts}
	p.mu.Unlock()

	if opts.Is3D {
		return p.fetch3D(ctx, tok, flyovers, opts)
	}
	return p.fetch2D(ctx, tok, flyovers, opts)
}

func (p *Pipeline) fetch2D(ctx context.Context, tok *Token, flyovers []flyover.Flyover, opts FetchOptions) error {
	selectAll := p.session.SelectAll()
	total := len(flyovers)

	var (
		done   int64
		failed atomic.Bool
		g      errgroup.Group
	)
	for i := range flyovers {
		f := &flyovers[i]
		g.Go(func() error {
			data, err := render(ctx, p.limiter, p.renderer, imagery.NewRenderRequest(*f, opts.Area, opts.Width, opts.Height))

			switch {
			case err == nil:
				p.session.insert(tok, frames.NewImage(f, data, selectAll))
			case !IsCancelled(err):
				failed.Store(true)
			}

			n := atomic.AddInt64(&done, 1)
			if opts.OnProgress != nil && p.session.IsCurrent(tok) {
				opts.OnProgress(float64(n) / float64(total))
			}
			return nil
		})
	}
	_ = g.Wait()

	if !p.session.IsCurrent(tok) {
		return ratelimit.ErrCancelled
	}
	if failed.Load() {
		p.notifier.ShowErrorMessage(FetchFailedMessage)
	}

	p.logger.Info().
		Int("flyovers", total).
		Int("images", len(p.session.Images())).
		Msg("Fetched timelapse images")
	return nil
}

func (p *Pipeline) fetch3D(ctx context.Context, tok *Token, flyovers []flyover.Flyover, opts FetchOptions) error {
	filters := p.session.Filters()
	selectAll := p.session.SelectAll()

	placeholders := make([]frames.Image, 0, len(flyovers))
	for i := range flyovers {
		img := frames.NewImage(&flyovers[i], nil, selectAll)
		if filters.Applies(img) {
			placeholders = append(placeholders, img)
		}
	}
	if !p.session.insert(tok, placeholders...) {
		return ratelimit.ErrCancelled
	}

	return p.renderBatch(ctx, tok, placeholders, opts)
}

// renderBatch hands the pending images to the terrain renderer and waits
// until the batch completes or ctx ends
func (p *Pipeline) renderBatch(ctx context.Context, tok *Token, pending []frames.Image, opts FetchOptions) error {
	if p.terrain == nil {
		return fmt.Errorf("3D rendering is not available")
	}

	p.mu.Lock()
	for _, img := range pending {
		p.inflight[img.FlyoverHash] = true
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		for _, img := range pending {
			delete(p.inflight, img.FlyoverHash)
		}
		p.mu.Unlock()
	}()

	finished := make(chan struct{})
	var once sync.Once

	cancelBatch := p.terrain.RenderBatch(ctx, imagery.BatchRequest{
		Images: pending,
		Area:   opts.Area,
		Width:  opts.Width,
		Height: opts.Height,
	}, func(hash uint64, data []byte) {
		p.session.fill(tok, hash, data)
	}, func(fraction float64) {
		if opts.OnProgress != nil && p.session.IsCurrent(tok) {
			opts.OnProgress(fraction)
		}
		if fraction >= 1 {
			once.Do(func() { close(finished) })
		}
	})
	defer cancelBatch()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ratelimit.ErrCancelled, context.Cause(ctx))
	}
}

// FetchPreviouslyUnsuitable3DPreviews renders the placeholders and the
// flyovers that became applicable since the last 3D fetch
func (p *Pipeline) FetchPreviouslyUnsuitable3DPreviews(ctx context.Context) error {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()

	if last == nil || !last.opts.Is3D {
		return nil
	}
	tok := last.token
	if !p.session.IsCurrent(tok) {
		return ErrStaleToken
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tok.Context(), cancel)
	defer stop()

	filters := p.session.Filters()
	selectAll := p.session.SelectAll()
	known := make(map[uint64]bool)
	var pending []frames.Image
	p.mu.Lock()
	inflight := make(map[uint64]bool, len(p.inflight))
	for h := range p.inflight {
		inflight[h] = true
	}
	p.mu.Unlock()
	for _, img := range p.session.Images() {
		known[img.FlyoverHash] = true
		if img.Pending() && !inflight[img.FlyoverHash] && filters.Applies(img) {
			pending = append(pending, img)
		}
	}

	var added []frames.Image
	for i := range last.flyovers {
		img := frames.NewImage(&last.flyovers[i], nil, selectAll)
		if !known[img.FlyoverHash] && filters.Applies(img) {
			added = append(added, img)
		}
	}
	if len(added) > 0 && !p.session.insert(tok, added...) {
		return ratelimit.ErrCancelled
	}

	pending = append(pending, added...)
	if len(pending) == 0 {
		return nil
	}
	p.logger.Debug().Int("previews", len(pending)).Msg("Fetching previously unsuitable 3D previews")
	return p.renderBatch(ctx, tok, pending, last.opts)
}

func (p *Pipeline) lastWas3D() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last != nil && p.last.opts.Is3D
}

// IsCancelled reports whether err is an expected cancellation
func IsCancelled(err error) bool {
	return ratelimit.IsCancelled(err) || errors.Is(err, context.Canceled)
}
