package flyover

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-hub/eo-timelapse/internal/common"
)

// ErrNoVisualization is returned when searching without a visualization
var ErrNoVisualization = errors.New("no visualization given")

// Query is a single search against one layer
type Query struct {
	Area     orb.Geometry
	Interval Interval
}

// Capabilities are the feature flags of a layer
type Capabilities struct {
	SupportsTimelapse bool
}

// DefaultCapabilities is used when a dataset has no registered layer
func DefaultCapabilities() Capabilities {
	return Capabilities{SupportsTimelapse: true}
}

// Layer is the data-source binding of a visualization
type Layer interface {
	// FindFlyovers returns orbit-aware passes; ErrNotSupported if unavailable
	FindFlyovers(ctx context.Context, q Query) ([]Flyover, error)
	// FindDatesUTC returns days with data; ErrNotSupported if unavailable
	FindDatesUTC(ctx context.Context, q Query) ([]time.Time, error)
	Capabilities() Capabilities
}

// Catalog resolves dataset identifiers to layers
type Catalog interface {
	Lookup(datasetID string) (Layer, bool)
}

// Result is the outcome of searching one visualization
type Result struct {
	Flyovers            []Flyover
	SupportsOrbitPeriod bool
}

// SearchResult is the outcome of searching the base layer and all pins
type SearchResult struct {
	Flyovers            []Flyover
	SupportsOrbitPeriod bool
	CanFilterByClouds   bool
	CanFilterByCoverage bool
}

type memoKey struct {
	dataset  string
	layer    string
	kind     LayerKind
	orbit    bool
	from, to int64
	bound    orb.Bound
}

type memoEntry struct {
	flyovers []Flyover
	native   bool
}

// Discovery finds flyovers for visualizations. Each sub-interval degrades
// from native flyover search to date search to the interval itself, so a
// failing source never fails a whole search.
type Discovery struct {
	catalog Catalog
	memo    *lru.Cache[memoKey, memoEntry]
	logger  zerolog.Logger
}

// NewDiscovery creates a discovery service. memoSize <= 0 disables memoization.
func NewDiscovery(catalog Catalog, logger zerolog.Logger, memoSize int) (*Discovery, error) {
	d := &Discovery{
		catalog: catalog,
		logger:  logger.With().Str("component", "Discovery").Logger(),
	}

	if memoSize > 0 {
		memo, err := lru.New[memoKey, memoEntry](memoSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create discovery memo: %w", err)
		}
		d.memo = memo
	}

	return d, nil
}

// Reset drops memoized search results
func (d *Discovery) Reset() {
	if d.memo != nil {
		d.memo.Purge()
	}
}

// Capabilities returns the capabilities of the visualization's layer
func (d *Discovery) Capabilities(viz *Visualization) Capabilities {
	if layer, ok := d.lookup(viz); ok {
		return layer.Capabilities()
	}
	return DefaultCapabilities()
}

func (d *Discovery) lookup(viz *Visualization) (Layer, bool) {
	if d.catalog == nil || viz == nil {
		return nil, false
	}
	return d.catalog.Lookup(viz.DatasetID)
}

// Search collects flyovers for one visualization across all intervals.
// Only context cancellation is reported as an error.
func (d *Discovery) Search(ctx context.Context, viz *Visualization, area orb.Geometry, intervals []Interval, orbitSelected bool) (Result, error) {
	if viz == nil {
		return Result{}, ErrNoVisualization
	}

	layer, ok := d.lookup(viz)
	if !ok {
		d.logger.Debug().Str("dataset", viz.DatasetID).Msg("no layer registered, using interval fallback")
	}

	var (
		flyovers []Flyover
		native   = len(intervals) > 0
	)

	for _, interval := range intervals {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		found, usedNative := d.searchInterval(ctx, layer, viz, area, interval, orbitSelected)
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		native = native && usedNative
		flyovers = append(flyovers, found...)
	}

	return Result{Flyovers: flyovers, SupportsOrbitPeriod: native}, nil
}

func (d *Discovery) searchInterval(ctx context.Context, layer Layer, viz *Visualization, area orb.Geometry, interval Interval, orbitSelected bool) ([]Flyover, bool) {
	key := memoKey{
		dataset: viz.DatasetID,
		layer:   viz.LayerID,
		kind:    viz.Kind,
		orbit:   orbitSelected,
		from:    interval.From.UnixMilli(),
		to:      interval.To.UnixMilli(),
	}
	if area != nil {
		key.bound = area.Bound()
	}

	if d.memo != nil {
		if entry, ok := d.memo.Get(key); ok {
			return withVisualization(entry.flyovers, viz), entry.native
		}
	}

	found, native, ok := d.findInterval(ctx, layer, viz, area, interval, orbitSelected)
	if ok && d.memo != nil {
		d.memo.Add(key, memoEntry{flyovers: found, native: native})
	}

	return withVisualization(found, viz), native
}

// findInterval runs the fallback chain. ok is false when the result was
// produced by the last-resort fallback and should not be memoized.
func (d *Discovery) findInterval(ctx context.Context, layer Layer, viz *Visualization, area orb.Geometry, interval Interval, orbitSelected bool) ([]Flyover, bool, bool) {
	q := Query{Area: area, Interval: interval}

	if layer != nil {
		flyovers, err := layer.FindFlyovers(ctx, q)
		if err == nil {
			if viz.Kind == KindComposite && !orbitSelected {
				flyovers = normalizeToDays(flyovers)
			}
			return flyovers, true, true
		}
		d.logger.Debug().Err(err).Str("dataset", viz.DatasetID).Msg("flyover search failed, trying date search")

		dates, err := layer.FindDatesUTC(ctx, q)
		if err == nil {
			flyovers := make([]Flyover, 0, len(dates))
			for _, date := range dates {
				flyovers = append(flyovers, Flyover{
					FromTime: common.StartOfDayUTC(date),
					ToTime:   common.EndOfDayUTC(date),
				})
			}
			return flyovers, false, true
		}
		d.logger.Debug().Err(err).Str("dataset", viz.DatasetID).Msg("date search failed, using whole interval")
	}

	return []Flyover{{FromTime: interval.From, ToTime: interval.To}}, false, false
}

// SearchAll searches the base visualization (index 0) and every pin after
// it. Cloud and coverage filtering are offered only when the first flyover
// of every visualization reports the metric.
func (d *Discovery) SearchAll(ctx context.Context, vizs []*Visualization, area orb.Geometry, intervals []Interval, orbitSelected bool) (SearchResult, error) {
	results := make([]Result, len(vizs))

	g, gctx := errgroup.WithContext(ctx)
	for i, viz := range vizs {
		g.Go(func() error {
			res, err := d.Search(gctx, viz, area, intervals, orbitSelected)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SearchResult{}, err
	}

	out := SearchResult{
		SupportsOrbitPeriod: len(vizs) > 0,
		CanFilterByClouds:   len(vizs) > 0,
		CanFilterByCoverage: len(vizs) > 0,
	}

	for i, res := range results {
		out.SupportsOrbitPeriod = out.SupportsOrbitPeriod && res.SupportsOrbitPeriod

		if len(res.Flyovers) == 0 {
			out.CanFilterByClouds = false
			out.CanFilterByCoverage = false
			continue
		}
		if _, ok := res.Flyovers[0].CloudCover(); !ok {
			out.CanFilterByClouds = false
		}
		if _, ok := res.Flyovers[0].Coverage(); !ok {
			out.CanFilterByCoverage = false
		}

		for _, f := range res.Flyovers {
			f.VisualizationIndex = i
			out.Flyovers = append(out.Flyovers, f)
		}
	}

	d.logger.Info().
		Int("visualizations", len(vizs)).
		Int("flyovers", len(out.Flyovers)).
		Bool("orbitPeriod", out.SupportsOrbitPeriod).
		Bool("clouds", out.CanFilterByClouds).
		Bool("coverage", out.CanFilterByCoverage).
		Msg("flyover search finished")

	return out, nil
}

// normalizeToDays widens each pass to whole UTC days and collapses passes
// landing on the same day, keeping the first one.
func normalizeToDays(flyovers []Flyover) []Flyover {
	type span struct{ from, to int64 }

	out := make([]Flyover, 0, len(flyovers))
	seen := make(map[span]bool, len(flyovers))

	for _, f := range flyovers {
		f.FromTime = common.StartOfDayUTC(f.FromTime)
		f.ToTime = common.EndOfDayUTC(f.ToTime)

		key := span{f.FromTime.UnixMilli(), f.ToTime.UnixMilli()}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}

	return out
}

// withVisualization copies flyovers and points them at viz
func withVisualization(flyovers []Flyover, viz *Visualization) []Flyover {
	out := make([]Flyover, len(flyovers))
	for i, f := range flyovers {
		f.Visualization = viz
		out[i] = f
	}
	return out
}
