package flyover

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLayer struct {
	flyovers     []Flyover
	flyoversErr  error
	dates        []time.Time
	datesErr     error
	flyoverCalls int32
	dateCalls    int32
}

func (l *fakeLayer) FindFlyovers(ctx context.Context, q Query) ([]Flyover, error) {
	atomic.AddInt32(&l.flyoverCalls, 1)
	if l.flyoversErr != nil {
		return nil, l.flyoversErr
	}
	var out []Flyover
	for _, f := range l.flyovers {
		if !f.ToTime.Before(q.Interval.From) && !f.FromTime.After(q.Interval.To) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (l *fakeLayer) FindDatesUTC(ctx context.Context, q Query) ([]time.Time, error) {
	atomic.AddInt32(&l.dateCalls, 1)
	if l.datesErr != nil {
		return nil, l.datesErr
	}
	return l.dates, nil
}

func (l *fakeLayer) Capabilities() Capabilities { return Capabilities{SupportsTimelapse: true} }

type fakeCatalog map[string]Layer

func (c fakeCatalog) Lookup(datasetID string) (Layer, bool) {
	l, ok := c[datasetID]
	return l, ok
}

var testArea = orb.Polygon{{{13.3, 52.4}, {13.5, 52.4}, {13.5, 52.6}, {13.3, 52.6}, {13.3, 52.4}}}

func pass(d time.Time, hour int, cc float64) Flyover {
	from := d.Add(time.Duration(hour) * time.Hour)
	return Flyover{
		FromTime: from,
		ToTime:   from.Add(10 * time.Minute),
		Meta:     Meta{AverageCloudCoverPercent: Percent(cc)},
	}
}

func newDiscovery(t *testing.T, catalog Catalog, memo int) *Discovery {
	t.Helper()
	d, err := NewDiscovery(catalog, zerolog.Nop(), memo)
	require.NoError(t, err)
	return d
}

func wholeRange() []Interval {
	return []Interval{{From: day(2023, 1, 1), To: day(2023, 12, 31)}}
}

func TestSearch_NativeFlyovers(t *testing.T) {
	layer := &fakeLayer{flyovers: []Flyover{pass(day(2023, 3, 1), 10, 5), pass(day(2023, 4, 1), 10, 50)}}
	d := newDiscovery(t, fakeCatalog{"S2": layer}, 0)
	viz := &Visualization{DatasetID: "S2", LayerID: "TRUE_COLOR"}

	res, err := d.Search(context.Background(), viz, testArea, wholeRange(), false)
	require.NoError(t, err)

	assert.True(t, res.SupportsOrbitPeriod)
	require.Len(t, res.Flyovers, 2)
	assert.Equal(t, day(2023, 3, 1).Add(10*time.Hour), res.Flyovers[0].FromTime)
	assert.Same(t, viz, res.Flyovers[0].Visualization)
	assert.Zero(t, atomic.LoadInt32(&layer.dateCalls))
}

func TestSearch_CompositeNormalizedToDays(t *testing.T) {
	layer := &fakeLayer{flyovers: []Flyover{
		pass(day(2023, 3, 1), 9, 5),
		pass(day(2023, 3, 1), 11, 7),
		pass(day(2023, 3, 4), 10, 9),
	}}
	d := newDiscovery(t, fakeCatalog{"FUSION": layer}, 0)
	viz := &Visualization{DatasetID: "FUSION", Kind: KindComposite}

	res, err := d.Search(context.Background(), viz, testArea, wholeRange(), false)
	require.NoError(t, err)

	require.Len(t, res.Flyovers, 2)
	assert.Equal(t, day(2023, 3, 1), res.Flyovers[0].FromTime)
	assert.Equal(t, day(2023, 3, 2).Add(-time.Millisecond), res.Flyovers[0].ToTime)
	cc, _ := res.Flyovers[0].CloudCover()
	assert.Equal(t, 5.0, cc)
	assert.True(t, res.SupportsOrbitPeriod)
}

func TestSearch_CompositeKeepsOrbitsWhenSelected(t *testing.T) {
	layer := &fakeLayer{flyovers: []Flyover{pass(day(2023, 3, 1), 9, 5), pass(day(2023, 3, 1), 11, 7)}}
	d := newDiscovery(t, fakeCatalog{"FUSION": layer}, 0)

	res, err := d.Search(context.Background(), &Visualization{DatasetID: "FUSION", Kind: KindComposite}, testArea, wholeRange(), true)
	require.NoError(t, err)

	require.Len(t, res.Flyovers, 2)
	assert.Equal(t, day(2023, 3, 1).Add(9*time.Hour), res.Flyovers[0].FromTime)
}

func TestSearch_FallsBackToDates(t *testing.T) {
	layer := &fakeLayer{
		flyoversErr: ErrNotSupported,
		dates:       []time.Time{day(2023, 5, 2).Add(13 * time.Hour), day(2023, 5, 9)},
	}
	d := newDiscovery(t, fakeCatalog{"DEM": layer}, 0)

	res, err := d.Search(context.Background(), &Visualization{DatasetID: "DEM"}, testArea, wholeRange(), false)
	require.NoError(t, err)

	assert.False(t, res.SupportsOrbitPeriod)
	require.Len(t, res.Flyovers, 2)
	assert.Equal(t, day(2023, 5, 2), res.Flyovers[0].FromTime)
	assert.Equal(t, day(2023, 5, 3).Add(-time.Millisecond), res.Flyovers[0].ToTime)
	_, hasCC := res.Flyovers[0].CloudCover()
	assert.False(t, hasCC)
}

func TestSearch_FallsBackToInterval(t *testing.T) {
	layer := &fakeLayer{flyoversErr: errors.New("boom"), datesErr: errors.New("boom")}
	d := newDiscovery(t, fakeCatalog{"X": layer}, 0)

	intervals := []Interval{
		{From: day(2023, 6, 1), To: day(2023, 8, 31)},
		{From: day(2024, 6, 1), To: day(2024, 8, 31)},
	}
	res, err := d.Search(context.Background(), &Visualization{DatasetID: "X"}, testArea, intervals, false)
	require.NoError(t, err)

	assert.False(t, res.SupportsOrbitPeriod)
	require.Len(t, res.Flyovers, 2)
	assert.Equal(t, intervals[0].From, res.Flyovers[0].FromTime)
	assert.Equal(t, intervals[1].To, res.Flyovers[1].ToTime)
}

func TestSearch_MissingLayerDegrades(t *testing.T) {
	d := newDiscovery(t, fakeCatalog{}, 0)

	res, err := d.Search(context.Background(), &Visualization{DatasetID: "UNKNOWN"}, testArea, wholeRange(), false)
	require.NoError(t, err)
	require.Len(t, res.Flyovers, 1)
	assert.Equal(t, DefaultCapabilities(), d.Capabilities(&Visualization{DatasetID: "UNKNOWN"}))
}

func TestSearch_ConcatenatesIntervals(t *testing.T) {
	layer := &fakeLayer{flyovers: []Flyover{
		pass(day(2023, 1, 5), 10, 1),
		pass(day(2023, 2, 5), 10, 2),
		pass(day(2023, 7, 5), 10, 3),
	}}
	d := newDiscovery(t, fakeCatalog{"S2": layer}, 0)

	intervals := MonthIntervals(day(2023, 1, 1), day(2023, 12, 31), []time.Month{time.January, time.July})
	res, err := d.Search(context.Background(), &Visualization{DatasetID: "S2"}, testArea, intervals, false)
	require.NoError(t, err)

	require.Len(t, res.Flyovers, 2)
	assert.Equal(t, time.January, res.Flyovers[0].FromTime.Month())
	assert.Equal(t, time.July, res.Flyovers[1].FromTime.Month())
}

func TestSearch_Memoized(t *testing.T) {
	layer := &fakeLayer{flyovers: []Flyover{pass(day(2023, 3, 1), 10, 5)}}
	d := newDiscovery(t, fakeCatalog{"S2": layer}, 16)
	viz := &Visualization{DatasetID: "S2"}

	_, err := d.Search(context.Background(), viz, testArea, wholeRange(), false)
	require.NoError(t, err)
	res, err := d.Search(context.Background(), viz, testArea, wholeRange(), false)
	require.NoError(t, err)

	assert.Len(t, res.Flyovers, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&layer.flyoverCalls))

	d.Reset()
	_, err = d.Search(context.Background(), viz, testArea, wholeRange(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&layer.flyoverCalls))
}

func TestSearch_Cancelled(t *testing.T) {
	d := newDiscovery(t, fakeCatalog{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Search(ctx, &Visualization{DatasetID: "S2"}, testArea, wholeRange(), false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchAll_ConjunctiveCapabilities(t *testing.T) {
	withMeta := pass(day(2023, 3, 1), 10, 5)
	withMeta.CoveragePercent = Percent(100)
	cloudsOnly := pass(day(2023, 3, 2), 10, 5)

	catalog := fakeCatalog{
		"A": &fakeLayer{flyovers: []Flyover{withMeta}},
		"B": &fakeLayer{flyovers: []Flyover{cloudsOnly}},
	}
	d := newDiscovery(t, catalog, 0)

	base := &Visualization{DatasetID: "A"}
	pin := &Visualization{DatasetID: "B", Pin: &Pin{ID: "p1"}}

	res, err := d.SearchAll(context.Background(), []*Visualization{base, pin}, testArea, wholeRange(), false)
	require.NoError(t, err)

	assert.True(t, res.CanFilterByClouds)
	assert.False(t, res.CanFilterByCoverage)
	assert.True(t, res.SupportsOrbitPeriod)
	require.Len(t, res.Flyovers, 2)
	assert.Equal(t, 0, res.Flyovers[0].VisualizationIndex)
	assert.Equal(t, 1, res.Flyovers[1].VisualizationIndex)
	assert.Same(t, pin, res.Flyovers[1].Visualization)
}

func TestSearchAll_MissingMetadataDisablesFilter(t *testing.T) {
	catalog := fakeCatalog{
		"A": &fakeLayer{flyovers: []Flyover{pass(day(2023, 3, 1), 10, 5)}},
		"B": &fakeLayer{flyoversErr: ErrNotSupported, dates: []time.Time{day(2023, 3, 1)}},
	}
	d := newDiscovery(t, catalog, 0)

	res, err := d.SearchAll(context.Background(),
		[]*Visualization{{DatasetID: "A"}, {DatasetID: "B"}}, testArea, wholeRange(), false)
	require.NoError(t, err)

	assert.False(t, res.CanFilterByClouds)
	assert.False(t, res.SupportsOrbitPeriod)
}

func TestFlyoverHash(t *testing.T) {
	viz := &Visualization{DatasetID: "S2"}
	a := pass(day(2023, 3, 1), 10, 5)
	a.Visualization = viz
	b := a
	c := pass(day(2023, 3, 2), 10, 5)
	c.Visualization = viz

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}
