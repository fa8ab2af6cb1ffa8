package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
)

const polygonJSON = `{"type":"Polygon","coordinates":[[[14.4,46.0],[14.6,46.0],[14.6,46.1],[14.4,46.1],[14.4,46.0]]]}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAOI(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "geometry", content: polygonJSON, want: "Polygon"},
		{name: "feature", content: `{"type":"Feature","properties":{},"geometry":` + polygonJSON + `}`, want: "Polygon"},
		{name: "collection of one", content: `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":` + polygonJSON + `}]}`, want: "Polygon"},
		{name: "collection", content: `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{},"geometry":` + polygonJSON + `},
			{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[14.5,46.05]}}]}`, want: "GeometryCollection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := loadAOI(writeFile(t, "aoi.geojson", tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.GeoJSONType())
		})
	}

	_, err := loadAOI(writeFile(t, "bad.geojson", `{"hello":"world"}`))
	assert.Error(t, err)
	_, err = loadAOI(filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}

func TestBuildJob(t *testing.T) {
	aoi := writeFile(t, "aoi.geojson", polygonJSON)

	job, err := buildJob(options{
		aoiPath:   aoi,
		from:      "2023-01-01",
		to:        "2023-03-31",
		dataset:   "S2L2A",
		layer:     "TRUE_COLOR",
		composite: true,
		pins:      []string{"S1GRD:VV"},
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), job.From)
	assert.Equal(t, time.Date(2023, 3, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC), job.To)
	require.Len(t, job.Visualizations, 2)
	assert.Equal(t, flyover.KindComposite, job.Visualizations[0].Kind)
	assert.Equal(t, "S1GRD", job.Visualizations[1].DatasetID)
	require.NotNil(t, job.Visualizations[1].Pin)
	assert.IsType(t, orb.Polygon{}, job.Area)

	bad := []options{
		{from: "2023-01-01", to: "2023-02-01", dataset: "S2", layer: "L"},
		{aoiPath: aoi, from: "2023-01-01", to: "2023-02-01"},
		{aoiPath: aoi, from: "yesterday", to: "2023-02-01", dataset: "S2", layer: "L"},
		{aoiPath: aoi, from: "2023-03-01", to: "2023-02-01", dataset: "S2", layer: "L"},
		{aoiPath: aoi, from: "2023-01-01", to: "2023-02-01", dataset: "S2", layer: "L", pins: []string{"nolayer"}},
	}
	for _, o := range bad {
		_, err := buildJob(o)
		assert.Error(t, err)
	}
}

func TestOutputPath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "x.gif", outputPath("", "x.gif"))
	assert.Equal(t, filepath.Join(dir, "x.gif"), outputPath(dir, "x.gif"))
	assert.Equal(t, "out.gif", outputPath("out.gif", "x.gif"))
}

func TestOnlyChanged(t *testing.T) {
	var opts options
	fs := newFlagSet(&opts)
	require.NoError(t, fs.Parse([]string{"--fps", "5", "--aoi", "a.geojson"}))

	changed := onlyChanged(fs)
	assert.NotNil(t, changed.Lookup("fps"))
	assert.NotNil(t, changed.Lookup("aoi"))
	assert.Nil(t, changed.Lookup("format"))
}
