package flyover

import (
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// ErrNotSupported is returned by layers lacking a search capability
var ErrNotSupported = errors.New("operation not supported by layer")

// LayerKind tells whether a visualization renders one source or fuses several
type LayerKind int

const (
	KindSimple LayerKind = iota
	KindComposite
)

func (k LayerKind) String() string {
	if k == KindComposite {
		return "composite"
	}
	return "simple"
}

// Pin is a saved visualization added to the comparison set
type Pin struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Visualization binds a dataset layer and its render parameters
type Visualization struct {
	DatasetID      string             `json:"datasetId"`
	LayerID        string             `json:"layerId"`
	Kind           LayerKind          `json:"kind"`
	Effects        map[string]float64 `json:"effects,omitempty"`
	CustomSelected bool               `json:"customSelected,omitempty"`
	Pin            *Pin               `json:"pin,omitempty"`
}

// Meta carries per-pass metadata reported by the data source
type Meta struct {
	AverageCloudCoverPercent *float64 `json:"averageCloudCoverPercent,omitempty"`
}

// Flyover is one candidate sensing pass for one visualization
type Flyover struct {
	FromTime           time.Time      `json:"fromTime"`
	ToTime             time.Time      `json:"toTime"`
	Meta               Meta           `json:"meta"`
	CoveragePercent    *float64       `json:"coveragePercent,omitempty"`
	Visualization      *Visualization `json:"visualization,omitempty"`
	VisualizationIndex int            `json:"visualizationIndex"`
}

// CloudCover returns the average cloud cover, if reported
func (f Flyover) CloudCover() (float64, bool) {
	if f.Meta.AverageCloudCoverPercent == nil {
		return 0, false
	}
	return *f.Meta.AverageCloudCoverPercent, true
}

// Coverage returns the AOI coverage, if reported
func (f Flyover) Coverage() (float64, bool) {
	if f.CoveragePercent == nil {
		return 0, false
	}
	return *f.CoveragePercent, true
}

// Hash returns a content hash of the flyover record. Two flyovers with the
// same times, metadata and visualization hash equally.
func (f Flyover) Hash() uint64 {
	data, err := json.Marshal(f)
	if err != nil {
		// Only unsupported values (NaN effects) end up here
		return xxhash.Sum64String(f.FromTime.String() + f.ToTime.String())
	}
	return xxhash.Sum64(data)
}

// Interval is a closed UTC time range
type Interval struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Percent is a helper for building optional metric values
func Percent(v float64) *float64 {
	return &v
}
