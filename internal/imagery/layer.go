package imagery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"

	"github.com/sentinel-hub/eo-timelapse/internal/common"
	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
)

const capabilitiesTimeout = 10 * time.Second

// Layer is the catalog binding of one dataset
type Layer struct {
	client    *Client
	datasetID string

	capsOnce sync.Once
	caps     flyover.Capabilities
}

type searchBody struct {
	DatasetID string            `json:"datasetId"`
	Area      *geojson.Geometry `json:"area,omitempty"`
	From      time.Time         `json:"from"`
	To        time.Time         `json:"to"`
}

type flyoversResponse struct {
	Flyovers []flyover.Flyover `json:"flyovers"`
}

type datesResponse struct {
	Dates []string `json:"dates"`
}

func (l *Layer) search(q flyover.Query) searchBody {
	body := searchBody{
		DatasetID: l.datasetID,
		From:      q.Interval.From.UTC(),
		To:        q.Interval.To.UTC(),
	}
	if q.Area != nil {
		body.Area = geojson.NewGeometry(q.Area)
	}
	return body
}

// FindFlyovers queries /flyovers for orbit-aware passes
func (l *Layer) FindFlyovers(ctx context.Context, q flyover.Query) ([]flyover.Flyover, error) {
	data, err := l.client.do(ctx, http.MethodPost, "/flyovers", nil, l.search(q))
	if err != nil {
		return nil, notSupported(err)
	}

	var resp flyoversResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse flyovers: %w", err)
	}
	return resp.Flyovers, nil
}

// FindDatesUTC queries /dates for the days with data
func (l *Layer) FindDatesUTC(ctx context.Context, q flyover.Query) ([]time.Time, error) {
	data, err := l.client.do(ctx, http.MethodPost, "/dates", nil, l.search(q))
	if err != nil {
		return nil, notSupported(err)
	}

	var resp datesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse dates: %w", err)
	}

	dates := make([]time.Time, 0, len(resp.Dates))
	for _, s := range resp.Dates {
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			d, err = common.ParseISO8601(s)
		}
		if err != nil {
			l.client.logger.Warn().Str("date", s).Msg("Skipping unparseable date")
			continue
		}
		dates = append(dates, d.UTC())
	}
	return dates, nil
}

// Capabilities is fetched once; failures fall back to the defaults
func (l *Layer) Capabilities() flyover.Capabilities {
	l.capsOnce.Do(func() {
		l.caps = flyover.DefaultCapabilities()

		ctx, cancel := context.WithTimeout(context.Background(), capabilitiesTimeout)
		defer cancel()

		data, err := l.client.do(ctx, http.MethodGet, "/capabilities", url.Values{"datasetId": {l.datasetID}}, nil)
		if err != nil {
			l.client.logger.Warn().Err(err).Str("dataset", l.datasetID).Msg("Using default capabilities")
			return
		}

		var caps struct {
			SupportsTimelapse *bool `json:"supportsTimelapse"`
		}
		if err := json.Unmarshal(data, &caps); err != nil {
			l.client.logger.Warn().Err(err).Str("dataset", l.datasetID).Msg("Invalid capabilities response")
			return
		}
		if caps.SupportsTimelapse != nil {
			l.caps.SupportsTimelapse = *caps.SupportsTimelapse
		}
	})
	return l.caps
}

// notSupported maps "endpoint missing" answers to flyover.ErrNotSupported
func notSupported(err error) error {
	var se *StatusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusNotImplemented) {
		return fmt.Errorf("%w: %v", flyover.ErrNotSupported, err)
	}
	return err
}
