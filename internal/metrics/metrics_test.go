package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheus_TileRequests(t *testing.T) {
	m := NewPrometheus()
	m.IncTileRequests(OutcomeOK)
	m.IncTileRequests(OutcomeOK)
	m.IncTileRequests(OutcomeRetry)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tileRequests.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tileRequests.WithLabelValues(OutcomeRetry)))
}

func TestPrometheus_LimiterDelay(t *testing.T) {
	m := NewPrometheus()
	m.SetLimiterDelay(250 * time.Millisecond)
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.limiterDelay), 1e-9)
}

func TestPrometheus_Handler(t *testing.T) {
	m := NewPrometheus()
	m.IncCacheHits()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "eotl_image_cache_hits_total 1"))
}

func TestNoop_SatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.IncTileRequests(OutcomeSoftFail)
	r.ObserveEncodeDuration("gif", time.Second)
}
