package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsIndependentPerInstance(t *testing.T) {
	a := New()
	b := New()
	a.DuplicatesDropped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.DuplicatesDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DuplicatesDropped))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.OccurrencesTruncated.Add(3)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "wikimetrics_scheduler_occurrences_truncated_total 3"))
}
