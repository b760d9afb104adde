package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordSubmitted("medium")
	c.RecordSubmitted("medium")
	c.RecordSubmitted("strong")
	c.RecordCompleted("native", 2*time.Second)
	c.RecordFailed("ENHANCE_FAILED", time.Second)
	c.RecordStrategyFailure("clearvoice")
	c.RecordEvicted(3)
	c.RecordEvicted(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("medium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("strong")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("native")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("ENHANCE_FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.strategyFailures.WithLabelValues("clearvoice")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsEvicted))
	assert.Equal(t, 2, testutil.CollectAndCount(c.jobDuration))
}

func TestSetTrackedResetsMissingStages(t *testing.T) {
	c := NewCollector(nil)
	stages := []string{"queued", "processing", "complete"}

	c.SetTracked(stages, map[string]int{"queued": 2, "processing": 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsTracked.WithLabelValues("queued")))

	c.SetTracked(stages, map[string]int{"complete": 3})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsTracked.WithLabelValues("queued")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsTracked.WithLabelValues("complete")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSubmitted("light")
		c.RecordCompleted("native", time.Second)
		c.RecordFailed("X", time.Second)
		c.RecordStrategyFailure("ffmpeg")
		c.RecordEvicted(1)
		c.SetTracked([]string{"queued"}, nil)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordSubmitted("light")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `enhancer_jobs_submitted_total{level="light"} 1`)
}
