// Package metrics はジョブ処理の Prometheus メトリクスを提供します。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はジョブのメトリクスをまとめて保持します。nil のままでも呼び出せます。
type Collector struct {
	jobsSubmitted    *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	strategyFailures *prometheus.CounterVec
	jobsEvicted      prometheus.Counter
	jobDuration      *prometheus.HistogramVec
	jobsTracked      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector はメトリクスを reg に登録して Collector を返します。
// reg が nil の場合は専用のレジストリを作ります。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enhancer_jobs_submitted_total",
			Help: "Total number of enhancement jobs accepted, by intensity level",
		}, []string{"level"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enhancer_jobs_completed_total",
			Help: "Total number of jobs completed, by the strategy that produced the output",
		}, []string{"strategy"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enhancer_jobs_failed_total",
			Help: "Total number of jobs that ended in the error stage, by error code",
		}, []string{"code"}),
		strategyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enhancer_strategy_failures_total",
			Help: "Total number of failed enhancement attempts, by strategy",
		}, []string{"strategy"}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enhancer_jobs_evicted_total",
			Help: "Total number of job records removed by the expiry sweeper",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enhancer_job_duration_seconds",
			Help:    "Time from worker pickup to a terminal stage",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		jobsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enhancer_jobs_tracked",
			Help: "Number of job records currently held in memory, by stage",
		}, []string{"stage"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.strategyFailures,
		c.jobsEvicted,
		c.jobDuration,
		c.jobsTracked,
	)
	return c
}

func (c *Collector) RecordSubmitted(level string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(level).Inc()
}

func (c *Collector) RecordCompleted(strategy string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(strategy).Inc()
	c.jobDuration.WithLabelValues("complete").Observe(elapsed.Seconds())
}

func (c *Collector) RecordFailed(code string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(code).Inc()
	c.jobDuration.WithLabelValues("error").Observe(elapsed.Seconds())
}

func (c *Collector) RecordStrategyFailure(strategy string) {
	if c == nil {
		return
	}
	c.strategyFailures.WithLabelValues(strategy).Inc()
}

func (c *Collector) RecordEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsEvicted.Add(float64(n))
}

// SetTracked は段階ごとの保持件数を置き換えます。stages に無い段階は 0 になります。
func (c *Collector) SetTracked(stages []string, counts map[string]int) {
	if c == nil {
		return
	}
	for _, s := range stages {
		c.jobsTracked.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// Handler は /metrics 用の HTTP ハンドラーを返します。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
