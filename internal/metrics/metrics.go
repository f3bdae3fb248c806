// Package metrics exposes call-forward service state to Prometheus. Values
// are read from their owners at scrape time rather than mirrored into
// counters.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callforward/internal/agi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// scrapeTimeout bounds store queries made during a scrape.
const scrapeTimeout = 5 * time.Second

// RuleCounter returns the number of stored call forwards.
type RuleCounter interface {
	Count(ctx context.Context) (int64, error)
}

// AGIStatsProvider exposes FastAGI session counters.
type AGIStatsProvider interface {
	Stats() agi.Stats
}

// Collector is a prometheus.Collector that gathers service metrics at scrape time.
type Collector struct {
	rules     RuleCounter
	agi       AGIStatsProvider
	startTime time.Time
	logger    *slog.Logger

	rulesDesc        *prometheus.Desc
	sessionsDesc     *prometheus.Desc
	activeDesc       *prometheus.Desc
	authFailuresDesc *prometheus.Desc
	blockedDesc      *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a collector. Either provider may be nil.
func NewCollector(rules RuleCounter, agiStats AGIStatsProvider, startTime time.Time, logger *slog.Logger) *Collector {
	return &Collector{
		rules:     rules,
		agi:       agiStats,
		startTime: startTime,
		logger:    logger.With("component", "metrics"),

		rulesDesc: prometheus.NewDesc(
			"callforward_rules",
			"Number of stored call forward rules",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"callforward_agi_sessions_total",
			"FastAGI sessions served, by outcome",
			[]string{"outcome"}, nil,
		),
		activeDesc: prometheus.NewDesc(
			"callforward_agi_sessions_active",
			"FastAGI sessions currently open",
			nil, nil,
		),
		authFailuresDesc: prometheus.NewDesc(
			"callforward_agi_auth_failures_total",
			"FastAGI digest challenges that failed",
			nil, nil,
		),
		blockedDesc: prometheus.NewDesc(
			"callforward_agi_blocked_peers",
			"FastAGI peers currently blocked after repeated auth failures",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callforward_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rulesDesc
	ch <- c.sessionsDesc
	ch <- c.activeDesc
	ch <- c.authFailuresDesc
	ch <- c.blockedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	if c.rules != nil {
		n, err := c.rules.Count(ctx)
		if err != nil {
			c.logger.Error("failed to count call forwards", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.rulesDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.agi != nil {
		st := c.agi.Stats()
		for _, o := range agi.Outcomes {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsDesc, prometheus.CounterValue,
				float64(st.Sessions[o]), string(o),
			)
		}
		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(st.Active))
		ch <- prometheus.MustNewConstMetric(c.authFailuresDesc, prometheus.CounterValue, float64(st.AuthFailures))
		ch <- prometheus.MustNewConstMetric(c.blockedDesc, prometheus.GaugeValue, float64(st.BlockedPeers))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
