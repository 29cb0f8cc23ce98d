// Package metrics exposes PBX/TU counters as a Prometheus collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RegistryStatsProvider exposes the extension registry's point-in-time
// and cumulative counters.
type RegistryStatsProvider interface {
	ActiveCount() int
	DialsTotal() uint64
	DialsBusy() uint64
	DialsError() uint64
}

// NotificationCounter exposes the cumulative count of notification lines
// written to TU sockets across the process.
type NotificationCounter interface {
	NotificationsSent() uint64
}

// Collector is a prometheus.Collector that gathers PBX metrics at scrape
// time.
type Collector struct {
	registry      RegistryStatsProvider
	notifications NotificationCounter
	startTime     time.Time

	activeExtensionsDesc *prometheus.Desc
	dialsTotalDesc       *prometheus.Desc
	dialsBusyDesc        *prometheus.Desc
	dialsErrorDesc       *prometheus.Desc
	notificationsDesc    *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Either provider may be
// nil if unavailable.
func NewCollector(registry RegistryStatsProvider, notifications NotificationCounter, startTime time.Time) *Collector {
	return &Collector{
		registry:      registry,
		notifications: notifications,
		startTime:     startTime,

		activeExtensionsDesc: prometheus.NewDesc(
			"pbx_active_extensions",
			"Number of extensions currently registered with the PBX",
			nil, nil,
		),
		dialsTotalDesc: prometheus.NewDesc(
			"pbx_dials_total",
			"Total number of dial operations attempted",
			nil, nil,
		),
		dialsBusyDesc: prometheus.NewDesc(
			"pbx_dials_busy_total",
			"Total number of dials that resulted in BUSY_SIGNAL",
			nil, nil,
		),
		dialsErrorDesc: prometheus.NewDesc(
			"pbx_dials_error_total",
			"Total number of dials that resulted in ERROR",
			nil, nil,
		),
		notificationsDesc: prometheus.NewDesc(
			"pbx_notifications_total",
			"Total number of state notification lines written to client sockets",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbx_uptime_seconds",
			"Seconds since the PBX process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeExtensionsDesc
	ch <- c.dialsTotalDesc
	ch <- c.dialsBusyDesc
	ch <- c.dialsErrorDesc
	ch <- c.notificationsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.registry != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeExtensionsDesc, prometheus.GaugeValue,
			float64(c.registry.ActiveCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.dialsTotalDesc, prometheus.CounterValue,
			float64(c.registry.DialsTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.dialsBusyDesc, prometheus.CounterValue,
			float64(c.registry.DialsBusy()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.dialsErrorDesc, prometheus.CounterValue,
			float64(c.registry.DialsError()),
		)
	}

	if c.notifications != nil {
		ch <- prometheus.MustNewConstMetric(
			c.notificationsDesc, prometheus.CounterValue,
			float64(c.notifications.NotificationsSent()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
