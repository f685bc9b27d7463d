package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
)

// MetricsService exposes Prometheus metrics derived from scan and bulk events.
type MetricsService struct {
	eventBus eventbus.Publisher
	gatherer prometheus.Gatherer

	// Counters
	scansTotal         *prometheus.CounterVec
	pagesProcessed     prometheus.Counter
	pagesFlagged       prometheus.Counter
	bulkActionsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	detectedResets     prometheus.Counter

	// Gauges
	detectedIndexSize prometheus.Gauge
	scanInProgress    prometheus.Gauge

	// Histograms
	scanDuration *prometheus.HistogramVec
}

// NewMetricsService creates metrics registered with the default registry.
func NewMetricsService(eb eventbus.Publisher) *MetricsService {
	return newMetricsService(eb, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newMetricsService(eb eventbus.Publisher, reg prometheus.Registerer, gatherer prometheus.Gatherer) *MetricsService {
	m := &MetricsService{
		eventBus: eb,
		gatherer: gatherer,

		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_scans_total",
				Help: "Total number of scans by mode and outcome",
			},
			[]string{"mode", "outcome"}, // completed, failed
		),

		pagesProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guardian_pages_processed_total",
				Help: "Total number of pages evaluated by scans",
			},
		),

		pagesFlagged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guardian_pages_flagged_total",
				Help: "Total number of pages flagged by completed scans",
			},
		),

		bulkActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_bulk_pages_updated_total",
				Help: "Total number of pages updated by bulk actions",
			},
			[]string{"action"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_notifications_total",
				Help: "Total number of notifications sent by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		detectedResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guardian_detected_resets_total",
				Help: "Total number of detected index resets",
			},
		),

		detectedIndexSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardian_detected_index_size",
				Help: "Number of pages in the detected index after the last completed scan",
			},
		),

		scanInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardian_scan_in_progress",
				Help: "1 while a scan is running, 0 otherwise",
			},
		),

		scanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardian_scan_duration_seconds",
				Help:    "Duration of scans in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1hour
			},
			[]string{"mode"},
		),
	}

	reg.MustRegister(
		m.scansTotal,
		m.pagesProcessed,
		m.pagesFlagged,
		m.bulkActionsTotal,
		m.notificationsTotal,
		m.detectedResets,
		m.detectedIndexSize,
		m.scanInProgress,
		m.scanDuration,
	)

	return m
}

// Start subscribes to events and updates metrics
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.ScanStarted, m.handleScanStarted)
	m.eventBus.Subscribe(domain.ScanCompleted, m.handleScanCompleted)
	m.eventBus.Subscribe(domain.ScanFailed, m.handleScanFailed)
	m.eventBus.Subscribe(domain.BulkActionApplied, m.handleBulkActionApplied)
	m.eventBus.Subscribe(domain.DetectedReset, m.handleDetectedReset)
	m.eventBus.Subscribe(domain.NotificationSent, m.handleNotificationSent)
	m.eventBus.Subscribe(domain.NotificationError, m.handleNotificationFailed)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetIndexSize seeds the index gauge, e.g. from the stored index at startup.
func (m *MetricsService) SetIndexSize(n int) {
	m.detectedIndexSize.Set(float64(n))
}

// Event handlers

func (m *MetricsService) handleScanStarted(event domain.Event) {
	m.scanInProgress.Set(1)
}

func (m *MetricsService) handleScanCompleted(event domain.Event) {
	data, ok := event.ParseScanEventData()
	if !ok {
		return
	}
	m.scanInProgress.Set(0)
	m.scansTotal.WithLabelValues(data.Mode, "completed").Inc()
	m.pagesProcessed.Add(float64(data.Processed))
	m.pagesFlagged.Add(float64(data.Detected))
	m.detectedIndexSize.Set(float64(data.Total))
	m.scanDuration.WithLabelValues(data.Mode).Observe(data.DurationMs / 1000)
}

func (m *MetricsService) handleScanFailed(event domain.Event) {
	data, ok := event.ParseScanEventData()
	if !ok {
		return
	}
	m.scanInProgress.Set(0)
	m.scansTotal.WithLabelValues(data.Mode, "failed").Inc()
	m.pagesProcessed.Add(float64(data.Processed))
	m.scanDuration.WithLabelValues(data.Mode).Observe(data.DurationMs / 1000)
}

func (m *MetricsService) handleBulkActionApplied(event domain.Event) {
	action := event.GetStringOr("action", "unknown")
	m.bulkActionsTotal.WithLabelValues(action).Add(float64(event.GetInt64Or("updated", 0)))
}

func (m *MetricsService) handleDetectedReset(event domain.Event) {
	m.detectedResets.Inc()
	m.detectedIndexSize.Set(0)
}

func (m *MetricsService) handleNotificationSent(event domain.Event) {
	m.notificationsTotal.WithLabelValues("sent").Inc()
}

func (m *MetricsService) handleNotificationFailed(event domain.Event) {
	m.notificationsTotal.WithLabelValues("failed").Inc()
}
