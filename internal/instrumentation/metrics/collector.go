// Package metrics holds the prometheus collectors and the dedicated
// metrics server.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// OrchestratorCollector implements NamedCollector and gathers command,
// bus, store and registry metrics. It satisfies the Metrics interfaces of
// the bus, engine, registry and dlq packages.
type OrchestratorCollector struct {
	// Command lifecycle metrics
	commandsCounter      *prometheus.CounterVec
	commandDurationHist  *prometheus.HistogramVec
	pendingCorrelations  prometheus.Gauge

	// Bus metrics
	busInCounter        *prometheus.CounterVec
	busOutCounter       *prometheus.CounterVec
	busInSizeHist       prometheus.Histogram
	busOutSizeHist      prometheus.Histogram
	publishDurationHist prometheus.Histogram
	busUpGauge          prometheus.Gauge

	// Store metrics
	storeOpCounter      *prometheus.CounterVec
	storeOpDurationHist *prometheus.HistogramVec

	// Registry and DLQ gauges
	connectedDevicesGauge prometheus.Gauge
	loadedModulesGauge    prometheus.Gauge
	dlqEntriesGauge       prometheus.Gauge

	log logrus.FieldLogger
}

// NewOrchestratorCollector creates an OrchestratorCollector.
func NewOrchestratorCollector(log logrus.FieldLogger) *OrchestratorCollector {
	collector := &OrchestratorCollector{
		commandsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labhub_commands_total",
			Help: "Total number of finalized commands",
		}, []string{"device", "module", "action", "status"}),
		commandDurationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labhub_command_duration_seconds",
			Help:    "Histogram of dispatch-to-terminal command time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms .. ~41s
		}, []string{"status"}),
		pendingCorrelations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_pending_correlations",
			Help: "Current number of commands awaiting acknowledgment",
		}),

		busInCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labhub_bus_inbound_messages_total",
			Help: "Total inbound bus messages by topic kind",
		}, []string{"kind"}),
		busOutCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labhub_bus_outbound_messages_total",
			Help: "Total outbound bus messages by topic kind",
		}, []string{"kind"}),
		busInSizeHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labhub_bus_inbound_message_bytes",
			Help:    "Histogram of inbound payload sizes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. 1MiB
		}),
		busOutSizeHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labhub_bus_outbound_message_bytes",
			Help:    "Histogram of outbound payload sizes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		publishDurationHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labhub_bus_publish_duration_seconds",
			Help:    "Histogram of broker publish confirmation time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
		}),
		busUpGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_bus_up",
			Help: "Broker connection up (1) or down (0)",
		}),

		storeOpCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labhub_store_operations_total",
			Help: "Total store operations by name and result",
		}, []string{"op", "result"}),
		storeOpDurationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labhub_store_operation_duration_seconds",
			Help:    "Histogram of store operation latency by name",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),

		connectedDevicesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_connected_devices",
			Help: "Current number of online devices",
		}),
		loadedModulesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_loaded_modules",
			Help: "Current number of modules across online devices",
		}),
		dlqEntriesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_dlq_entries",
			Help: "Current number of dead letter records",
		}),

		log: log,
	}

	collector.log.Debug("orchestrator metrics collector initialized")
	return collector
}

func (c *OrchestratorCollector) MetricsName() string {
	return "orchestrator"
}

func (c *OrchestratorCollector) Describe(ch chan<- *prometheus.Desc) {
	c.commandsCounter.Describe(ch)
	c.commandDurationHist.Describe(ch)
	c.pendingCorrelations.Describe(ch)
	c.busInCounter.Describe(ch)
	c.busOutCounter.Describe(ch)
	c.busInSizeHist.Describe(ch)
	c.busOutSizeHist.Describe(ch)
	c.publishDurationHist.Describe(ch)
	c.busUpGauge.Describe(ch)
	c.storeOpCounter.Describe(ch)
	c.storeOpDurationHist.Describe(ch)
	c.connectedDevicesGauge.Describe(ch)
	c.loadedModulesGauge.Describe(ch)
	c.dlqEntriesGauge.Describe(ch)
}

func (c *OrchestratorCollector) Collect(ch chan<- prometheus.Metric) {
	c.commandsCounter.Collect(ch)
	c.commandDurationHist.Collect(ch)
	c.pendingCorrelations.Collect(ch)
	c.busInCounter.Collect(ch)
	c.busOutCounter.Collect(ch)
	c.busInSizeHist.Collect(ch)
	c.busOutSizeHist.Collect(ch)
	c.publishDurationHist.Collect(ch)
	c.busUpGauge.Collect(ch)
	c.storeOpCounter.Collect(ch)
	c.storeOpDurationHist.Collect(ch)
	c.connectedDevicesGauge.Collect(ch)
	c.loadedModulesGauge.Collect(ch)
	c.dlqEntriesGauge.Collect(ch)
}

// Engine surface

func (c *OrchestratorCollector) CommandFinished(deviceID, moduleName, action, status string, d time.Duration) {
	c.commandsCounter.WithLabelValues(deviceID, moduleName, action, status).Inc()
	c.commandDurationHist.WithLabelValues(status).Observe(d.Seconds())
}

func (c *OrchestratorCollector) SetPendingCorrelations(n int) {
	c.pendingCorrelations.Set(float64(n))
}

// Bus surface

func (c *OrchestratorCollector) InboundMessage(topic string, size int) {
	c.busInCounter.WithLabelValues(topicKind(topic)).Inc()
	c.busInSizeHist.Observe(float64(size))
}

func (c *OrchestratorCollector) OutboundMessage(topic string, size int) {
	c.busOutCounter.WithLabelValues(topicKind(topic)).Inc()
	c.busOutSizeHist.Observe(float64(size))
}

func (c *OrchestratorCollector) PublishDuration(d time.Duration) {
	c.publishDurationHist.Observe(d.Seconds())
}

func (c *OrchestratorCollector) ConnectionState(connected bool) {
	if connected {
		c.busUpGauge.Set(1)
	} else {
		c.busUpGauge.Set(0)
	}
}

// Store surface, wired through store.RegisterOpObserver

func (c *OrchestratorCollector) StoreOperation(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.storeOpCounter.WithLabelValues(op, result).Inc()
	c.storeOpDurationHist.WithLabelValues(op).Observe(d.Seconds())
}

// Registry and DLQ surfaces

func (c *OrchestratorCollector) SetConnectedDevices(n int) {
	c.connectedDevicesGauge.Set(float64(n))
}

func (c *OrchestratorCollector) SetLoadedModules(n int) {
	c.loadedModulesGauge.Set(float64(n))
}

func (c *OrchestratorCollector) SetDLQEntries(n int) {
	c.dlqEntriesGauge.Set(float64(n))
}

// topicKind keeps the bus label cardinality bounded: the leaf of the
// topic, not the device-specific path.
func topicKind(topic string) string {
	switch {
	case strings.HasPrefix(topic, "/lab/dlq/"):
		return "dlq"
	case strings.HasSuffix(topic, "/meta"):
		return "meta"
	case strings.HasSuffix(topic, "/heartbeat"):
		return "heartbeat"
	case strings.HasSuffix(topic, "/status"):
		return "status"
	case strings.HasSuffix(topic, "/cmd"):
		return "cmd"
	case strings.HasSuffix(topic, "/ack"):
		return "ack"
	default:
		return "other"
	}
}
