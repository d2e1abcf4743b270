// Package metrics holds the Prometheus collectors of the process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bassi"

// Registry is the registry every collector of this package is registered on.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	SessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently held by the registry.",
	})

	ChannelsAttached = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels_attached",
		Help:      "Channels currently attached to a session.",
	})

	Uploads = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workspace_uploads_total",
		Help:      "Workspace uploads by outcome (stored, deduplicated, too_large, invalid_name, error).",
	}, []string{"outcome"})

	UploadBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workspace_upload_bytes_total",
		Help:      "Bytes written to workspace blobs.",
	})

	PermissionDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permission_decisions_total",
		Help:      "Permission evaluations by decision and deciding source.",
	}, []string{"decision", "source"})

	QuestionResolutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "question_resolutions_total",
		Help:      "Questions by terminal resolution.",
	}, []string{"resolution"})

	TaskDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_task_duration_seconds",
		Help:      "Duration of agent tasks by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"outcome"})

	MessagesRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_messages_rejected_total",
		Help:      "Inbound channel messages answered with a busy or error notice.",
	}, []string{"reason"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveTask records the duration of a finished agent task.
func ObserveTask(outcome string, started time.Time) {
	TaskDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
