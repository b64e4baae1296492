package metrics

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const MetricsNamespace = "testpulse"

var (
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "admissions_total",
		Help:      "Count of start requests by kind and result",
	}, []string{
		"kind",
		"result",
	})

	activeExecutions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_executions",
		Help:      "Number of executions currently held by the registry",
	}, []string{
		"kind",
	})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "completions_total",
		Help:      "Count of finished executions by kind and status",
	}, []string{
		"kind",
		"status",
	})

	testResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_results_total",
		Help:      "Count of completed tests reported by executors",
	}, []string{
		"status",
	})

	observers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "observers",
		Help:      "Number of observers joined to the hub",
	})

	messagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "messages_published_total",
		Help:      "Count of messages published to the hub",
	}, []string{
		"type",
	})

	observersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "observers_dropped_total",
		Help:      "Count of observers removed by the hub",
	}, []string{
		"reason",
	})

	resetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "registry_resets_total",
		Help:      "Count of administrative registry resets",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordAdmission(kind, result string) {
	admissionsTotal.WithLabelValues(kind, result).Inc()
}

func IncActive(kind string) {
	activeExecutions.WithLabelValues(kind).Inc()
}

func DecActive(kind string) {
	activeExecutions.WithLabelValues(kind).Dec()
}

// ResetActive zeroes every kind after the registry is cleared.
func ResetActive() {
	activeExecutions.Reset()
	resetsTotal.Inc()
}

func RecordCompletion(kind, status string) {
	completionsTotal.WithLabelValues(kind, status).Inc()
}

func RecordTestResult(status string) {
	testResultsTotal.WithLabelValues(status).Inc()
}

func SetObservers(n int) {
	observers.Set(float64(n))
}

func RecordPublished(msgType string) {
	messagesPublished.WithLabelValues(msgType).Inc()
}

func RecordObserverDropped(reason string) {
	observersDropped.WithLabelValues(reason).Inc()
}

func RecordError(label string) {
	errorsTotal.WithLabelValues(label).Inc()
}

// RecordErrorDetails appends a label-safe form of err to label.
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	RecordError(label + "." + errToLabel(err))
}

func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	clean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	clean = strings.ReplaceAll(clean, " ", "_")
	clean = strings.ReplaceAll(clean, "__", "_")
	return clean
}
