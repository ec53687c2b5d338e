// Package metrics exposes gateway counters on a per-process Prometheus
// registry. Every method is safe on a nil *Recorder, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics exposes gateway metrics over HTTP.
type Metrics interface {
	HTTPHandler() http.Handler
}

// Recorder owns the gateway collectors and the registry they live in.
type Recorder struct {
	registry *prometheus.Registry

	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	admissionRejections prometheus.Counter
	staleResets         prometheus.Counter
	billedCost          prometheus.Counter
	billedTokens        *prometheus.CounterVec
	billingFailures     prometheus.Counter
	skippedCharges      prometheus.Counter
	meteringParseErrors prometheus.Counter
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied completion requests by response status.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied completion requests.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stream"}),
		admissionRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected because the account had no free concurrency slot.",
		}),
		staleResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_stale_resets_total",
			Help:      "Concurrency counters reset by the reconciler.",
		}),
		billedCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billed_cost_usd_total",
			Help:      "Total cost debited from account balances.",
		}),
		billedTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billed_tokens_total",
			Help:      "Billed tokens by direction.",
		}, []string{"direction"}),
		billingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_failures_total",
			Help:      "Charges that could not be applied.",
		}),
		skippedCharges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_skipped_total",
			Help:      "Completed requests not billed because no usage was observed.",
		}),
		meteringParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metering_parse_errors_total",
			Help:      "Stream frames whose usage payload could not be parsed.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.admissionRejections,
		r.staleResets,
		r.billedCost,
		r.billedTokens,
		r.billingFailures,
		r.skippedCharges,
		r.meteringParseErrors,
	)

	return r
}

// HTTPHandler serves the registry in the Prometheus text format
func (r *Recorder) HTTPHandler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest records a finished proxied request
func (r *Recorder) ObserveRequest(status int, stream bool, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(strconv.FormatBool(stream)).Observe(d.Seconds())
}

func (r *Recorder) AdmissionRejected() {
	if r == nil {
		return
	}
	r.admissionRejections.Inc()
}

func (r *Recorder) StaleCountersReset(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.staleResets.Add(float64(n))
}

// Charged records a successful debit
func (r *Recorder) Charged(cost float64, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	if cost > 0 {
		r.billedCost.Add(cost)
	}
	r.billedTokens.WithLabelValues("input").Add(float64(inputTokens))
	r.billedTokens.WithLabelValues("output").Add(float64(outputTokens))
}

func (r *Recorder) BillingFailed() {
	if r == nil {
		return
	}
	r.billingFailures.Inc()
}

func (r *Recorder) BillingSkipped() {
	if r == nil {
		return
	}
	r.skippedCharges.Inc()
}

func (r *Recorder) MeteringParseErrors(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.meteringParseErrors.Add(float64(n))
}
