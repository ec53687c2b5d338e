package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	r.ObserveRequest(200, true, 120*time.Millisecond)
	r.ObserveRequest(429, false, time.Millisecond)
	r.AdmissionRejected()
	r.StaleCountersReset(2)
	r.Charged(0.009, 1000, 500)
	r.BillingSkipped()
	r.MeteringParseErrors(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.admissionRejections))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.staleResets))
	assert.InDelta(t, 0.009, testutil.ToFloat64(r.billedCost), 1e-12)
	assert.Equal(t, 1000.0, testutil.ToFloat64(r.billedTokens.WithLabelValues("input")))
	assert.Equal(t, 500.0, testutil.ToFloat64(r.billedTokens.WithLabelValues("output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.skippedCharges))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.meteringParseErrors))
}

func TestRecorder_HTTPHandler(t *testing.T) {
	r := NewRecorder()
	r.AdmissionRejected()

	w := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_admission_rejections_total 1")
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.ObserveRequest(200, false, time.Second)
		r.AdmissionRejected()
		r.Charged(1, 1, 1)
		r.BillingFailed()
	})

	w := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
