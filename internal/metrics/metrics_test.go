package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	OperatorRunsTotal.WithLabelValues("ok").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "assured_active_websocket_clients")
	assert.Contains(t, body, "assured_operator_runs_total")
}

func TestMiddleware_CountsPaymentRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/paid/:serviceId", func(c *gin.Context) {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_required"})
	})

	before := testutil.ToFloat64(PaymentRequiredTotal.WithLabelValues("metrics-test"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/paid/metrics-test", nil))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(PaymentRequiredTotal.WithLabelValues("metrics-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/paid/:serviceId", "4xx")))
}

func TestMiddleware_ObservesDuration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/duration-probe", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/duration-probe", nil))

	obs, err := HTTPRequestDuration.GetMetricWithLabelValues("GET", "/v1/duration-probe")
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, obs.(prometheus.Metric).Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
