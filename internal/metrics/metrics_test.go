package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSignalWritten(t *testing.T) {
	before := testutil.ToFloat64(signalsTotal.WithLabelValues("offer"))
	SignalWritten("offer")
	assert.Equal(t, before+1, testutil.ToFloat64(signalsTotal.WithLabelValues("offer")))
}

func TestRecordHTTP(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200"))
	RecordHTTP(http.MethodGet, "/health", http.StatusOK, 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200")))
}

func TestWSGauge(t *testing.T) {
	before := testutil.ToFloat64(wsActiveConnections)
	WSConnected()
	WSConnected()
	WSDisconnected()
	assert.Equal(t, before+1, testutil.ToFloat64(wsActiveConnections))
}
