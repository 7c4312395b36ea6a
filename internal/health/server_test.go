package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-lake/internal/connector"
	"github.com/katasec/dstream-ingester-lake/internal/materializer"
	"github.com/katasec/dstream-ingester-lake/internal/metrics"
)

type fixedConnector connector.State

func (c fixedConnector) Status() connector.State { return connector.State(c) }

type fixedPipeline []materializer.PartitionStatus

func (p fixedPipeline) Status() []materializer.PartitionStatus { return p }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(":0", fixedConnector(connector.StateRunning), nil, nil, hclog.NewNullLogger())

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "running", resp.Connector)
}

func TestHealthFailedConnector(t *testing.T) {
	s := NewServer(":0", fixedConnector(connector.StateFailed), nil, nil, hclog.NewNullLogger())

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	p := fixedPipeline{{Partition: "cdc.public.tweets/0", Position: 41, BatchLimit: 500, AvgRowBytes: 96}}
	s := NewServer(":0", nil, p, nil, hclog.NewNullLogger())

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "unmanaged", resp.Connector)
	require.Len(t, resp.Partitions, 1)
	assert.Equal(t, int64(41), resp.Partitions[0].Position)
	assert.Equal(t, int32(96), resp.Partitions[0].AvgRowBytes)
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.BatchesCommitted.WithLabelValues("cdc.public.tweets/0").Inc()
	s := NewServer(":0", nil, nil, m.Handler(), hclog.NewNullLogger())

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dstream_lake_batches_committed_total"))
}
