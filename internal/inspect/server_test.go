package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mrzor/durability-tracer/internal/bpf"
	"github.com/mrzor/durability-tracer/internal/correlation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTable struct {
	records []correlation.Record
}

func (f fakeTable) Snapshot() []correlation.Record { return f.records }
func (f fakeTable) Len() int                       { return len(f.records) }
func (f fakeTable) Cap() int                       { return 1000 }

type fakeKernel struct {
	values []bpf.InflightValue
	err    error
}

func (f fakeKernel) Inflight() ([]bpf.InflightValue, error) { return f.values, f.err }

func newHandler(t *testing.T, kernel KernelTable) http.Handler {
	t.Helper()
	logger, _ := test.NewNullLogger()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	table := fakeTable{records: []correlation.Record{
		{JobID: 1, Inode: 10, HashedIdentity: 0xa, State: correlation.Submitted, Seq: 1},
		{JobID: 2, Inode: 20, HashedIdentity: 0xb, State: correlation.DataDurable, Acknowledged: true, Seq: 2},
	}}
	return NewHandler(table, kernel, reg, logger)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestInflight(t *testing.T) {
	rec := get(t, newHandler(t, nil), "/inflight")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Capacity int `json:"capacity"`
		Len      int `json:"len"`
		Records  []struct {
			JobID uint64 `json:"job_id"`
			State string `json:"state"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1000, body.Capacity)
	assert.Equal(t, 2, body.Len)
	require.Len(t, body.Records, 2)
	assert.Equal(t, "submit", body.Records[0].State)
	assert.Equal(t, "data-durable", body.Records[1].State)
}

func TestInflight_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(t, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inflight", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestKernelInflight(t *testing.T) {
	kernel := fakeKernel{values: []bpf.InflightValue{
		{JobID: 5, Inode: 50, HashedInode: 0xe, State: bpf.STATE_DATA_DURABLE, SubmittedAt: 200},
		{JobID: 4, Inode: 40, HashedInode: 0xd, State: bpf.STATE_SUBMITTED, SubmittedAt: 100},
	}}

	rec := get(t, newHandler(t, kernel), "/inflight/kernel")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []struct {
		JobID uint64 `json:"job_id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, uint64(4), body[0].JobID)
	assert.Equal(t, "submit", body[0].State)
	assert.Equal(t, "data-durable", body[1].State)
}

func TestKernelInflight_Unavailable(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, newHandler(t, nil), "/inflight/kernel").Code)

	failing := fakeKernel{err: errors.New("map closed")}
	assert.Equal(t, http.StatusInternalServerError, get(t, newHandler(t, failing), "/inflight/kernel").Code)
}

func TestMetrics(t *testing.T) {
	rec := get(t, newHandler(t, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe_total 3")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), newHandler(t, nil), logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get("http://" + ln.Addr().String() + "/inflight")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(body), `"capacity": 1000`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
