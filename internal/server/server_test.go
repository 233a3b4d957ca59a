package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tontonpaa/EmbedBot/internal/controller"
	"github.com/tontonpaa/EmbedBot/internal/metrics"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

type fakeController struct {
	mu      sync.Mutex
	last    *types.CycleSummary
	err     error
	anchors []string
}

func (f *fakeController) TriggerCycle(ctx context.Context, anchor string) (types.CycleSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchors = append(f.anchors, anchor)
	if f.err != nil {
		return types.CycleSummary{}, f.err
	}
	sum := sample()
	f.last = &sum
	return sum, nil
}

func (f *fakeController) LastSummary() (types.CycleSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return types.CycleSummary{}, false
	}
	return *f.last, true
}

func (f *fakeController) GetStatus() map[string]interface{} {
	return map[string]interface{}{"phase": "idle"}
}

func sample() types.CycleSummary {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return types.CycleSummary{
		CycleID:    "c-1",
		Trigger:    types.TriggerManual,
		StartedAt:  at,
		FinishedAt: at.Add(2 * time.Second),
		Outcome:    types.OutcomePartial,
		Regions: map[string]types.RegionSummary{
			"east:kanto": {OK: true, RecordCount: 3, Pages: 1, LastUpdated: at},
			"west:kinki": {OK: false, Error: "unreachable", RecordCount: 1, Pages: 1, LastUpdated: at},
		},
		Order: []string{"east:kanto", "west:kinki"},
	}
}

func dialBuf(t *testing.T, ctrl Controller) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer(ctrl).Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestSummaryStructConversion(t *testing.T) {
	st, err := SummaryToStruct(sample())
	require.NoError(t, err)
	assert.Equal(t, "partial_failure", st.Fields["outcome"].GetStringValue())

	back, err := StructToSummary(st)
	require.NoError(t, err)
	assert.Equal(t, sample().Regions, back.Regions)
	assert.True(t, sample().StartedAt.Equal(back.StartedAt))
}

func TestGRPCTriggerCycle(t *testing.T) {
	ctrl := &fakeController{}
	client := dialBuf(t, ctrl)

	sum, err := client.TriggerCycle(context.Background(), "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", sum.CycleID)
	assert.Equal(t, types.OutcomePartial, sum.Outcome)
	assert.Equal(t, []string{"west:kinki"}, sum.FailedRegions())
	assert.Equal(t, []string{"chan-1"}, ctrl.anchors)
}

func TestGRPCLastSummary(t *testing.T) {
	ctrl := &fakeController{}
	client := dialBuf(t, ctrl)

	_, err := client.LastSummary(context.Background())
	assert.ErrorIs(t, err, ErrNoSummary)

	_, err = client.TriggerCycle(context.Background(), "")
	require.NoError(t, err)

	sum, err := client.LastSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Regions["east:kanto"].RecordCount)
}

func TestGRPCStoppedControllerIsUnavailable(t *testing.T) {
	client := dialBuf(t, &fakeController{err: controller.ErrStopped})

	_, err := client.TriggerCycle(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGRPCDeadline(t *testing.T) {
	client := dialBuf(t, &fakeController{err: context.DeadlineExceeded})

	_, err := client.TriggerCycle(context.Background(), "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestRouter(ctrl Controller) http.Handler {
	return NewRouter(ctrl, HTTPOptions{Metrics: metrics.NewCollector(prometheus.NewRegistry())})
}

func TestHTTPHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&fakeController{}).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHTTPSummaryNotFoundThenOK(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestRouter(ctrl)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/summary", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/trigger", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{""}, ctrl.anchors)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var sum types.CycleSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sum))
	assert.Equal(t, "c-1", sum.CycleID)
}

func TestHTTPTriggerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"stopped", controller.ErrStopped, http.StatusServiceUnavailable},
		{"not started", controller.ErrNotStarted, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestRouter(&fakeController{err: tt.err}).ServeHTTP(rec, httptest.NewRequest("POST", "/api/trigger", nil))
			assert.Equal(t, tt.code, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHTTPTriggerNeverSetsAnchor(t *testing.T) {
	ctrl := &fakeController{}
	rec := httptest.NewRecorder()
	newTestRouter(ctrl).ServeHTTP(rec, httptest.NewRequest("POST", "/api/trigger?anchor=other-channel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{""}, ctrl.anchors, "query anchor must not reach the controller")
}

func TestHTTPTriggerRequiresPost(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&fakeController{}).ServeHTTP(rec, httptest.NewRequest("GET", "/api/trigger", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPStatusAndMetrics(t *testing.T) {
	h := newTestRouter(&fakeController{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phase":"idle"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "embedbot_cycle_duration_seconds")
}

func TestHTTPMetricsDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(&fakeController{}, HTTPOptions{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "go_goroutines")
}

func TestHTTPCORS(t *testing.T) {
	h := NewRouter(&fakeController{}, HTTPOptions{AllowedOrigins: []string{"http://localhost:5173"}})

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
