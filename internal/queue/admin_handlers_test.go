package queue_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/killdeer/ffcsa-ops/internal/queue"
)

type fakeInspector struct {
	archived []*asynq.TaskInfo
	ran      []string
}

func (f *fakeInspector) GetQueueInfo(q string) (*asynq.QueueInfo, error) {
	if q != queue.DefaultQueue {
		return nil, asynq.ErrQueueNotFound
	}
	return &asynq.QueueInfo{Queue: q, Size: 5, Pending: 3, Archived: len(f.archived), Latency: 2 * time.Second}, nil
}

func (f *fakeInspector) ListArchivedTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return f.archived, nil
}

func (f *fakeInspector) RunTask(_, id string) error {
	for _, t := range f.archived {
		if t.ID == id {
			f.ran = append(f.ran, id)
			return nil
		}
	}
	return asynq.ErrTaskNotFound
}

func adminRouter(insp *fakeInspector) http.Handler {
	h := &queue.AdminHandler{Inspector: insp, Logger: zerolog.Nop()}
	r := chi.NewRouter()
	r.Route("/api/v1/admin", h.Routes)
	return r
}

func TestAdminStatsUpdatesDepth(t *testing.T) {
	insp := &fakeInspector{archived: []*asynq.TaskInfo{{ID: "a"}}}
	rec := httptest.NewRecorder()
	adminRouter(insp).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(5), body["size"])
	require.Equal(t, float64(2000), body["latency_ms"])
	require.Equal(t, 3.0, testutil.ToFloat64(queue.QueueDepth.WithLabelValues(queue.DefaultQueue, "pending")))
	require.Equal(t, 1.0, testutil.ToFloat64(queue.QueueDepth.WithLabelValues(queue.DefaultQueue, "archived")))
}

func TestAdminListAndReplayArchived(t *testing.T) {
	payload, err := json.Marshal(queue.ProductSyncPayload{ProductID: 42})
	require.NoError(t, err)
	insp := &fakeInspector{archived: []*asynq.TaskInfo{{
		ID: "t1", Type: queue.TypeProductSync, Payload: payload, MaxRetry: 5, Retried: 5,
		LastErr: "HTTP 502", LastFailedAt: time.Now(),
	}}}
	r := adminRouter(insp)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue/archived?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"product_id":42`)
	require.Contains(t, rec.Body.String(), "HTTP 502")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/queue/archived/replay",
		strings.NewReader(`{"ids": ["t1", "t1", "missing"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"t1"}, insp.ran)

	var body struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"t1"}, body.Replayed)
	require.Equal(t, "not found", body.Failed["missing"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/queue/archived/replay", strings.NewReader(`{"ids": []}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSampleDepthStopsWithContext(t *testing.T) {
	insp := &fakeInspector{archived: []*asynq.TaskInfo{{ID: "a"}, {ID: "b"}}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		queue.SampleDepth(ctx, insp, "", time.Millisecond, zerolog.Nop())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(queue.QueueDepth.WithLabelValues(queue.DefaultQueue, "archived")) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop")
	}
}
