package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/dispatcher"
	idgen "github.com/JakeFAU/civic-ingest/internal/id/uuid"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/storage/memory"
)

type fakeTrigger struct {
	id    uuid.UUID
	err   error
	calls []string
}

func (f *fakeTrigger) Trigger(_ context.Context, trigger string) (uuid.UUID, error) {
	f.calls = append(f.calls, trigger)
	return f.id, f.err
}

func newTestServer(t *testing.T, trig Trigger, cfg Config) (*Server, *memory.RecordStore) {
	t.Helper()
	st := memory.NewRecordStore(idgen.New())
	return NewServer(trig, st, st, cfg, zap.NewNop()), st
}

func do(t *testing.T, s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	s, st := newTestServer(t, &fakeTrigger{}, Config{})

	rec := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	st.FailWith(errors.New("db down"))
	rec = do(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeTrigger{}, Config{})
	_ = do(t, s, http.MethodGet, "/healthz", nil)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestTriggerRun(t *testing.T) {
	id := uuid.New()
	trig := &fakeTrigger{id: id}
	s, _ := newTestServer(t, trig, Config{})

	rec := do(t, s, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id.String(), body["run_id"])
	assert.Equal(t, []string{"api"}, trig.calls)
}

func TestTriggerRunConflict(t *testing.T) {
	s, _ := newTestServer(t, &fakeTrigger{err: dispatcher.ErrRunInFlight}, Config{})
	rec := do(t, s, http.MethodPost, "/v1/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerRunFailure(t *testing.T) {
	s, _ := newTestServer(t, &fakeTrigger{err: errors.New("boom")}, Config{})
	rec := do(t, s, http.MethodPost, "/v1/runs", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	s, _ := newTestServer(t, &fakeTrigger{id: uuid.New()}, Config{APIKey: "secret"})

	rec := do(t, s, http.MethodPost, "/v1/runs", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/runs", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/runs?api_key=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListAndGetRuns(t *testing.T) {
	s, st := newTestServer(t, &fakeTrigger{}, Config{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := model.Run{ID: uuid.New(), StartedAt: base, Status: model.RunRunning, Details: map[string]any{"trigger": "schedule"}}
	newer := model.Run{ID: uuid.New(), StartedAt: base.Add(time.Minute), Status: model.RunRunning}
	require.NoError(t, st.CreateRun(ctx, older))
	require.NoError(t, st.CreateRun(ctx, newer))

	rec := do(t, s, http.MethodGet, "/v1/runs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, newer.ID.String(), list.Runs[0].ID)
	assert.NotNil(t, list.Runs[1].Details)

	rec = do(t, s, http.MethodGet, "/v1/runs/"+older.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "schedule", one.Run.Details["trigger"])
	assert.Equal(t, string(model.RunRunning), one.Run.Status)
}

func TestRunLookupErrors(t *testing.T) {
	s, _ := newTestServer(t, &fakeTrigger{}, Config{})

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"bad id", "/v1/runs/not-a-uuid", http.StatusBadRequest},
		{"unknown id", "/v1/runs/" + uuid.NewString(), http.StatusNotFound},
		{"bad limit", "/v1/runs?limit=zero", http.StatusBadRequest},
		{"negative limit", "/v1/runs?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseLimitCaps(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=9999", nil)
	got, err := parseLimit(req, defaultRunLimit, maxRunLimit)
	require.NoError(t, err)
	assert.Equal(t, maxRunLimit, got)
}
