package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/services"
	"sfusignal/internal/infrastructure/monitoring"
	"sfusignal/internal/infrastructure/repositories/memory"
	"sfusignal/pkg/config"
)

type fakeSessions struct {
	records map[domain.SessionID]*domain.SessionRecord
	closed  []domain.SessionID
}

func (f *fakeSessions) List() []*domain.SessionRecord {
	out := make([]*domain.SessionRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out
}

func (f *fakeSessions) Lookup(id domain.SessionID) (*domain.SessionRecord, error) {
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return nil, domain.ErrSessionNotFound
}

func (f *fakeSessions) Close(ctx context.Context, id domain.SessionID) {
	f.closed = append(f.closed, id)
	delete(f.records, id)
}

func (f *fakeSessions) Count() int { return len(f.records) }

func (f *fakeSessions) Producers() []domain.ProducerInfo {
	return []domain.ProducerInfo{{ID: "p1", SessionID: "s1", Kind: domain.MediaKindVideo}}
}

func (f *fakeSessions) RouterCount() int { return 1 }

type fakeWorkers struct{ healthy bool }

func (f fakeWorkers) Workers() []domain.WorkerInfo {
	state := domain.WorkerRunning
	if !f.healthy {
		state = domain.WorkerDead
	}
	return []domain.WorkerInfo{{ID: 0, PID: 1, State: state}}
}

func (f fakeWorkers) Healthy() bool { return f.healthy }

type testEnv struct {
	router   *gin.Engine
	sessions *fakeSessions
	repo     ports.SessionRepository
	auth     services.AuthService
}

func newTestEnv(t *testing.T, withAuth bool, healthy bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Admin.RateLimitEnabled = false

	sessions := &fakeSessions{records: map[domain.SessionID]*domain.SessionRecord{
		"s1": {ID: "s1", Phase: domain.PhaseProducing, CreatedAt: time.Now()},
	}}
	workers := fakeWorkers{healthy: healthy}

	repo := memory.NewMemorySessionRepository()
	require.NoError(t, repo.Save(context.Background(), &domain.SessionRecord{ID: "remote", InstanceID: "other"}))

	checker := monitoring.NewHealthChecker()
	checker.AddWorkerCheck(workers)

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	collector.SessionOpened()

	var auth services.AuthService
	if withAuth {
		auth = services.NewAuthService("secret", "sfusignal", time.Minute)
	}

	handler := NewSessionHandler(sessions, workers, repo, nil)
	t.Cleanup(handler.Close)

	router := NewRouter(cfg, zap.NewNop().Sugar(), Routes{
		Signal:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Health:   NewHealthHandler(checker),
		Sessions: handler,
		Auth:     auth,
		Gatherer: reg,
	})
	return &testEnv{router: router, sessions: sessions, repo: repo, auth: auth}
}

func (e *testEnv) do(method, path, token string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRouter_SignalMounted(t *testing.T) {
	env := newTestEnv(t, false, true)
	assert.Equal(t, http.StatusTeapot, env.do(http.MethodGet, "/mediasoup", "").Code)
}

func TestRouter_HealthAndReady(t *testing.T) {
	env := newTestEnv(t, false, true)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/ready", "").Code)

	down := newTestEnv(t, false, false)
	assert.Equal(t, http.StatusOK, down.do(http.MethodGet, "/health", "").Code)
	w := down.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])
}

func TestRouter_Metrics(t *testing.T) {
	env := newTestEnv(t, false, true)
	w := env.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sfusignal_sessions_active 1")
}

func TestSessionHandler_Sessions(t *testing.T) {
	env := newTestEnv(t, false, true)

	w := env.do(http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])

	w = env.do(http.MethodGet, "/api/v1/sessions?scope=cluster", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])

	w = env.do(http.MethodGet, "/api/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["local"])

	w = env.do(http.MethodGet, "/api/v1/sessions/remote", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["local"])

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/sessions/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/sessions/bad%20id", "").Code)
}

func TestSessionHandler_ClusterListingCached(t *testing.T) {
	env := newTestEnv(t, false, true)

	w := env.do(http.MethodGet, "/api/v1/sessions?scope=cluster", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])

	require.NoError(t, env.repo.Save(context.Background(), &domain.SessionRecord{ID: "late", InstanceID: "other"}))
	w = env.do(http.MethodGet, "/api/v1/sessions?scope=cluster", "")
	assert.Equal(t, 1.0, decode(t, w)["count"], "served from cache")

	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/v1/sessions/s1", "").Code)
	w = env.do(http.MethodGet, "/api/v1/sessions?scope=cluster", "")
	assert.Equal(t, 2.0, decode(t, w)["count"], "close invalidates the listing")
}

func TestSessionHandler_CloseSession(t *testing.T) {
	env := newTestEnv(t, false, true)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/v1/sessions/s1", "").Code)
	assert.Equal(t, []domain.SessionID{"s1"}, env.sessions.closed)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/api/v1/sessions/s1", "").Code)
}

func TestSessionHandler_Views(t *testing.T) {
	env := newTestEnv(t, false, true)

	w := env.do(http.MethodGet, "/api/v1/producers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/workers", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/v1/instances", "").Code)

	w = env.do(http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, 1.0, body["sessions"])
	assert.Equal(t, 1.0, body["workers_running"])
}

func TestRouter_AuthRequired(t *testing.T) {
	env := newTestEnv(t, true, true)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/sessions", "").Code)
	// health stays public
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)

	token, err := env.auth.GenerateToken("ops")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/sessions", token).Code)

	w := env.do(http.MethodPost, "/api/v1/auth/refresh", token)
	require.Equal(t, http.StatusOK, w.Code)
	refreshed, _ := decode(t, w)["token"].(string)
	claims, err := env.auth.ValidateToken(refreshed)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}
