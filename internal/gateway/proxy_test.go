package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/executor"
	"gatekeeper/internal/models"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(opts ...executor.Option) *executor.Executor {
	registry := breaker.NewRegistry(breaker.ConfigSettings(models.NewDefaultConfig().Circuits))
	return executor.New(registry, opts...)
}

func newRouter(t *testing.T, upstreams []models.UpstreamConfig, exec *executor.Executor) *mux.Router {
	t.Helper()
	p, err := NewProxy(upstreams, exec)
	require.NoError(t, err)

	router := mux.NewRouter()
	router.PathPrefix(PathPrefix + "/{upstream}").Handler(p)
	return router
}

func decodeError(t *testing.T, body io.Reader) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

func TestProxy_ForwardsRequest(t *testing.T) {
	var gotPath, gotQuery, gotMethod, gotBody, gotXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotMethod = r.Method
		gotXFF = r.Header.Get("X-Forwarded-For")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream", "jobs")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer upstream.Close()

	router := newRouter(t, []models.UpstreamConfig{{Name: "jobs", URL: upstream.URL + "/api"}}, newExecutor())

	req := httptest.NewRequest(http.MethodPost, "/gw/jobs/items/1?verbose=true", strings.NewReader(`{"name":"x"}`))
	req.RemoteAddr = "192.168.1.10:4321"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, `{"id":"42"}`, rr.Body.String())
	assert.Equal(t, "jobs", rr.Header().Get("X-Upstream"))
	assert.Empty(t, rr.Header().Get(FallbackHeader))

	assert.Equal(t, "/api/items/1", gotPath)
	assert.Equal(t, "verbose=true", gotQuery)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"name":"x"}`, gotBody)
	assert.Equal(t, "192.168.1.10", gotXFF)
}

func TestProxy_UnknownUpstream(t *testing.T) {
	router := newRouter(t, nil, newExecutor())

	req := httptest.NewRequest(http.MethodGet, "/gw/missing/anything", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	resp := decodeError(t, rr.Body)
	assert.Equal(t, models.ErrorCodeNotFound, resp.Code)
	assert.Equal(t, "missing", resp.Upstream)
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestProxy_ServerErrorCountsAsFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	exec := newExecutor()
	router := newRouter(t, []models.UpstreamConfig{{Name: "jobs", URL: upstream.URL}}, exec)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gw/jobs/x", nil))

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, models.ErrorCodeUpstreamFailure, decodeError(t, rr.Body).Code)
	assert.Equal(t, 1, exec.Registry().Get("jobs").Stats().RollingErrors)
}

func TestProxy_ClientErrorIsNotAFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	exec := newExecutor()
	router := newRouter(t, []models.UpstreamConfig{{Name: "jobs", URL: upstream.URL}}, exec)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gw/jobs/x", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	stats := exec.Registry().Get("jobs").Stats()
	assert.Equal(t, 1, stats.RollingVolume)
	assert.Zero(t, stats.RollingErrors)
}

func TestProxy_FallbackOnFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	router := newRouter(t, []models.UpstreamConfig{{
		Name: "recs",
		URL:  upstream.URL,
		Fallback: &models.FallbackConfig{
			Status: http.StatusOK,
			Body:   `{"items":[]}`,
		},
	}}, newExecutor())

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gw/recs/popular", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, `{"items":[]}`, rr.Body.String())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.Equal(t, "true", rr.Header().Get(FallbackHeader))
	}
}

func TestProxy_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	exec := newExecutor(executor.WithTimeouts(func(string) time.Duration { return 20 * time.Millisecond }))
	router := newRouter(t, []models.UpstreamConfig{{Name: "slow", URL: upstream.URL}}, exec)

	start := time.Now()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gw/slow/report", nil))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Equal(t, models.ErrorCodeUpstreamTimeout, decodeError(t, rr.Body).Code)
}

func TestProxy_OpenCircuitShortCircuits(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	exec := newExecutor()
	router := newRouter(t, []models.UpstreamConfig{{Name: "payments", URL: upstream.URL}}, exec)

	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gw/payments/charge", nil))
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	}
	require.Equal(t, breaker.Open, exec.Registry().Get("payments").State())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gw/payments/charge", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decodeError(t, rr.Body)
	assert.Equal(t, models.ErrorCodeCircuitOpen, resp.Code)
	assert.Equal(t, "payments", resp.Upstream)
	assert.Equal(t, int64(10), hits.Load())
}

func TestNewProxy_InvalidURL(t *testing.T) {
	_, err := NewProxy([]models.UpstreamConfig{{Name: "bad", URL: "not a url"}}, newExecutor())
	assert.Error(t, err)

	_, err = NewProxy([]models.UpstreamConfig{{Name: "bad", URL: "://missing-scheme"}}, newExecutor())
	assert.Error(t, err)
}

func TestProxy_Upstream(t *testing.T) {
	p, err := NewProxy([]models.UpstreamConfig{{Name: "auth", URL: "http://auth.internal:8080"}}, newExecutor())
	require.NoError(t, err)

	u, ok := p.Upstream("auth")
	require.True(t, ok)
	assert.Equal(t, "auth.internal:8080", u.Target.Host)

	_, ok = p.Upstream("jobs")
	assert.False(t, ok)
}
