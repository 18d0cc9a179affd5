package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestTags(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Nil(t, GetTags(r), "no tags before middleware injects them")

	r = InjectTags(r)
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)

	SetEndpoint(r, "upload")
	SetCacheResult(r, CacheHit)
	SetRequestID(r, "req-1")

	require.Equal(t, "upload", tags.Endpoint)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "req-1", tags.RequestID)
}

func TestSettersWithoutTagsAreNoOps(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	// Must not panic outside the middleware chain
	SetEndpoint(r, "upload")
	SetCacheResult(r, CacheMiss)
	SetRequestID(r, "req-1")
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "3xx", StatusClass(302))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
}

func TestPrometheusHandlerBeforeInit(t *testing.T) {
	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
