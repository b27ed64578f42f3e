package offlinecache

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestProxy(t *testing.T, upstream string) (*echo.Echo, *Proxy) {
	t.Helper()
	store := NewStore(newTestDB(t), "gen-test")
	proxy := NewProxy(store, upstream, time.Second, nil, zerolog.Nop())

	e := echo.New()
	e.GET("/remote/*", proxy.Handler())
	return e, proxy
}

func proxyGet(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestProxyCachesAndServesOffline(t *testing.T) {
	var upstreamHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"roster":"v1"}`))
	}))

	e, _ := newTestProxy(t, srv.URL)

	// First request goes to the network and is cached.
	rec := proxyGet(e, "/remote/children?school=PS-12")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Cache") != "miss" {
		t.Errorf("first fetch X-Cache = %q, want miss", rec.Header().Get("X-Cache"))
	}

	// Cache-first: the second request never touches the network.
	rec = proxyGet(e, "/remote/children?school=PS-12")
	if rec.Header().Get("X-Cache") != "hit" {
		t.Errorf("second fetch X-Cache = %q, want hit", rec.Header().Get("X-Cache"))
	}
	if rec.Body.String() != `{"roster":"v1"}` {
		t.Errorf("cached body = %s", rec.Body)
	}
	if upstreamHits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", upstreamHits.Load())
	}

	// Kill the network: the cached URL still serves, uncached ones 503.
	srv.Close()
	if rec := proxyGet(e, "/remote/children?school=PS-12"); rec.Code != http.StatusOK {
		t.Errorf("cached path offline: status = %d", rec.Code)
	}
	if rec := proxyGet(e, "/remote/children?school=PS-99"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("uncached path offline: status = %d, want 503", rec.Code)
	}
}

func TestProxyDoesNotCacheErrors(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	e, _ := newTestProxy(t, srv.URL)

	if rec := proxyGet(e, "/remote/children/ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 passthrough", rec.Code)
	}

	// The 404 was not cached: once the resource appears it is fetched anew.
	status = http.StatusOK
	if rec := proxyGet(e, "/remote/children/ghost"); rec.Code != http.StatusOK {
		t.Errorf("status = %d after upstream recovery, want 200", rec.Code)
	}
}

func TestProxySignalsConnectivityRestored(t *testing.T) {
	var healthy atomic.Bool
	var restored atomic.Int32

	// Drops the connection while unhealthy so the client sees a transport
	// error, not an HTTP status.
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		w.Write([]byte("ok"))
	}))
	defer flaky.Close()

	e, proxy := newTestProxy(t, flaky.URL)
	proxy.SetNotify(func() { restored.Add(1) })

	// Two failures build a streak.
	proxyGet(e, "/remote/ping?n=1")
	proxyGet(e, "/remote/ping?n=2")
	if restored.Load() != 0 {
		t.Fatal("restored fired while still offline")
	}

	healthy.Store(true)
	if rec := proxyGet(e, "/remote/ping?n=3"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d after recovery", rec.Code)
	}
	if restored.Load() != 1 {
		t.Errorf("restored fired %d times, want 1", restored.Load())
	}

	// A success with no preceding failures stays quiet.
	if rec := proxyGet(e, "/remote/ping?n=4"); rec.Code != http.StatusOK {
		t.Fatal("follow-up fetch failed")
	}
	if restored.Load() != 1 {
		t.Errorf("restored fired again without a failure streak")
	}
}
