package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHTTPLinkChecker_CountsBrokenAndHonorsCap(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "QA Monitor Test", r.Header.Get("User-Agent"))
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewHTTPLinkChecker(1000, "QA Monitor Test", zap.NewNop().Sugar())
	links := []string{srv.URL + "/a", srv.URL + "/missing", srv.URL + "/b", srv.URL + "/c", srv.URL + "/d"}

	broken := checker.Check(context.Background(), links, 3, NewRunLogger(nil, "run", "sc"))
	assert.Equal(t, 1, broken)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests), "never probes more than the cap")
}

func TestHTTPLinkChecker_TransportErrorIsBroken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	checker := NewHTTPLinkChecker(1000, "", nil)
	broken := checker.Check(context.Background(), []string{addr + "/gone"}, 10, NewRunLogger(nil, "run", "sc"))
	assert.Equal(t, 1, broken)
}

func TestHTTPLinkChecker_ZeroCap(t *testing.T) {
	checker := NewHTTPLinkChecker(1, "", nil)
	assert.Equal(t, 0, checker.Check(context.Background(), []string{"http://127.0.0.1:1/x"}, 0, NewRunLogger(nil, "run", "sc")))
}

func TestInternalLinks(t *testing.T) {
	links := []string{
		"https://shop.example/about",
		"/contact",
		"https://shop.example/about#team",
		"https://other.example/",
		"mailto:help@shop.example",
		"javascript:void(0)",
	}
	assert.Equal(t, []string{"https://shop.example/about", "https://shop.example/contact"},
		InternalLinks("https://shop.example/", links))
}
