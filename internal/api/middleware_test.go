package api

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRequestLoggerShortClientRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Client-supplied IDs shorter than the log prefix must pass
	// through unharmed.
	for _, id := range []string{"abc", "", "x", "exactly8", "longer-than-eight-chars"} {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		if id != "" {
			req.Header.Set("X-Request-ID", id)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("id %q: status = %d, want 200", id, w.Code)
		}
		if id != "" && w.Header().Get("X-Request-ID") != id {
			t.Errorf("id %q not echoed, got %q", id, w.Header().Get("X-Request-ID"))
		}
	}
}

func TestTimeoutMiddlewareDoesNotLeakHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TimeoutMiddleware(5 * time.Millisecond))
	r.GET("/slow", func(c *gin.Context) {
		time.Sleep(50 * time.Millisecond)
	})

	base := runtime.NumGoroutine()
	const n = 20
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodGet, "/slow", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusRequestTimeout {
			t.Fatalf("status = %d, want 408", w.Code)
		}
	}

	// Give the slow handlers time to finish; none of them may stay
	// parked on the completion channel.
	time.Sleep(200 * time.Millisecond)
	if got := runtime.NumGoroutine(); got >= base+n {
		t.Errorf("goroutines grew from %d to %d, handler goroutines leaked", base, got)
	}
}
