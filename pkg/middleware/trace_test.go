package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestTraceMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var ctxTraceID, ctxRequestID string
	r := gin.New()
	r.Use(TraceMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		ctxTraceID = c.GetString("trace_id")
		ctxRequestID = c.GetString("request_id")
		c.Status(http.StatusOK)
	})

	t.Run("mints ids when none supplied", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		r.ServeHTTP(w, req)

		if w.Header().Get("X-Trace-ID") == "" {
			t.Error("response must carry a trace id")
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Error("response must carry a request id")
		}
		if ctxTraceID == "" || ctxRequestID == "" {
			t.Error("handler context must carry both ids")
		}
	})

	t.Run("inbound trace id is kept", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Trace-ID", "upstream-trace-1")
		r.ServeHTTP(w, req)

		if got := w.Header().Get("X-Trace-ID"); got != "upstream-trace-1" {
			t.Errorf("trace id = %q, want the caller's id kept", got)
		}
		if ctxTraceID != "upstream-trace-1" {
			t.Errorf("context trace id = %q, want upstream-trace-1", ctxTraceID)
		}
	})

	t.Run("request id is always fresh", func(t *testing.T) {
		ids := make(map[string]bool)
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			req.Header.Set("X-Request-ID", "stale-id")
			r.ServeHTTP(w, req)
			id := w.Header().Get("X-Request-ID")
			if id == "stale-id" {
				t.Fatal("request id must not be taken from the caller")
			}
			ids[id] = true
		}
		if len(ids) != 3 {
			t.Fatalf("got %d distinct request ids, want 3", len(ids))
		}
	})
}
