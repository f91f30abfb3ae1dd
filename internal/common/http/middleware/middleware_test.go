package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"egressfleet/internal/common/http/middleware"
	"egressfleet/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware())
	var ctxTrace, ctxRequest any
	router.GET("/trace", func(c *gin.Context) {
		ctxTrace = c.Request.Context().Value(contextkey.TraceID)
		ctxRequest = c.Request.Context().Value(contextkey.RequestID)
		c.Status(http.StatusOK)
	})

	cases := []struct {
		name      string
		headers   map[string]string
		wantTrace string
	}{
		{name: "generate ids"},
		{name: "preserve ids", headers: map[string]string{"X-Trace-Id": "trace-123", "X-Request-Id": "req-123"}, wantTrace: "trace-123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/trace", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			router.ServeHTTP(rec, req)

			traceID := rec.Header().Get("X-Trace-Id")
			requestID := rec.Header().Get("X-Request-Id")
			if traceID == "" || requestID == "" {
				t.Fatalf("missing response ids: trace=%q request=%q", traceID, requestID)
			}
			if tc.wantTrace != "" && traceID != tc.wantTrace {
				t.Fatalf("expected trace %s, got %s", tc.wantTrace, traceID)
			}
			if ctxTrace != traceID || ctxRequest != requestID {
				t.Fatalf("context ids differ from headers: %v/%v", ctxTrace, ctxRequest)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RateLimitMiddleware(middleware.RateLimitPolicy{RPS: 0.001, Burst: 2}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client limited: %d", rec.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RateLimitMiddleware(middleware.RateLimitPolicy{}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d limited", i)
		}
	}
}
