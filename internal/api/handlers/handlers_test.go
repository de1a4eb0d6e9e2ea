package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/internal/quota"
	"github.com/ringable/callbridge/internal/ratelimit"
	"github.com/ringable/callbridge/internal/relay"
	"github.com/ringable/callbridge/internal/scenario"
	"github.com/ringable/callbridge/pkg/env"
	"github.com/ringable/callbridge/pkg/logger"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger.Log = zap.NewNop()

	cfg := &env.Config{
		AppEnv:             "development",
		PublicBaseURL:      "https://bridge.example.com",
		DefaultVoice:       "alloy",
		PhoneCallCap:       3,
		PhoneWindowHours:   24,
		DefaultCountryCode: "1",
	}

	log := zap.NewNop()
	engine := ratelimit.NewEngine(ratelimit.Config{
		MaxConnsPerIP:      5,
		MaxConcurrentCalls: 20,
		CallsPerIP:         100,
		CallWindow:         time.Hour,
	}, log)
	scenarios := scenario.NewRegistry(log)
	functions := scenario.NewFunctions()
	keyer := quota.NewKeyer("test-secret", "1", log)
	store := quota.NewMemoryStore()
	registry := relay.NewRegistry(log)
	bridge := relay.New(cfg, engine, registry, scenarios, functions, store, keyer, relay.NoopRecorder{}, log)

	return NewHandler(cfg, nil, nil, bridge, engine, scenarios, store, keyer)
}

func performRequest(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTwiML_EscapesQueryAmpersands(t *testing.T) {
	h := newTestHandler(t)
	router := gin.New()
	router.GET("/twiml", h.TwiML)

	w := performRequest(router, http.MethodGet, "/twiml?scenario=custom&voice=verse")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("content type = %q, want text/xml", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "<Connect><Stream url=") {
		t.Fatalf("missing stream element: %s", body)
	}
	if strings.Contains(strings.ReplaceAll(body, "&amp;", ""), "&") {
		t.Errorf("unescaped ampersand in XML: %s", body)
	}
	if !strings.Contains(body, "wss://bridge.example.com/call") {
		t.Errorf("stream URL not derived from the public base URL: %s", body)
	}
	if !strings.Contains(body, "scenario=custom") || !strings.Contains(body, "voice=verse") {
		t.Errorf("scenario parameters not echoed into the stream URL: %s", body)
	}
}

func TestTwiML_IncludesCallerFromForm(t *testing.T) {
	h := newTestHandler(t)
	router := gin.New()
	router.POST("/twiml", h.TwiML)

	form := url.Values{"From": {"+14155551234"}}
	req := httptest.NewRequest(http.MethodPost, "/twiml", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "from=%2B14155551234") {
		t.Errorf("caller number not forwarded to the stream URL: %s", w.Body.String())
	}
}

func TestHealthCheck_WithoutBackingServices(t *testing.T) {
	h := newTestHandler(t)
	router := gin.New()
	router.GET("/health", h.HealthCheck)

	w := performRequest(router, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when optional services are absent", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Services["redis"] != "disabled" || resp.Services["database"] != "disabled" {
		t.Errorf("unconfigured services should report disabled: %+v", resp.Services)
	}
	if _, ok := resp.Relay["active_calls"]; !ok {
		t.Error("health must report relay counters")
	}
}

func TestGetPrometheusMetrics_Format(t *testing.T) {
	h := newTestHandler(t)
	router := gin.New()
	router.GET("/metrics/prometheus", h.GetPrometheusMetrics)

	w := performRequest(router, http.MethodGet, "/metrics/prometheus")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "# TYPE relay_calls_total counter") {
		t.Errorf("missing calls counter: %s", body)
	}
	if !strings.Contains(body, "relay_uptime_seconds") {
		t.Errorf("missing uptime gauge: %s", body)
	}
}

func TestQuotaStatus_ValidatesPhone(t *testing.T) {
	h := newTestHandler(t)
	router := gin.New()
	router.GET("/api/quota/:phone", h.QuotaStatus)

	w := performRequest(router, http.MethodGet, "/api/quota/not-a-number")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a malformed number", w.Code)
	}

	w = performRequest(router, http.MethodGet, "/api/quota/+14155551234")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["allowed"] != true {
		t.Errorf("fresh number should be allowed: %+v", resp)
	}
	if resp["cap"].(float64) != 3 {
		t.Errorf("cap = %v, want 3", resp["cap"])
	}
}

func TestListScenarios(t *testing.T) {
	h := newTestHandler(t)
	router := gin.New()
	router.GET("/api/scenarios", h.ListScenarios)

	w := performRequest(router, http.MethodGet, "/api/scenarios")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ids := resp["scenarios"]
	if len(ids) < 2 {
		t.Fatalf("scenarios = %v, want at least default and custom", ids)
	}
}

func TestLogsWebSocket_RequiresSession(t *testing.T) {
	h := newTestHandler(t)
	router := gin.New()
	router.GET("/logs", h.LogsWebSocket)

	w := performRequest(router, http.MethodGet, "/logs")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a session id", w.Code)
	}
}
