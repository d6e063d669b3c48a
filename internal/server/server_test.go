package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calmline/calmline/internal/chat"
	"github.com/calmline/calmline/internal/config"
	"github.com/calmline/calmline/internal/crisis"
	"github.com/calmline/calmline/internal/emergency"
	"github.com/calmline/calmline/internal/provider"
)

type testEnv struct {
	srv      *Server
	logger   *emergency.Logger
	provider *provider.FakeProvider
}

func newTestEnv(t *testing.T, collector *emergency.SQLiteSink) *testEnv {
	t.Helper()
	logger := emergency.New(emergency.Config{})
	t.Cleanup(func() { logger.Close(context.Background()) })
	fake := provider.NewFake("Sounds like a great day!")

	cfg := config.Default()
	cfg.Server.MaxBodyBytes = 4 << 10
	srv := New(cfg, Deps{Logger: logger, Provider: fake, Collector: collector})
	return &testEnv{srv: srv, logger: logger, provider: fake}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.srv.router.ServeHTTP(rr, r)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestRobots(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodGet, "/robots.txt", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("expected Content-Type text/plain, got %q", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected Cache-Control no-store, got %q", cc)
	}
	if got := rr.Body.String(); got != robotsTxt {
		t.Fatalf("unexpected body, got %q", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	if rr := env.do(http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "ok" {
		t.Fatalf("unexpected health response: %d %q", rr.Code, rr.Body.String())
	}

	env.do(http.MethodPost, "/api/detect", `{"message":"I want to die"}`, nil)
	rr := env.do(http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "calmline_detections_total") {
		t.Fatalf("expected detection counter in metrics output")
	}
}

func TestChatEmergencyReturnsCrisisNotice(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodPost, "/api/chat", `{"message":"i will kil myslf","user_id":"u-1"}`, map[string]string{
		"User-Agent": "browser/1.0",
		"Referer":    "https://calmline.example/chat",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["emergency"] != true || body["system_notice"] != chat.CrisisNotice {
		t.Fatalf("expected crisis reply, got %v", body)
	}
	if env.provider.Calls() != 0 {
		t.Fatalf("provider must not be called for an emergency")
	}

	critical := env.logger.CriticalLogs(context.Background())
	if len(critical) != 1 {
		t.Fatalf("expected one critical entry, got %d", len(critical))
	}
	e := critical[0]
	if e.UserID != "u-1" || e.Context["user_agent"] != "browser/1.0" || e.Context["url"] != "https://calmline.example/chat" {
		t.Fatalf("entry missing request context: %+v", e)
	}
}

func TestChatForwardsHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodPost, "/api/chat", `{
		"message":"I went hiking",
		"conversationHistory":[{"type":"user","text":"hi"},{"type":"ai","text":"hello!"}]
	}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["success"] != true || body["response"] != "Sounds like a great day!" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["remaining"]; !ok {
		t.Fatalf("expected remaining in response")
	}
	req := env.provider.LastRequest()
	if req == nil || len(req.History) != 2 || req.History[0].Role != "user" || req.History[1].Role != "assistant" {
		t.Fatalf("unexpected forwarded history: %+v", req)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/api/chat", `{"message":""}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body := decode(t, rr); body["message"] != "Message is required" || body["error"] != "Bad request" {
		t.Fatalf("unexpected 400 body: %v", body)
	}

	if rr := env.do(http.MethodPost, "/api/chat", `{not json`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rr.Code)
	}

	rr = env.do(http.MethodGet, "/api/chat", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if body := decode(t, rr); body["error"] != "Method not allowed" {
		t.Fatalf("unexpected 405 body: %v", body)
	}

	big := `{"message":"` + strings.Repeat("a", 8<<10) + `"}`
	if rr := env.do(http.MethodPost, "/api/chat", big, nil); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestWrongMethodIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct{ method, path string }{
		{http.MethodGet, "/api/chat"},
		{http.MethodPut, "/api/chat"},
		{http.MethodGet, "/api/detect"},
		{http.MethodDelete, "/api/safety/events"},
		{http.MethodPut, "/api/emergency-logs"},
		{http.MethodPost, "/api/emergency-logs/export"},
		{http.MethodPost, "/healthz"},
		{http.MethodPost, "/metrics"},
	}
	for _, tc := range cases {
		rr := env.do(tc.method, tc.path, "", nil)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rr.Code)
		}
	}
	if rr := env.do(http.MethodGet, "/api/nope", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rr.Code)
	}
}

func TestChatPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodOptions, "/api/chat", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS origin header, got %q", got)
	}
}

func TestChatRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.srv.limiter.now = func() time.Time { return now }
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}

	for i := 0; i < chatRequestsPerMinute; i++ {
		if rr := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, hdr); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}
	rr := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, hdr)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	body := decode(t, rr)
	if ra, ok := body["retry_after"].(float64); !ok || ra < 1 {
		t.Fatalf("expected retry_after >= 1, got %v", body["retry_after"])
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	other := map[string]string{"X-Real-IP": "198.51.100.4"}
	if rr := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, other); rr.Code != http.StatusOK {
		t.Fatalf("other clients must not share the bucket, got %d", rr.Code)
	}
}

func TestChatProviderErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		details string
	}{
		{"not configured", provider.ErrNotConfigured, http.StatusInternalServerError, ""},
		{"upstream rate limit", &provider.StatusError{Code: 429, Body: "quota"}, http.StatusBadGateway, "Rate limit exceeded"},
		{"upstream failure", &provider.StatusError{Code: 503, Body: "down"}, http.StatusBadGateway, "Service unavailable"},
		{"transport", errors.New("dial tcp: refused"), http.StatusBadGateway, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.provider.Error = tc.err
			rr := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if tc.details != "" {
				if body := decode(t, rr); body["details"] != tc.details {
					t.Fatalf("expected details %q, got %v", tc.details, body["details"])
				}
			}
		})
	}
}

func TestDetectAcceptsAnyValue(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		body  string
		level crisis.RiskLevel
	}{
		{`{"message":"I want to die"}`, crisis.RiskHigh},
		{`{"message":"feeling h0peless"}`, crisis.RiskMedium},
		{`{"message":42}`, crisis.RiskNone},
		{`{"message":null}`, crisis.RiskNone},
		{`{}`, crisis.RiskNone},
	}
	for _, tc := range cases {
		rr := env.do(http.MethodPost, "/api/detect", tc.body, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.body, rr.Code)
		}
		var a crisis.Assessment
		if err := json.Unmarshal(rr.Body.Bytes(), &a); err != nil {
			t.Fatalf("%s: decode: %v", tc.body, err)
		}
		if a.RiskLevel != tc.level {
			t.Fatalf("%s: expected %s, got %s", tc.body, tc.level, a.RiskLevel)
		}
	}
}

func TestSessionIDPerClient(t *testing.T) {
	env := newTestEnv(t, nil)

	msg := `{"message":"I want to die"}`
	if rr := env.do(http.MethodPost, "/api/chat", msg, map[string]string{"X-Session-Id": "session_tab_one"}); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/chat", msg, map[string]string{"X-Session-Id": "session_tab_two"}); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := `{"type":"action","name":"call_emergency","session_id":"session_from_body"}`
	if rr := env.do(http.MethodPost, "/api/safety/events", body, map[string]string{"X-Session-Id": "session_tab_one"}); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/safety/events", `{"type":"interaction","name":"modal_opened"}`, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}

	var got []string
	for _, e := range env.logger.StoredLogs(context.Background()) {
		got = append(got, e.SessionID)
	}
	want := []string{"session_tab_one", "session_tab_two", "session_from_body", env.logger.SessionID()}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected session ids %v, got %v", want, got)
	}
}

func TestSafetyEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/api/safety/events", `{"type":"action","name":"call_emergency","details":{"number":"000"}}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = env.do(http.MethodPost, "/api/safety/events", `{"type":"interaction","name":"modal_opened","user_id":"u-2"}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/safety/events", `{"type":"other","name":"x"}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/safety/events", `{"type":"action"}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rr.Code)
	}

	logs := env.logger.StoredLogs(context.Background())
	if len(logs) != 2 {
		t.Fatalf("expected two general entries, got %d", len(logs))
	}
	if logs[0].Kind != emergency.KindAction || logs[0].Action != "call_emergency" || logs[0].UserID != emergency.AnonymousUser {
		t.Fatalf("unexpected action entry: %+v", logs[0])
	}
	if logs[1].Kind != emergency.KindInteraction || logs[1].UserID != "u-2" {
		t.Fatalf("unexpected interaction entry: %+v", logs[1])
	}
	if n := len(env.logger.CriticalLogs(context.Background())); n != 0 {
		t.Fatalf("actions and interactions must not reach the critical store, got %d", n)
	}
}

func TestCollectorEndpoints(t *testing.T) {
	collector, err := emergency.OpenSQLiteSink(filepath.Join(t.TempDir(), "collector.db"))
	if err != nil {
		t.Fatalf("open collector: %v", err)
	}
	t.Cleanup(func() { _ = collector.Close(context.Background()) })
	env := newTestEnv(t, collector)

	entry := emergency.Entry{
		Kind:      emergency.KindDetection,
		Timestamp: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		UserID:    "anonymous",
		SessionID: "session_1_abc",
		Severity:  emergency.SeverityCritical,
	}
	raw, _ := json.Marshal(entry)

	if rr := env.do(http.MethodPost, "/api/emergency-logs", string(raw), nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without X-Emergency-Log header, got %d", rr.Code)
	}
	hdr := map[string]string{"X-Emergency-Log": "true"}
	if rr := env.do(http.MethodPost, "/api/emergency-logs", string(raw), hdr); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(http.MethodPost, "/api/emergency-logs", `{"user_id":"x"}`, hdr); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete entry, got %d", rr.Code)
	}

	rr := env.do(http.MethodGet, "/api/emergency-logs?severity=critical", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got struct {
		Logs  []emergency.Entry `json:"logs"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Count != 1 || got.Logs[0].SessionID != "session_1_abc" {
		t.Fatalf("unexpected collected logs: %+v", got)
	}
}

func TestCollectorDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodPost, "/api/emergency-logs", `{}`, map[string]string{"X-Emergency-Log": "true"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, nil)
	env.logger.LogDetection(context.Background(), crisis.Detect("I want to end my life"), "", nil)

	rr := env.do(http.MethodGet, "/api/emergency-logs/export", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "emergency-logs.json") {
		t.Fatalf("expected attachment disposition")
	}
	var exp emergency.Export
	if err := json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&exp); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(exp.RegularLogs) != 1 || len(exp.CriticalLogs) != 1 || exp.SessionID != env.logger.SessionID() {
		t.Fatalf("unexpected export: %+v", exp)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if got := clientIP(r); got != "192.0.2.1" {
		t.Fatalf("expected socket address, got %q", got)
	}
	r.Header.Set("X-Real-IP", "198.51.100.2")
	if got := clientIP(r); got != "198.51.100.2" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.5" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}
}
