package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/governance-core/internal/breaker"
	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/config"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/governor"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.Engines = []domain.EngineConfig{{
		ID:            "calc-engine",
		Category:      "calculation",
		AllowedEvents: []domain.EventType{domain.EventCalcCompleted},
	}}

	gov, err := governor.New(cfg, nil)
	if err != nil {
		t.Fatalf("create governor: %v", err)
	}
	if err := gov.Start(context.Background()); err != nil {
		t.Fatalf("start governor: %v", err)
	}
	t.Cleanup(func() { gov.Shutdown(context.Background()) })
	return NewHandler(gov)
}

func serve(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, req)
	return w
}

func TestHealth_OK(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var health governor.Health
	json.NewDecoder(w.Body).Decode(&health)
	if health.Status != "ok" {
		t.Errorf("expected status ok, got %s", health.Status)
	}
	if !health.Persistence {
		t.Error("expected persistence enabled")
	}
}

func TestHealth_UnavailableAfterShutdown(t *testing.T) {
	h := newTestHandler(t)
	h.Gov.Shutdown(context.Background())

	w := serve(h, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRegisterEngine_Created(t *testing.T) {
	h := newTestHandler(t)
	body := `{"id":"tax-engine","name":"Tax","category":"domain","privilege":"elevated","allowed_events":["tax:updated"]}`
	w := serve(h, http.MethodPost, "/api/v1/engines", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var reg domain.EngineRegistration
	json.NewDecoder(w.Body).Decode(&reg)
	if reg.Privilege != domain.PrivilegeElevated {
		t.Errorf("expected elevated, got %s", reg.Privilege)
	}
	if reg.DisplayName != "Tax" {
		t.Errorf("expected display name Tax, got %s", reg.DisplayName)
	}
}

func TestRegisterEngine_Duplicate(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodPost, "/api/v1/engines", `{"id":"calc-engine"}`)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var apiErr APIError
	json.NewDecoder(w.Body).Decode(&apiErr)
	if apiErr.Code != domain.ErrDuplicateEngine.Code {
		t.Errorf("expected code %d, got %d", domain.ErrDuplicateEngine.Code, apiErr.Code)
	}
}

func TestRegisterEngine_BadPrivilege(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodPost, "/api/v1/engines", `{"id":"x","privilege":"root"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRegisterEngine_InvalidBody(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodPost, "/api/v1/engines", "not json")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetEngine_NotFound(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodGet, "/api/v1/engines/ghost", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestEmit_Granted(t *testing.T) {
	h := newTestHandler(t)
	body := `{"engine_id":"calc-engine","event_type":"calc:completed","payload":{"status":"success"}}`
	w := serve(h, http.MethodPost, "/api/v1/emit", body)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res governor.EmitResult
	json.NewDecoder(w.Body).Decode(&res)
	if !res.Emitted {
		t.Fatalf("expected emitted, got reason %s", res.Reason)
	}
	if res.Event == nil || res.Event.Source != "calc-engine" {
		t.Errorf("expected event sourced from calc-engine, got %+v", res.Event)
	}

	w = serve(h, http.MethodGet, "/api/v1/bus/history?type=calc:completed", "")
	var events []domain.Event
	json.NewDecoder(w.Body).Decode(&events)
	if len(events) != 1 {
		t.Errorf("expected 1 event in history, got %d", len(events))
	}
}

func TestEmit_DeniedIsStillOK(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodPost, "/api/v1/emit", `{"engine_id":"ghost","event_type":"calc:completed"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res governor.EmitResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Emitted {
		t.Fatal("expected denial")
	}
	if res.Reason != domain.ReasonEngineNotRegistered {
		t.Errorf("expected %s, got %s", domain.ReasonEngineNotRegistered, res.Reason)
	}
}

func TestEmit_MissingFields(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodPost, "/api/v1/emit", `{"engine_id":"calc-engine"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAuthorize_Runaway(t *testing.T) {
	h := newTestHandler(t)
	body := `{"engine_id":"calc-engine","action":"batch","actions":["a","b","c","d","e","f","g","h","i","j","k"]}`
	w := serve(h, http.MethodPost, "/api/v1/actions", body)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res domain.PermissionResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Granted || res.Reason != domain.ReasonRunawayActions {
		t.Errorf("expected runaway denial, got %+v", res)
	}
}

func TestGatewayStats_CountsDenials(t *testing.T) {
	h := newTestHandler(t)
	serve(h, http.MethodPost, "/api/v1/emit", `{"engine_id":"calc-engine","event_type":"tax:updated"}`)

	w := serve(h, http.MethodGet, "/api/v1/gateway/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats struct {
		Engines []domain.EngineRegistration `json:"engines"`
	}
	json.NewDecoder(w.Body).Decode(&stats)
	if len(stats.Engines) != 1 {
		t.Fatalf("expected 1 engine, got %d", len(stats.Engines))
	}
	if stats.Engines[0].Counters.Denied != 1 {
		t.Errorf("expected 1 denial, got %d", stats.Engines[0].Counters.Denied)
	}
}

func TestListAudit_RecordsDenials(t *testing.T) {
	h := newTestHandler(t)
	serve(h, http.MethodPost, "/api/v1/emit", `{"engine_id":"calc-engine","event_type":"tax:updated"}`)

	w := serve(h, http.MethodGet, "/api/v1/engines/calc-engine/audit", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var records []domain.AuditRecord
	json.NewDecoder(w.Body).Decode(&records)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].Reason != domain.ReasonEventNotAllowed {
		t.Errorf("expected reason %s, got %s", domain.ReasonEventNotAllowed, records[0].Reason)
	}
}

func TestBreaker_StateAndRecover(t *testing.T) {
	h := newTestHandler(t)
	h.Gov.Breaker.ApplyRisk(0.95)

	w := serve(h, http.MethodGet, "/api/v1/breaker/state", "")
	var snap breaker.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if !snap.SafeMode {
		t.Fatal("expected safe mode after critical risk")
	}

	w = serve(h, http.MethodPost, "/api/v1/breaker/recover", `{"reason":"operator"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	snap = breaker.Snapshot{}
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.SafeMode || snap.State != breaker.StateNormal {
		t.Errorf("expected normal after recovery, got %+v", snap)
	}
	if len(snap.RecoveryEvents) != 1 || snap.RecoveryEvents[0] != "operator" {
		t.Errorf("expected one recovery event, got %v", snap.RecoveryEvents)
	}

	w = serve(h, http.MethodGet, "/api/v1/alerts?type=ai:safety-break", "")
	var alerts []domain.AlertRecord
	json.NewDecoder(w.Body).Decode(&alerts)
	if len(alerts) != 1 {
		t.Errorf("expected 1 persisted safety break, got %d", len(alerts))
	}
}

func TestBreaker_Assess(t *testing.T) {
	h := newTestHandler(t)

	w := serve(h, http.MethodPost, "/api/v1/breaker/assess", `{"contradictions":5,"load":0.9,"actions_per_minute":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report struct {
		Risk             float64 `json:"risk"`
		SafeMode         bool    `json:"safe_mode"`
		Contradictions   int     `json:"contradictions"`
		WithinBoundaries bool    `json:"within_boundaries"`
	}
	json.NewDecoder(w.Body).Decode(&report)
	if report.Risk < 0.549 || report.Risk > 0.551 {
		t.Errorf("expected risk 0.55, got %v", report.Risk)
	}
	if report.SafeMode || !report.WithinBoundaries || report.Contradictions != 5 {
		t.Errorf("unexpected report %+v", report)
	}

	w = serve(h, http.MethodPost, "/api/v1/breaker/assess", `{"load":0.99}`)
	report.WithinBoundaries, report.SafeMode = true, false
	json.NewDecoder(w.Body).Decode(&report)
	if report.WithinBoundaries || !report.SafeMode {
		t.Errorf("expected boundary breach to latch safe mode, got %+v", report)
	}
	if !h.Gov.Breaker.SafeModeActive() {
		t.Error("expected breaker in safe mode")
	}

	w = serve(h, http.MethodPost, "/api/v1/breaker/assess", `{"load":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative load, got %d", w.Code)
	}
	w = serve(h, http.MethodPost, "/api/v1/breaker/assess", `{`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", w.Code)
	}
}

func TestTemporal_TimelineAndAnalysis(t *testing.T) {
	h := newTestHandler(t)
	for i := 0; i < 6; i++ {
		h.Gov.Bus.Publish(domain.EventCalcCompleted, map[string]any{"status": "success"}, bus.PublishOptions{Source: "test"})
	}

	w := serve(h, http.MethodGet, "/api/v1/temporal/calculation", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []json.RawMessage
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 6 {
		t.Errorf("expected 6 entries, got %d", len(entries))
	}

	w = serve(h, http.MethodGet, "/api/v1/temporal/calculation/analysis", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var analysis struct {
		Trend *struct {
			Trend string `json:"trend"`
		} `json:"trend"`
	}
	json.NewDecoder(w.Body).Decode(&analysis)
	if analysis.Trend == nil || analysis.Trend.Trend != "growth" {
		t.Errorf("expected growth trend, got %+v", analysis.Trend)
	}
}

func TestTemporal_InvalidScope(t *testing.T) {
	h := newTestHandler(t)
	w := serve(h, http.MethodGet, "/api/v1/temporal/galaxy", "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStreamEvents_Replay(t *testing.T) {
	h := newTestHandler(t)
	h.Gov.Bus.Publish(domain.EventCalcCompleted, nil, bus.PublishOptions{Source: "test"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream?type=calc:completed&replay=5", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	h.StreamEvents(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}
	if !strings.Contains(w.Body.String(), "event: calc:completed") {
		t.Errorf("expected replayed event in body, got %q", w.Body.String())
	}
}

func TestStreamEvents_Live(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(NewRouter(h))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/stream?type=ai:stability-alert", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	// Headers arrive only after the subscription exists.
	h.Gov.Breaker.ApplyRisk(0.7)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: ai:stability-alert" {
			return
		}
	}
	t.Fatalf("stream ended without stability alert: %v", scanner.Err())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t)
	serve(h, http.MethodPost, "/api/v1/emit", `{"engine_id":"calc-engine","event_type":"calc:completed"}`)

	w := serve(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "govcore_governor_emits_total") {
		t.Error("expected governor emit counter in metrics output")
	}
}

func TestCORSHeaders(t *testing.T) {
	h := newTestHandler(t)
	srv := NewServer(h, ":0")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin *")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", w.Code)
	}
}
