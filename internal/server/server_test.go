package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/koschei/internal/health"
	"github.com/MrWong99/koschei/internal/observe"
	"github.com/MrWong99/koschei/internal/orchestrator"
	"github.com/MrWong99/koschei/pkg/memory"
	memmock "github.com/MrWong99/koschei/pkg/memory/mock"
	"github.com/MrWong99/koschei/pkg/provider/llm"
	llmmock "github.com/MrWong99/koschei/pkg/provider/llm/mock"
	"github.com/MrWong99/koschei/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// fakePipeline records requests and returns canned results.
type fakePipeline struct {
	mu         sync.Mutex
	replies    []types.ReplyRequest
	utterances []types.Utterance
	events     []types.GameEvent

	reply    types.Reply
	replyErr error
	id       string
	idErr    error
}

func (f *fakePipeline) GenerateReply(_ context.Context, req types.ReplyRequest) (types.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, req)
	return f.reply, f.replyErr
}

func (f *fakePipeline) IngestUtterance(_ context.Context, u types.Utterance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utterances = append(f.utterances, u)
	return f.id, f.idErr
}

func (f *fakePipeline) IngestEvent(_ context.Context, e types.GameEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.id, f.idErr
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newTestServer(t *testing.T, p Pipeline, opts ...Option) http.Handler {
	t.Helper()
	m, _ := newTestMetrics(t)
	s, err := New(p, append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// ── Reply ────────────────────────────────────────────────────────────────────

func TestReply_MapsRequestAndResponse(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{reply: types.Reply{Text: "nah", RoundID: "r2", MemoryID: "npc-1"}}
	h := newTestServer(t, p)

	for _, path := range []string{"/npc/reply", "/reply"} {
		t.Run(path, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, path,
				`{"player_text":"where were you?","round_id":"r2","imitate_player_id":"p1","recent_msgs":["lol","ok"],"extra":1}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			got := decode[replyResponse](t, rec)
			if got != (replyResponse{Text: "nah", RoundID: "r2", MemoryID: "npc-1"}) {
				t.Errorf("response = %+v", got)
			}
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	want := types.ReplyRequest{
		PlayerText:       "where were you?",
		RoundID:          "r2",
		ImitateSpeakerID: "p1",
		RecentMessages:   []string{"lol", "ok"},
	}
	if len(p.replies) != 2 {
		t.Fatalf("pipeline calls = %d, want 2", len(p.replies))
	}
	got := p.replies[0]
	if got.PlayerText != want.PlayerText || got.RoundID != want.RoundID ||
		got.ImitateSpeakerID != want.ImitateSpeakerID || strings.Join(got.RecentMessages, "|") != "lol|ok" {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestReply_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"empty text", orchestrator.ErrEmptyPlayerText, http.StatusBadRequest, "invalid_request"},
		{"storage", fmt.Errorf("retrieve: %w", memory.ErrStorageUnavailable), http.StatusServiceUnavailable, "storage_unavailable"},
		{"generation", fmt.Errorf("%w: boom", orchestrator.ErrGenerationUnavailable), http.StatusBadGateway, "generation_unavailable"},
		{"timeout", orchestrator.ErrGenerationTimeout, http.StatusGatewayTimeout, "generation_timeout"},
		{"schema", memory.ErrSchemaConflict, http.StatusInternalServerError, "schema_conflict"},
		{"canceled", context.Canceled, http.StatusRequestTimeout, "canceled"},
		{"internal", errors.New("kaput"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newTestServer(t, &fakePipeline{replyErr: tc.err})
			rec := do(t, h, http.MethodPost, "/npc/reply", `{"player_text":"hi"}`)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			body := decode[errorResponse](t, rec)
			if body.Error != tc.wantKind {
				t.Errorf("error = %q, want %q", body.Error, tc.wantKind)
			}
			if body.Message == "" {
				t.Error("message is empty")
			}
			if tc.wantKind == "internal" && strings.Contains(body.Message, "kaput") {
				t.Errorf("internal error details leaked: %q", body.Message)
			}
		})
	}
}

func TestReply_BadBodies(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	h := newTestServer(t, p)

	tests := map[string]string{
		"empty":      "",
		"malformed":  `{"player_text":`,
		"wrong type": `{"player_text": 42}`,
		"too large":  `{"player_text":"` + strings.Repeat("a", maxBodyBytes) + `"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/npc/reply", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := decode[errorResponse](t, rec); got.Error != "invalid_request" {
				t.Errorf("error = %q", got.Error)
			}
		})
	}
	if len(p.replies) != 0 {
		t.Errorf("pipeline called %d times for bad bodies", len(p.replies))
	}
}

func TestReply_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakePipeline{})
	rec := do(t, h, http.MethodGet, "/npc/reply", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// ── Ingest ───────────────────────────────────────────────────────────────────

func TestIngestChat_MapsPayload(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{id: "msg-1"}
	h := newTestServer(t, p)

	rec := do(t, h, http.MethodPost, "/ingest/chat",
		`{"game_id":"g1","round_id":"r1","player_id":"p1","player_name":"Alice","text":"I am at the Mansion","nearby_players":"p2, p3","location":"Mansion","timestamp":1773519300000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decode[idResponse](t, rec); got.ID != "msg-1" {
		t.Errorf("id = %q", got.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.utterances[0]
	if u.GameID != "g1" || u.SpeakerID != "p1" || u.SpeakerName != "Alice" || u.Location != "Mansion" {
		t.Errorf("utterance = %+v", u)
	}
	if strings.Join(u.NearbySpeakers, ",") != "p2,p3" {
		t.Errorf("nearby = %v", u.NearbySpeakers)
	}
	if !u.Timestamp.Equal(time.UnixMilli(1773519300000)) {
		t.Errorf("timestamp = %v", u.Timestamp)
	}
}

func TestIngestChat_ZeroTimestampLeftUnset(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{id: "msg-1"}
	h := newTestServer(t, p)
	do(t, h, http.MethodPost, "/ingest/chat", `{"player_id":"p1","text":"hi"}`)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.utterances[0].Timestamp.IsZero() {
		t.Errorf("timestamp = %v, want zero", p.utterances[0].Timestamp)
	}
}

func TestIngestEvent(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{id: "evt-1"}
	h := newTestServer(t, p)

	rec := do(t, h, http.MethodPost, "/ingest/event",
		`{"round_id":"r1","event_type":"door","location":"Church","text":"The church door slammed shut"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[idResponse](t, rec); got.ID != "evt-1" {
		t.Errorf("id = %q", got.ID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.events[0]; e.EventType != "door" || e.Location != "Church" || e.RoundID != "r1" {
		t.Errorf("event = %+v", e)
	}
}

func TestIngest_InvalidInput(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakePipeline{idErr: fmt.Errorf("%w: utterance text is empty", orchestrator.ErrInvalidInput)})
	rec := do(t, h, http.MethodPost, "/ingest/chat", `{"player_id":"p1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ── End to end ───────────────────────────────────────────────────────────────

func TestEndToEnd_IngestThenReply(t *testing.T) {
	t.Parallel()
	store := memmock.New()
	provider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  nah i was at the Mansion  "}}
	orch, err := orchestrator.New(store, provider)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	h := newTestServer(t, orch)

	for _, body := range []string{
		`{"round_id":"r1","player_id":"p1","player_name":"Alice","text":"I am in the Mansion","location":"Mansion","timestamp":1773519300000}`,
		`{"round_id":"r1","player_id":"p2","player_name":"Bob","text":"I checked the basement","location":"Reactor","timestamp":1773519360000}`,
	} {
		if rec := do(t, h, http.MethodPost, "/ingest/chat", body); rec.Code != http.StatusOK {
			t.Fatalf("ingest status = %d, body = %s", rec.Code, rec.Body)
		}
	}

	rec := do(t, h, http.MethodPost, "/npc/reply", `{"player_text":"who was in the Mansion?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reply status = %d, body = %s", rec.Code, rec.Body)
	}
	got := decode[replyResponse](t, rec)
	if got.Text != "nah i was at the Mansion" {
		t.Errorf("text = %q", got.Text)
	}
	if got.RoundID != "r1" {
		t.Errorf("round = %q", got.RoundID)
	}
	if !strings.HasPrefix(got.MemoryID, "npc-") {
		t.Errorf("memory id = %q", got.MemoryID)
	}
	if n := len(store.Records(memory.PartitionNPCMemory)); n != 1 {
		t.Errorf("npc memory records = %d, want 1", n)
	}

	prompt := provider.Calls()[0].Req.Messages[0].Content
	if !strings.Contains(prompt, "I am in the Mansion") {
		t.Errorf("prompt lacks Mansion line:\n%s", prompt)
	}
	if strings.Contains(prompt, "basement") {
		t.Errorf("prompt contains line without a canonical location:\n%s", prompt)
	}
}

// ── Health and metrics ───────────────────────────────────────────────────────

func TestHealthRoutes(t *testing.T) {
	t.Parallel()
	store := memmock.New()
	store.PingErr = errors.New("disk gone")
	h := newTestServer(t, &fakePipeline{}, WithHealth(health.PingChecker("memory", store)))

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	promh := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# HELP koschei_replies_total\n"))
	})
	h := newTestServer(t, &fakePipeline{}, WithMetricsHandler(promh))
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "koschei_replies_total") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body)
	}

	bare := newTestServer(t, &fakePipeline{})
	if rec := do(t, bare, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler = %d, want 404", rec.Code)
	}
}

// ── CORS ─────────────────────────────────────────────────────────────────────

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "https://game.example", "*"},
		{"listed", []string{"https://game.example"}, "https://game.example", "https://game.example"},
		{"unlisted", []string{"https://game.example"}, "https://evil.example", ""},
		{"none configured", nil, "https://game.example", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newTestServer(t, &fakePipeline{}, WithCORS(tc.origins...))
			req := httptest.NewRequest(http.MethodOptions, "/npc/reply", nil)
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("Access-Control-Request-Method", "POST")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.want)
			}
		})
	}
}

// ── Rate limiting ────────────────────────────────────────────────────────────

func TestRateLimit(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	s, err := New(&fakePipeline{reply: types.Reply{Text: "x"}}, WithMetrics(m), WithRateLimit(0.001, 2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := s.Handler()

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/npc/reply", strings.NewReader(`{"player_text":"hi"}`))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := range 2 {
		if code := send("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := send("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", code)
	}
	// Another client has its own bucket.
	if code := send("10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", code)
	}
	// Health checks are never limited.
	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz status = %d", rec.Code)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterTotal(rm, "koschei.http.rate_limited"); got != 1 {
		t.Errorf("rate_limited = %d, want 1", got)
	}
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	rl := newRateLimiter(1, 1, m)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.allow("a")
	rl.allow("b")
	now = now.Add(visitorTTL + sweepInterval + time.Second)
	rl.allow("c")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.visitors) != 1 {
		t.Errorf("visitors = %d, want 1 after sweep", len(rl.visitors))
	}
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	s, err := New(&fakePipeline{}, WithMetrics(m), WithShutdownTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for range 50 {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNew_NilPipeline(t *testing.T) {
	t.Parallel()
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil pipeline")
	}
}

func TestErrorBody_NeverEmpty(t *testing.T) {
	t.Parallel()
	for _, err := range []error{
		orchestrator.ErrEmptyPlayerText,
		orchestrator.ErrGenerationUnavailable,
		errors.New("x"),
	} {
		_, body := errorBody(err)
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		if body.Error == "" || body.Message == "" {
			t.Errorf("errorBody(%v) = %s", err, buf.String())
		}
	}
}
