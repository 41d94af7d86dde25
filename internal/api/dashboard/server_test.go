package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/query-tracer/internal/auth"
	"github.com/tjfontaine/query-tracer/internal/driver"
	"github.com/tjfontaine/query-tracer/internal/report"
	"github.com/tjfontaine/query-tracer/internal/server"
	"github.com/tjfontaine/query-tracer/internal/statements"
	"github.com/tjfontaine/query-tracer/internal/storage/memory"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

var (
	now     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	discard = slog.New(slog.DiscardHandler)
)

type echoAgent struct {
	release chan struct{}
}

func (a *echoAgent) Ask(ctx context.Context, prompt string) (string, error) {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "answer: " + prompt, nil
}

type harness struct {
	srv    *Server
	source *statements.LogSource
	log    *memory.Store
	agent  *echoAgent
	runner *driver.Runner
}

func newHarness(t *testing.T, authenticator *auth.Authenticator) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(now)
	source := statements.NewLogSource(memory.New(), clock, 0)
	log := memory.New()

	builder := report.NewBuilder(source, log, discard)
	builder.Clock = clock

	agent := &echoAgent{}
	runner := driver.NewRunner(agent, log, discard, driver.Options{Clock: clock})

	srv := NewServer(Config{
		Builder: builder,
		Source:  source,
		Log:     log,
		Runner:  runner,
		Defaults: report.Options{
			Window:  10 * time.Minute,
			Padding: tracer.DefaultPadding,
			Filter:  tracer.Filter{Kinds: tracer.DefaultKinds},
		},
		Authenticator: authenticator,
		Logger:        discard,
	})
	return &harness{srv: srv, source: source, log: log, agent: agent, runner: runner}
}

func (h *harness) record(t *testing.T, ago time.Duration, text string) {
	t.Helper()
	if err := h.source.Record(context.Background(), tracer.Statement{Text: text, ExecutedAt: now.Add(-ago), AvgDurationMs: 2, Rows: 1}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do("GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", rec.Code)
	}
}

func TestReport(t *testing.T) {
	h := newHarness(t, nil)
	h.record(t, time.Minute, "SELECT * FROM Products")
	h.record(t, 2*time.Minute, "EXEC dbo.RefreshStats")
	h.record(t, 3*time.Minute, "SELECT * FROM sys.objects")
	h.record(t, 20*time.Minute, "SELECT * FROM Customers")

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{name: "defaults", target: "/api/report", want: []string{"SELECT * FROM Products"}},
		{name: "all kinds", target: "/api/report?kinds=all", want: []string{"SELECT * FROM Products", "EXEC dbo.RefreshStats"}},
		{name: "exec only", target: "/api/report?kinds=exec", want: []string{"EXEC dbo.RefreshStats"}},
		{name: "repeated kinds", target: "/api/report?kinds=select&kinds=exec", want: []string{"SELECT * FROM Products", "EXEC dbo.RefreshStats"}},
		{name: "repeated kinds with all", target: "/api/report?kinds=exec&kinds=all", want: []string{"SELECT * FROM Products", "EXEC dbo.RefreshStats"}},
		{name: "system", target: "/api/report?system=true", want: []string{"SELECT * FROM Products", "SELECT * FROM sys.objects"}},
		{name: "longer window", target: "/api/report?minutes=30&tables=Customers", want: []string{"SELECT * FROM Customers"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do("GET", tt.target, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("GET %s = %d %s", tt.target, rec.Code, rec.Body.String())
			}
			rep := decode[report.Report](t, rec)
			var got []string
			for _, r := range rep.Statements {
				got = append(got, r.Text)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("statements mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReport_BadParams(t *testing.T) {
	h := newHarness(t, nil)
	for _, target := range []string{"/api/report?minutes=0", "/api/report?minutes=x", "/api/report?system=maybe", "/api/report?kinds=merge"} {
		rec := h.do("GET", target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", target, rec.Code)
			continue
		}
		if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
			t.Errorf("GET %s Content-Type = %q", target, rec.Header().Get("Content-Type"))
		}
		if body := decode[server.ErrorResponse](t, rec); body.Error == "" {
			t.Errorf("GET %s error body is empty", target)
		}
	}
}

func TestReport_Text(t *testing.T) {
	h := newHarness(t, nil)
	h.record(t, time.Minute, "DELETE FROM Orders WHERE id = 1")

	rec := h.do("GET", "/api/report?format=text", "")
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "delete_record(Order)") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestIndex(t *testing.T) {
	h := newHarness(t, nil)
	h.record(t, 30*time.Second, "SELECT * FROM Products WHERE name = '<b>'")
	if err := h.log.Append(context.Background(), tracer.Interaction{
		Index: 1, Prompt: "List all products", Response: "There are 4 products.",
		Start: now.Add(-time.Minute), End: now.Add(-50 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	rec := h.do("GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"List all products", "There are 4 products.", "read_records(Product)", "&lt;b&gt;", "agent idle"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestIndex_MultipleKinds(t *testing.T) {
	h := newHarness(t, nil)
	h.record(t, 30*time.Second, "SELECT * FROM Products")
	h.record(t, 40*time.Second, "INSERT INTO Orders (id) VALUES (1)")
	h.record(t, 50*time.Second, "EXEC dbo.RefreshStats")

	rec := h.do("GET", "/?kinds=SELECT&kinds=INSERT", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{`<select name="kinds" multiple`, `<option value="SELECT" selected>`, `<option value="INSERT" selected>`, "read_records(Product)", "create_record(Order)"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if strings.Contains(body, "dbo.RefreshStats") {
		t.Error("page shows an EXEC statement that was not selected")
	}
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t, nil)
	h.record(t, time.Minute, "SELECT 1")

	rec := h.do("GET", "/api/diagnostics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/diagnostics = %d", rec.Code)
	}
	d := decode[statements.Diagnostics](t, rec)
	if d.CapturedTexts != 1 {
		t.Errorf("CapturedTexts = %d, want 1", d.CapturedTexts)
	}
}

func TestAgentRun(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.release = make(chan struct{})

	rec := h.do("POST", "/api/agent/run", `{"query":"How many orders?"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/agent/run = %d %s", rec.Code, rec.Body.String())
	}
	run := decode[RunResponse](t, rec)
	if run.RunID == "" || run.Prompts != 1 {
		t.Errorf("RunResponse = %+v", run)
	}

	if rec := h.do("POST", "/api/agent/run", ""); rec.Code != http.StatusConflict {
		t.Errorf("second run = %d, want 409", rec.Code)
	}
	status := decode[AgentStatus](t, h.do("GET", "/api/agent", ""))
	if !status.Running {
		t.Error("agent status not running")
	}

	close(h.agent.release)
	deadline := time.Now().Add(5 * time.Second)
	for h.runner.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	logged, _ := h.log.List(context.Background())
	if len(logged) != 1 || logged[0].Prompt != "How many orders?" || logged[0].RunID != run.RunID {
		t.Errorf("logged = %+v", logged)
	}
}

func TestAgentRun_NotConfigured(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.cfg.Runner = nil
	if rec := h.do("POST", "/api/agent/run", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /api/agent/run = %d, want 503", rec.Code)
	}
}

func TestClear(t *testing.T) {
	h := newHarness(t, nil)
	h.record(t, time.Minute, "SELECT * FROM Products")
	_ = h.log.Append(context.Background(), tracer.Interaction{Index: 1, Prompt: "p", Start: now, End: now})

	rec := h.do("POST", "/api/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/clear = %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[ClearResponse](t, rec); got.Statements != "cleared" {
		t.Errorf("ClearResponse = %+v", got)
	}

	left, _ := h.source.FetchRecent(context.Background(), time.Hour)
	logged, _ := h.log.List(context.Background())
	if len(left) != 0 || len(logged) != 0 {
		t.Errorf("after clear: %d statements, %d interactions", len(left), len(logged))
	}
}

func TestMutatingEndpointsRequireKey(t *testing.T) {
	h := newHarness(t, auth.NewAuthenticator([]auth.Operator{{KeyHash: auth.HashAPIKey("op-key"), Description: "ops"}}))

	if rec := h.do("POST", "/api/clear", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("POST /api/clear without key = %d, want 401", rec.Code)
	}
	var logs strings.Builder
	h.srv.cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	if rec := h.do("POST", "/api/clear", "", "Authorization", "Bearer op-key"); rec.Code != http.StatusOK {
		t.Errorf("POST /api/clear with key = %d, want 200", rec.Code)
	}
	if !strings.Contains(logs.String(), "operator=ops") {
		t.Errorf("clear log = %q, want operator=ops", logs.String())
	}
	if rec := h.do("POST", "/api/clear", "{}", "X-API-Key", "op-key"); rec.Code != http.StatusOK {
		t.Errorf("POST /api/clear with X-API-Key = %d, want 200", rec.Code)
	}
	if rec := h.do("GET", "/api/report", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /api/report without key = %d, want 200", rec.Code)
	}
}
