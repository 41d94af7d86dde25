// Package dashboard serves the trace report over HTTP: an HTML page for
// people and JSON endpoints for scripts.
package dashboard

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/query-tracer/internal/agentlog"
	"github.com/tjfontaine/query-tracer/internal/auth"
	"github.com/tjfontaine/query-tracer/internal/driver"
	"github.com/tjfontaine/query-tracer/internal/pkg/config"
	"github.com/tjfontaine/query-tracer/internal/report"
	"github.com/tjfontaine/query-tracer/internal/server"
	"github.com/tjfontaine/query-tracer/internal/statements"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

//go:embed templates/*.html
var templateFS embed.FS

const maxMinutes = 24 * 60

// Config wires the dashboard to its collaborators. Runner may be nil when no
// agent is configured.
type Config struct {
	Builder       *report.Builder
	Source        statements.Source
	Log           agentlog.Store
	Runner        *driver.Runner
	Defaults      report.Options
	Authenticator *auth.Authenticator
	Logger        *slog.Logger
}

type Server struct {
	router    chi.Router
	startTime time.Time
	page      *template.Template
	cfg       Config
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		page:      template.Must(template.New("index.html").Funcs(funcs).ParseFS(templateFS, "templates/index.html")),
		cfg:       cfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/", s.handleIndex)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/report", s.handleReport)
	s.router.Get("/api/diagnostics", s.handleDiagnostics)
	s.router.Get("/api/agent", s.handleAgentStatus)

	s.router.Group(func(r chi.Router) {
		r.Use(server.RequireOperator(s.cfg.Authenticator))
		r.Post("/api/agent/run", s.handleAgentRun)
		r.Post("/api/clear", s.handleClear)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type StatsResponse struct {
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	AgentRunning bool   `json:"agent_running"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, StatsResponse{
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		AgentRunning: s.cfg.Runner != nil && s.cfg.Runner.Running(),
	})
}

// options reads minutes, system, kinds and tables from the query string on
// top of the configured defaults. kinds may repeat or hold a comma separated
// list; any value of all selects every kind.
func (s *Server) options(r *http.Request) (report.Options, error) {
	opts := s.cfg.Defaults
	q := r.URL.Query()

	if v := q.Get("minutes"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 || m > maxMinutes {
			return opts, errors.New("minutes must be between 1 and 1440")
		}
		opts.Window = time.Duration(m) * time.Minute
	}
	if v := q.Get("system"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("system must be a boolean")
		}
		opts.Filter.ShowSystem = b
	}
	if vals, ok := q["kinds"]; ok {
		var names []string
		all := false
		for _, v := range vals {
			for _, p := range strings.Split(v, ",") {
				if strings.EqualFold(strings.TrimSpace(p), "all") {
					all = true
				}
				names = append(names, p)
			}
		}
		if all {
			opts.Filter.Kinds = nil
		} else {
			kinds, err := config.ParseKinds(names)
			if err != nil {
				return opts, err
			}
			opts.Filter.Kinds = kinds
		}
	}
	if v := q.Get("tables"); v != "" {
		opts.Filter.Tables = splitList(v)
	}
	return opts, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) build(w http.ResponseWriter, r *http.Request) (*report.Report, report.Options, bool) {
	opts, err := s.options(r)
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, opts, false
	}
	rep, err := s.cfg.Builder.Build(r.Context(), opts)
	if err != nil {
		server.AddError(r.Context(), err)
		s.cfg.Logger.Error("failed to build report", slog.String("error", err.Error()))
		server.WriteError(w, http.StatusBadGateway, "failed to build report")
		return nil, opts, false
	}
	return rep, opts, true
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, _, ok := s.build(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_ = report.WriteText(w, rep)
		return
	}
	server.WriteJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := statements.Diagnose(r.Context(), s.cfg.Source)
	if errors.Is(err, statements.ErrUnsupported) {
		server.WriteError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadGateway, "failed to read diagnostics")
		return
	}
	server.WriteJSON(w, http.StatusOK, d)
}

type AgentStatus struct {
	Configured bool `json:"configured"`
	Running    bool `json:"running"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, AgentStatus{
		Configured: s.cfg.Runner != nil,
		Running:    s.cfg.Runner != nil && s.cfg.Runner.Running(),
	})
}

type RunRequest struct {
	Query string `json:"query"`
}

type RunResponse struct {
	RunID   string `json:"run_id"`
	Prompts int    `json:"prompts"`
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runner == nil {
		server.WriteError(w, http.StatusServiceUnavailable, "agent not configured")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		server.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prompts := driver.DefaultPrompts
	if q := strings.TrimSpace(req.Query); q != "" {
		prompts = []string{q}
	}

	runID, err := s.cfg.Runner.Start(r.Context(), prompts)
	if errors.Is(err, driver.ErrRunInProgress) {
		server.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "failed to start agent run")
		return
	}

	server.AddLogField(r.Context(), "run_id", runID)
	s.cfg.Logger.Info("agent run started",
		slog.String("run_id", runID),
		slog.Int("prompts", len(prompts)),
		slog.String("operator", operatorName(r)),
	)
	server.WriteJSON(w, http.StatusAccepted, RunResponse{RunID: runID, Prompts: len(prompts)})
}

type ClearResponse struct {
	Statements   string `json:"statements"`
	Interactions string `json:"interactions"`
}

// handleClear wipes the source history and the interaction log. A source that
// cannot be cleared is reported, not treated as a failure.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	resp := ClearResponse{Statements: "cleared", Interactions: "cleared"}

	err := statements.Clear(r.Context(), s.cfg.Source)
	switch {
	case errors.Is(err, statements.ErrUnsupported):
		resp.Statements = "unsupported"
	case err != nil:
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadGateway, "failed to clear statement history")
		return
	}
	statements.Invalidate(s.cfg.Source)

	if err := s.cfg.Log.Clear(r.Context()); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "failed to clear interaction log")
		return
	}

	s.cfg.Logger.Info("history cleared",
		slog.String("statements", resp.Statements),
		slog.String("operator", operatorName(r)),
	)
	server.WriteJSON(w, http.StatusOK, resp)
}

// operatorName is the authenticated operator's description, or anonymous
// when no keys are configured.
func operatorName(r *http.Request) string {
	if op, ok := server.GetOperator(r.Context()); ok {
		return op.Description
	}
	return "anonymous"
}

type indexData struct {
	Report  *report.Report
	Kinds   []tracer.Kind
	Options report.Options
	Agent   AgentStatus
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rep, opts, ok := s.build(w, r)
	if !ok {
		return
	}

	data := indexData{
		Report:  rep,
		Kinds:   tracer.Kinds,
		Options: opts,
		Agent: AgentStatus{
			Configured: s.cfg.Runner != nil,
			Running:    s.cfg.Runner != nil && s.cfg.Runner.Running(),
		},
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, data); err != nil {
		s.cfg.Logger.Error("failed to render dashboard", slog.String("error", err.Error()))
	}
}
