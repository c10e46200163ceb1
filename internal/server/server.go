package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/pipeline"
	"github.com/sam-aydlette/insightweaver/internal/synthesize"
	"github.com/sam-aydlette/insightweaver/internal/verify"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Server is the read-only HTTP view over briefs, runs, and trust reports.
type Server struct {
	db    *database.DB
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(db *database.DB) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"window": func(start, end time.Time) string {
			return fmt.Sprintf("%s to %s",
				start.UTC().Format("2006-01-02 15:04"),
				end.UTC().Format("2006-01-02 15:04"))
		},
		"score": func(s *float64) string {
			if s == nil {
				return "n/a"
			}
			return fmt.Sprintf("%.2f", *s)
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html", "brief.html", "run.html", "report.html", "reports.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// Routes
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/brief/", s.handleBrief)
	s.mux.HandleFunc("/runs/", s.handleRun)
	s.mux.HandleFunc("/reports", s.handleReports)
	s.mux.HandleFunc("/reports/", s.handleReport)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	briefs, err := s.db.ListBriefs(20)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	runs, err := s.db.ListRuns(10)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Briefs": briefs,
		"Runs":   runs,
	})
}

func (s *Server) handleBrief(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.URL.Path, "/brief/")
	if !ok {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	brief, _ := s.db.GetBrief(id)
	if brief == nil {
		http.NotFound(w, r)
		return
	}

	var refs []synthesize.SourceRef
	if brief.RefsJSON != "" {
		if err := json.Unmarshal([]byte(brief.RefsJSON), &refs); err != nil {
			log.Printf("Unreadable source refs for brief %d: %v", brief.ID, err)
		}
	}

	s.render(w, "brief.html", map[string]any{
		"Brief": brief,
		"Refs":  refs,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.URL.Path, "/runs/")
	if !ok {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	run, _ := s.db.GetRun(id)
	if run == nil {
		http.NotFound(w, r)
		return
	}

	var stages []pipeline.StageReport
	if run.StagesJSON != "" {
		if err := json.Unmarshal([]byte(run.StagesJSON), &stages); err != nil {
			log.Printf("Unreadable stage reports for run %d: %v", run.ID, err)
		}
	}

	s.render(w, "run.html", map[string]any{
		"Run":    run,
		"Stages": stages,
	})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.db.ListTrustReports(20)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "reports.html", map[string]any{
		"Reports": reports,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.URL.Path, "/reports/")
	if !ok {
		http.Redirect(w, r, "/reports", http.StatusFound)
		return
	}

	report, _ := s.db.GetTrustReport(id)
	if report == nil {
		http.NotFound(w, r)
		return
	}

	var stages map[string]verify.StageResult
	if report.StagesJSON != "" {
		if err := json.Unmarshal([]byte(report.StagesJSON), &stages); err != nil {
			log.Printf("Unreadable stages for trust report %d: %v", report.ID, err)
		}
	}
	ordered := make([]verify.StageResult, 0, 3)
	for _, name := range []string{verify.StageFact, verify.StageBias, verify.StageTone} {
		if st, ok := stages[name]; ok {
			ordered = append(ordered, st)
		}
	}

	s.render(w, "report.html", map[string]any{
		"Report": report,
		"Stages": ordered,
	})
}

func pathID(path, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, port int) error {
	srv, err := New(db)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
