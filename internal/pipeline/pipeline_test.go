package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sam-aydlette/insightweaver/internal/config"
	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/dedup"
	"github.com/sam-aydlette/insightweaver/internal/feed"
	"github.com/sam-aydlette/insightweaver/internal/filter"
)

type fakeSource struct {
	result *feed.Result
}

func (f *fakeSource) FetchAll(_ context.Context, _, _ time.Time) *feed.Result {
	return f.result
}

type fakeBriefs struct {
	brief *database.Brief
	err   error
	calls int
	got   int // articles passed on the last call
}

func (f *fakeBriefs) Synthesize(_ context.Context, articles []database.Article, _, _ time.Time) (*database.Brief, error) {
	f.calls++
	f.got = len(articles)
	if f.err != nil {
		return nil, f.err
	}
	return f.brief, nil
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testWindow() (time.Time, time.Time) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func keepAllRules() *filter.RuleSet {
	return filter.Compile(config.Filter{KeepThreshold: 0.1, BaseScore: 0.5})
}

func entry(title, link string, published time.Time) feed.Entry {
	return feed.Entry{Title: title, Link: link, Summary: "Full content for " + title, Source: "Test", Published: &published}
}

func testOrchestrator(db *database.DB, source feedSource, briefs briefMaker) *Orchestrator {
	return &Orchestrator{
		db:     db,
		rules:  keepAllRules(),
		source: source,
		engine: dedup.NewEngine(nil, 0.92, 100),
		briefs: briefs,
	}
}

func allStages() StageFlags {
	return StageFlags{Dedup: true, Filter: true, Synthesize: true}
}

func parseStages(t *testing.T, run *database.Run) []StageReport {
	t.Helper()
	var reports []StageReport
	if err := json.Unmarshal([]byte(run.StagesJSON), &reports); err != nil {
		t.Fatalf("failed to parse stage reports: %v", err)
	}
	return reports
}

func stage(t *testing.T, reports []StageReport, name string) StageReport {
	t.Helper()
	for _, r := range reports {
		if r.Stage == name {
			return r
		}
	}
	t.Fatalf("no report for stage %s in %+v", name, reports)
	return StageReport{}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	db := openTestDB(t)
	t.Setenv("INSIGHTWEAVER_TEST_KEY", "")

	cfg := &config.Config{
		Reasoning: config.Reasoning{Provider: "openai", APIKeyEnv: "INSIGHTWEAVER_TEST_KEY"},
		Dedup:     config.Dedup{SimilarityThreshold: 5, WindowSize: 100},
		Fetch:     config.Fetch{Workers: 4},
		Retry:     config.Retry{MaxAttempts: 3},
		Verify:    config.Verify{FactWeight: 0.5, BiasWeight: 0.3, ToneWeight: 0.2},
	}

	o, err := New(cfg, db)
	if err == nil {
		t.Fatal("expected invalid config to be rejected before anything runs")
	}
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
	if o != nil {
		t.Error("no orchestrator must be built from invalid config")
	}

	runs, _ := db.ListRuns(10)
	if len(runs) != 0 {
		t.Errorf("no run must be recorded for invalid config, found %d", len(runs))
	}
}

func TestRunMixedFeedOutcomes(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()
	at := start.Add(6 * time.Hour)

	source := &fakeSource{result: &feed.Result{
		Entries: []feed.Entry{
			entry("One", "https://a.example/1", at),
			entry("Two", "https://a.example/2", at),
			entry("Three", "https://a.example/3", at),
			entry("Four", "https://a.example/4", at),
			entry("Five", "https://a.example/5", at),
		},
		Reports: []feed.Report{
			{URL: "https://a.example/rss", Entries: 5},
			{URL: "https://b.example/rss", Err: "HTTP 500"},
		},
	}}
	briefs := &fakeBriefs{brief: &database.Brief{ID: 1, Title: "Brief"}}

	o := testOrchestrator(db, source, briefs)
	run, err := o.Run(context.Background(), start, end, allStages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}

	reports := parseStages(t, run)
	f := stage(t, reports, "fetch")
	if f.Counts["feeds_ok"] != 1 || f.Counts["feeds_failed"] != 1 || f.Counts["entries"] != 5 {
		t.Errorf("unexpected fetch counts: %v", f.Counts)
	}
	if len(f.Errors) != 1 {
		t.Errorf("expected 1 recorded feed error, got %v", f.Errors)
	}

	d := stage(t, reports, "dedup")
	if d.Counts["input"] != 5 || d.Counts["kept"] != 5 {
		t.Errorf("unexpected dedup counts: %v", d.Counts)
	}
	// No embedder wired: semantic phase unavailable.
	if d.Status != StageDegraded {
		t.Errorf("expected degraded dedup, got %s", d.Status)
	}

	if briefs.got != 5 {
		t.Errorf("expected 5 articles synthesized, got %d", briefs.got)
	}
}

func TestRunEmptyWindowCompletes(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()

	source := &fakeSource{result: &feed.Result{}}
	briefs := &fakeBriefs{}

	o := testOrchestrator(db, source, briefs)
	run, err := o.Run(context.Background(), start, end, allStages())
	if err != nil {
		t.Fatalf("quiet window must not error: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}

	reports := parseStages(t, run)
	for _, name := range []string{"dedup", "filter", "synthesize"} {
		if s := stage(t, reports, name); s.Status != StageSkipped {
			t.Errorf("expected %s skipped, got %s", name, s.Status)
		}
	}
	if briefs.calls != 0 {
		t.Errorf("synthesize must not run for an empty window")
	}
}

func TestRunCancellationAborts(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()
	at := start.Add(time.Hour)

	source := &fakeSource{result: &feed.Result{
		Entries: []feed.Entry{entry("One", "https://a.example/1", at)},
		Reports: []feed.Report{{URL: "https://a.example/rss", Entries: 1}},
	}}
	briefs := &fakeBriefs{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := testOrchestrator(db, source, briefs)
	run, err := o.Run(ctx, start, end, allStages())
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if run.Status != StatusAborted {
		t.Errorf("expected aborted, got %s", run.Status)
	}

	reports := parseStages(t, run)
	for _, name := range []string{"dedup", "filter", "synthesize"} {
		if s := stage(t, reports, name); s.Status != StageSkipped {
			t.Errorf("expected %s skipped after cancellation, got %s", name, s.Status)
		}
	}
	if briefs.calls != 0 {
		t.Error("synthesize must not run after cancellation")
	}
}

func TestRunSynthesizeFailureIsNonFatal(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()
	at := start.Add(time.Hour)

	source := &fakeSource{result: &feed.Result{
		Entries: []feed.Entry{entry("One", "https://a.example/1", at)},
		Reports: []feed.Report{{URL: "https://a.example/rss", Entries: 1}},
	}}
	briefs := &fakeBriefs{err: errors.New("service unavailable")}

	o := testOrchestrator(db, source, briefs)
	run, err := o.Run(context.Background(), start, end, allStages())
	if err != nil {
		t.Fatalf("synthesize failure must not abort: %v", err)
	}
	if run.Status != StatusCompletedWithErrors {
		t.Errorf("expected completed_with_errors, got %s", run.Status)
	}

	s := stage(t, parseStages(t, run), "synthesize")
	if s.Status != StageFailed || len(s.Errors) != 1 {
		t.Errorf("unexpected synthesize report: %+v", s)
	}
}

func TestRunDisabledStagesPassThrough(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()
	at := start.Add(time.Hour)

	source := &fakeSource{result: &feed.Result{
		Entries: []feed.Entry{
			entry("One", "https://a.example/1", at),
			entry("One", "https://a.example/1-copy", at), // exact duplicate content
		},
		Reports: []feed.Report{{URL: "https://a.example/rss", Entries: 2}},
	}}
	briefs := &fakeBriefs{}

	o := testOrchestrator(db, source, briefs)
	run, err := o.Run(context.Background(), start, end, StageFlags{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}

	// With every optional stage disabled the duplicate survives untouched.
	pending, _ := db.PendingInWindow(start, end)
	if len(pending) != 2 {
		t.Errorf("expected 2 pending articles untouched, got %d", len(pending))
	}
	if briefs.calls != 0 {
		t.Error("synthesize must not run when disabled")
	}
}

func TestRunPersistsDuplicateGroups(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()

	source := &fakeSource{result: &feed.Result{
		Entries: []feed.Entry{
			entry("Same story", "https://a.example/1", start.Add(time.Hour)),
			entry("Same story", "https://b.example/1", start.Add(2*time.Hour)),
		},
		Reports: []feed.Report{{URL: "https://a.example/rss", Entries: 2}},
	}}
	briefs := &fakeBriefs{brief: &database.Brief{ID: 1}}

	o := testOrchestrator(db, source, briefs)
	run, err := o.Run(context.Background(), start, end, allStages())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := stage(t, parseStages(t, run), "dedup")
	if d.Counts["kept"] != 1 || d.Counts["dropped"] != 1 {
		t.Errorf("unexpected dedup counts: %v", d.Counts)
	}

	articles, _ := db.ArticlesInWindow(start, end)
	var dupes, kept int
	for _, a := range articles {
		switch a.Status {
		case database.StatusDuplicate:
			dupes++
			if gid, _ := db.GroupIDForArticle(a.ID); gid == 0 {
				t.Errorf("duplicate article %d has no group", a.ID)
			}
		case database.StatusKept:
			kept++
		}
	}
	if dupes != 1 || kept != 1 {
		t.Errorf("expected 1 duplicate and 1 kept, got %d/%d", dupes, kept)
	}
}

func TestRunIsIdempotentAcrossReruns(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()
	at := start.Add(time.Hour)

	source := &fakeSource{result: &feed.Result{
		Entries: []feed.Entry{entry("One", "https://a.example/1", at)},
		Reports: []feed.Report{{URL: "https://a.example/rss", Entries: 1}},
	}}
	briefs := &fakeBriefs{brief: &database.Brief{ID: 1}}

	o := testOrchestrator(db, source, briefs)
	if _, err := o.Run(context.Background(), start, end, allStages()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	run, err := o.Run(context.Background(), start, end, allStages())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}

	// Re-ingesting the same URL is a no-op; the kept set is re-synthesized.
	f := stage(t, parseStages(t, run), "fetch")
	if f.Counts["new_articles"] != 0 {
		t.Errorf("expected 0 new articles on re-run, got %d", f.Counts["new_articles"])
	}
	if briefs.got != 1 {
		t.Errorf("expected kept set of 1 on re-run, got %d", briefs.got)
	}

	runs, _ := db.ListRuns(10)
	if len(runs) != 2 {
		t.Errorf("expected 2 sealed runs, got %d", len(runs))
	}
}
