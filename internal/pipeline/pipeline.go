package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sam-aydlette/insightweaver/internal/config"
	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/dedup"
	"github.com/sam-aydlette/insightweaver/internal/feed"
	"github.com/sam-aydlette/insightweaver/internal/fetch"
	"github.com/sam-aydlette/insightweaver/internal/filter"
	"github.com/sam-aydlette/insightweaver/internal/llm"
	"github.com/sam-aydlette/insightweaver/internal/retry"
	"github.com/sam-aydlette/insightweaver/internal/synthesize"
)

// Run statuses. A run is sealed exactly once and never mutated after.
const (
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusAborted             = "aborted"
)

// Stage report statuses.
const (
	StageOK       = "ok"
	StageFailed   = "failed"
	StageSkipped  = "skipped"
	StageDegraded = "degraded"
)

// StageError is a failure isolated to one pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageReport is one stage's entry in the run report.
type StageReport struct {
	Stage  string         `json:"stage"`
	Status string         `json:"status"`
	Counts map[string]int `json:"counts,omitempty"`
	Errors []string       `json:"errors,omitempty"`
}

// StageFlags enables or disables the optional stages. Fetch always runs.
// A disabled stage passes its input through unchanged.
type StageFlags struct {
	Dedup      bool
	Filter     bool
	Synthesize bool
}

// feedSource pulls raw entries for a window.
type feedSource interface {
	FetchAll(ctx context.Context, start, end time.Time) *feed.Result
}

// enricher fills in full content for stub entries.
type enricher interface {
	Enrich(ctx context.Context, entries []feed.Entry) *fetch.Result
}

// deduper splits a batch into kept articles and duplicate groups.
type deduper interface {
	Seed(articles []database.Article)
	Deduplicate(ctx context.Context, articles []database.Article) (*dedup.Result, error)
}

// briefMaker turns a kept set into a stored brief.
type briefMaker interface {
	Synthesize(ctx context.Context, articles []database.Article, start, end time.Time) (*database.Brief, error)
}

// Orchestrator sequences fetch, dedup, filter, and synthesize over one time
// window and records a sealed run report.
type Orchestrator struct {
	cfg   *config.Config
	db    *database.DB
	rules *filter.RuleSet

	source feedSource
	enrich enricher
	engine deduper
	briefs briefMaker
}

// New wires an orchestrator from configuration. Invalid configuration is a
// ConfigError; nothing is constructed and no stage runs. The reasoning
// provider and embedder are created here; an unconfigured embedder degrades
// dedup to exact-only.
func New(cfg *config.Config, db *database.DB) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := cfg.Reasoning
	opts := llm.Options{Temperature: r.Temperature, Timeout: r.Timeout.Std()}
	provider := llm.CreateProvider(r.Provider, r.Model, r.OllamaURL, r.OpenAIModel, r.APIKeyEnv, opts)

	embModel := r.EmbeddingModel
	if embModel == "" {
		embModel = "nomic-embed-text"
	}
	baseURL := r.OllamaURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	embedder := llm.NewOllamaEmbedder(embModel, baseURL)

	policy := retry.New(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay.Std(), cfg.Retry.Factor, cfg.Retry.Jitter, nil)

	o := &Orchestrator{
		cfg:    cfg,
		db:     db,
		rules:  filter.Compile(cfg.Filter),
		source: feed.NewFetcher(cfg.Feeds, cfg.Fetch.Workers, cfg.Fetch.FeedTimeout.Std(), policy),
		engine: dedup.NewEngine(embedder, cfg.Dedup.SimilarityThreshold, cfg.Dedup.WindowSize),
		briefs: synthesize.NewSynthesizer(db, provider, policy, cfg.Reasoning.MaxTokens),
	}
	if cfg.Fetch.EnrichContent {
		o.enrich = fetch.NewEnricher(cfg.Fetch.FeedTimeout.Std())
	}
	return o, nil
}

// Run executes the pipeline over the half-open window [start, end).
// Stage order is fixed. Per-stage failure policy: fetch records per-feed
// errors and never aborts for them; dedup degrades to exact-only; a filter
// failure aborts the run; a synthesize failure ends the run as
// completed_with_errors.
//
// The returned error is non-nil only when the run aborted.
func (o *Orchestrator) Run(ctx context.Context, start, end time.Time, flags StageFlags) (*database.Run, error) {
	runID, err := o.db.InsertRun(start, end, time.Now())
	if err != nil {
		return nil, err
	}
	log.Printf("Pipeline run %d: window %s to %s", runID,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	var reports []StageReport
	hadStageFailure := false

	seal := func(status string) (*database.Run, error) {
		stagesJSON, merr := json.Marshal(reports)
		if merr != nil {
			return nil, merr
		}
		if serr := o.db.SealRun(runID, status, string(stagesJSON), time.Now()); serr != nil {
			return nil, serr
		}
		log.Printf("Pipeline run %d sealed: %s", runID, status)
		return o.db.GetRun(runID)
	}
	abort := func(stage string, cause error) (*database.Run, error) {
		run, serr := seal(StatusAborted)
		if serr != nil {
			return nil, serr
		}
		return run, &StageError{Stage: stage, Err: cause}
	}
	skipRemaining := func(stages ...string) {
		for _, s := range stages {
			reports = append(reports, StageReport{Stage: s, Status: StageSkipped})
		}
	}

	// Fetch. Per-feed failures are recorded, never fatal.
	fetchReport, err := o.runFetch(ctx, start, end)
	reports = append(reports, fetchReport)
	if err != nil {
		skipRemaining("dedup", "filter", "synthesize")
		return abort("fetch", err)
	}

	batch, err := o.db.PendingInWindow(start, end)
	if err != nil {
		skipRemaining("dedup", "filter", "synthesize")
		return abort("fetch", err)
	}
	if len(batch) == 0 {
		kept, kerr := o.db.KeptInWindow(start, end)
		if kerr == nil && len(kept) == 0 {
			// Nothing new and no backlog: a quiet window, not an error.
			skipRemaining("dedup", "filter", "synthesize")
			return seal(StatusCompleted)
		}
	}

	if ctx.Err() != nil {
		skipRemaining("dedup", "filter", "synthesize")
		return abort("dedup", ctx.Err())
	}

	// Dedup.
	if flags.Dedup {
		report, survivors, derr := o.runDedup(ctx, start, end, batch)
		reports = append(reports, report)
		if derr != nil {
			skipRemaining("filter", "synthesize")
			return abort("dedup", derr)
		}
		batch = survivors
	} else {
		reports = append(reports, StageReport{Stage: "dedup", Status: StageSkipped})
	}

	if ctx.Err() != nil {
		skipRemaining("filter", "synthesize")
		return abort("filter", ctx.Err())
	}

	// Filter. A failure here aborts: unfiltered content must not pass silently.
	if flags.Filter {
		report, survivors, ferr := o.runFilter(batch)
		reports = append(reports, report)
		if ferr != nil {
			skipRemaining("synthesize")
			return abort("filter", ferr)
		}
		batch = survivors
	} else {
		reports = append(reports, StageReport{Stage: "filter", Status: StageSkipped})
	}

	if ctx.Err() != nil {
		skipRemaining("synthesize")
		return abort("synthesize", ctx.Err())
	}

	// Synthesize.
	if flags.Synthesize {
		report := o.runSynthesize(ctx, start, end, batch)
		reports = append(reports, report)
		if report.Status == StageFailed {
			hadStageFailure = true
		}
	} else {
		reports = append(reports, StageReport{Stage: "synthesize", Status: StageSkipped})
	}

	if hadStageFailure {
		return seal(StatusCompletedWithErrors)
	}
	return seal(StatusCompleted)
}

// runFetch pulls entries, optionally enriches them, and persists new
// articles. The returned error indicates an infrastructure failure (storage),
// never a feed failure.
func (o *Orchestrator) runFetch(ctx context.Context, start, end time.Time) (StageReport, error) {
	report := StageReport{Stage: "fetch", Status: StageOK, Counts: map[string]int{}}

	result := o.source.FetchAll(ctx, start, end)
	report.Counts["feeds_ok"] = result.SuccessfulFeeds()
	report.Counts["feeds_failed"] = result.FailedFeeds()
	report.Counts["entries"] = len(result.Entries)
	for _, rep := range result.Reports {
		if rep.Err != "" {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", rep.URL, rep.Err))
		}
	}

	if o.enrich != nil && len(result.Entries) > 0 {
		enriched := o.enrich.Enrich(ctx, result.Entries)
		report.Counts["enriched"] = enriched.Enriched
	}

	now := time.Now()
	inserted := 0
	for _, entry := range result.Entries {
		fetchedAt := now
		if entry.Published != nil {
			fetchedAt = *entry.Published
		} else if fetchedAt.Before(start) || !fetchedAt.Before(end) {
			// Undated entries land inside the window so re-runs find them.
			fetchedAt = start
		}
		content := entry.Summary
		source := entry.Source
		a := &database.Article{
			URL:         entry.Link,
			Title:       entry.Title,
			Source:      &source,
			Content:     &content,
			ContentHash: dedup.Hash(dedup.Normalize(entry.Title + " " + content)),
			PublishedAt: entry.Published,
			FetchedAt:   fetchedAt,
		}
		id, err := o.db.InsertArticle(a)
		if err != nil {
			report.Status = StageFailed
			return report, err
		}
		if id != 0 {
			inserted++
		}
	}
	report.Counts["new_articles"] = inserted
	return report, nil
}

func (o *Orchestrator) runDedup(ctx context.Context, start, end time.Time, batch []database.Article) (StageReport, []database.Article, error) {
	report := StageReport{Stage: "dedup", Status: StageOK, Counts: map[string]int{"input": len(batch)}}

	// Previously kept articles anchor cross-run duplicate detection.
	kept, err := o.db.KeptInWindow(start, end)
	if err != nil {
		report.Status = StageFailed
		return report, nil, err
	}
	o.engine.Seed(kept)

	result, err := o.engine.Deduplicate(ctx, batch)
	if err != nil {
		report.Status = StageFailed
		report.Errors = append(report.Errors, err.Error())
		return report, nil, err
	}
	if result.Degraded {
		report.Status = StageDegraded
		report.Errors = append(report.Errors, "semantic phase unavailable, exact-only")
	}

	for _, g := range result.Groups {
		groupID, gerr := o.db.InsertDuplicateGroup(g.CanonicalID)
		if gerr != nil {
			report.Status = StageFailed
			return report, nil, gerr
		}
		for _, m := range g.Members {
			if merr := o.db.MarkDuplicate(m.Article.ID, groupID, m.Similarity, m.Reason); merr != nil {
				if errors.Is(merr, database.ErrAlreadyGrouped) {
					report.Status = StageFailed
					return report, nil, &dedup.DataIntegrityError{
						Msg: fmt.Sprintf("article %d already grouped", m.Article.ID),
					}
				}
				report.Status = StageFailed
				return report, nil, merr
			}
		}
	}
	for _, a := range result.Kept {
		if a.Embedding != nil {
			if uerr := o.db.UpdateEmbedding(a.ID, a.Embedding); uerr != nil {
				report.Status = StageFailed
				return report, nil, uerr
			}
		}
	}

	report.Counts["kept"] = len(result.Kept)
	report.Counts["dropped"] = result.Dropped()
	return report, result.Kept, nil
}

func (o *Orchestrator) runFilter(batch []database.Article) (StageReport, []database.Article, error) {
	report := StageReport{Stage: "filter", Status: StageOK, Counts: map[string]int{"input": len(batch)}}

	var survivors []database.Article
	for i, d := range filter.EvaluateBatch(batch, o.rules) {
		if d.Keep {
			if err := o.db.ConfirmKept(d.ArticleID, d.Score, d.Reasons); err != nil {
				report.Status = StageFailed
				return report, nil, err
			}
			survivors = append(survivors, batch[i])
		} else {
			if err := o.db.MarkFiltered(d.ArticleID, d.Score, d.Reasons); err != nil {
				report.Status = StageFailed
				return report, nil, err
			}
		}
	}

	report.Counts["kept"] = len(survivors)
	report.Counts["dropped"] = len(batch) - len(survivors)
	return report, survivors, nil
}

func (o *Orchestrator) runSynthesize(ctx context.Context, start, end time.Time, batch []database.Article) StageReport {
	report := StageReport{Stage: "synthesize", Status: StageOK, Counts: map[string]int{}}

	input := batch
	if len(input) == 0 {
		// Re-run over an already-processed window.
		kept, err := o.db.KeptInWindow(start, end)
		if err == nil {
			input = kept
		}
	}
	report.Counts["articles"] = len(input)

	brief, err := o.briefs.Synthesize(ctx, input, start, end)
	if err != nil {
		log.Printf("Synthesis failed: %v", err)
		report.Status = StageFailed
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.Counts["brief_id"] = int(brief.ID)
	return report
}
