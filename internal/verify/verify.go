package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sam-aydlette/insightweaver/internal/config"
	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/llm"
	"github.com/sam-aydlette/insightweaver/internal/retry"
)

// Verification stage names.
const (
	StageFact = "fact"
	StageBias = "bias"
	StageTone = "tone"
)

// Stage result statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Aggregate statuses. Unverified means no check was requested; it is
// distinct from "checked and scored low".
const (
	Unverified        = "unverified"
	PartiallyVerified = "partially_verified"
	Verified          = "verified"
)

const factPrompt = `You are a fact-checker. Examine the response below for factual claims and assess each one.

Question asked:
%s

Response to check:
%s

Respond with ONLY this JSON:
{
    "confidence": 0.0 to 1.0 (your confidence that the response is factually accurate overall),
    "findings": [
        {"claim": "The specific claim", "verdict": "supported|unsupported|uncertain", "note": "Brief reasoning"}
    ]
}`

const biasPrompt = `You are a bias analyst. Examine the response below for one-sided framing, loaded language, and missing perspectives.

Question asked:
%s

Response to check:
%s

Respond with ONLY this JSON:
{
    "confidence": 0.0 to 1.0 (your confidence that the response is balanced),
    "findings": [
        {"claim": "The framing or phrase at issue", "verdict": "neutral|slanted|unclear", "note": "Brief reasoning"}
    ]
}`

const tonePrompt = `You are a tone reviewer. Examine the response below for appropriateness of tone: alarmism, condescension, false certainty.

Question asked:
%s

Response to check:
%s

Respond with ONLY this JSON:
{
    "confidence": 0.0 to 1.0 (your confidence that the tone is appropriate),
    "findings": [
        {"claim": "The passage at issue", "verdict": "appropriate|problematic", "note": "Brief reasoning"}
    ]
}`

// Finding is one structured claim or issue raised by a verification stage.
type Finding struct {
	Claim   string `json:"claim"`
	Verdict string `json:"verdict"`
	Note    string `json:"note,omitempty"`
}

// StageResult is the outcome of one verification stage.
type StageResult struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Findings   []Finding `json:"findings,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// TrustReport is the finalized outcome of one verified query. Immutable
// once produced.
type TrustReport struct {
	ID              int64
	Query           string
	Response        string
	Stages          map[string]StageResult
	AggregateStatus string
	AggregateScore  *float64 // present only if at least one stage was started
}

// Checks selects which verification stages to run.
type Checks struct {
	Fact bool
	Bias bool
	Tone bool
}

// stageResponse is the typed shape of a verification-stage reply.
type stageResponse struct {
	Confidence float64   `json:"confidence"`
	Findings   []Finding `json:"findings"`
}

// Machine runs a query through the reasoning service and fans out the
// requested verification stages against the fixed response. Stages run
// concurrently, each under its own timeout; one stage's failure never
// cancels its siblings.
type Machine struct {
	db           *database.DB
	provider     llm.Provider
	policy       retry.Policy
	stageTimeout time.Duration
	weights      map[string]float64
	maxTokens    int
}

// NewMachine creates a trust-verification machine. A nil db disables
// persistence.
func NewMachine(db *database.DB, provider llm.Provider, policy retry.Policy, cfg config.Verify, maxTokens int) *Machine {
	timeout := cfg.StageTimeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	policy.RetryIf = llm.IsRetryable
	return &Machine{
		db:           db,
		provider:     provider,
		policy:       policy,
		stageTimeout: timeout,
		weights: map[string]float64{
			StageFact: cfg.FactWeight,
			StageBias: cfg.BiasWeight,
			StageTone: cfg.ToneWeight,
		},
		maxTokens: maxTokens,
	}
}

// Verify answers the query and runs the enabled checks against the response.
// Failure to obtain the initial response is fatal; individual stage failures
// only degrade that stage's contribution. Caller cancellation discards any
// partial report.
func (m *Machine) Verify(ctx context.Context, query string, checks Checks) (*TrustReport, error) {
	if m.provider == nil {
		return nil, fmt.Errorf("no reasoning provider available")
	}

	var response string
	err := m.policy.Do(ctx, func() error {
		var genErr error
		response, genErr = m.provider.Generate(ctx, query, m.maxTokens)
		return genErr
	})
	if err != nil {
		return nil, fmt.Errorf("obtaining response: %w", err)
	}

	stages := m.runStages(ctx, query, response, checks)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	report := &TrustReport{
		Query:    query,
		Response: response,
		Stages:   stages,
	}
	m.aggregate(report)

	if m.db != nil {
		stagesJSON, merr := json.Marshal(report.Stages)
		if merr != nil {
			return nil, merr
		}
		id, serr := m.db.SaveTrustReport(query, response, string(stagesJSON), report.AggregateStatus, report.AggregateScore)
		if serr != nil {
			return nil, serr
		}
		report.ID = id
	}

	log.Printf("Trust verification: %s", report.AggregateStatus)
	return report, nil
}

// runStages fans the enabled stages out as a structured task set and joins
// them all before returning.
func (m *Machine) runStages(ctx context.Context, query, response string, checks Checks) map[string]StageResult {
	enabled := map[string]bool{
		StageFact: checks.Fact,
		StageBias: checks.Bias,
		StageTone: checks.Tone,
	}
	prompts := map[string]string{
		StageFact: factPrompt,
		StageBias: biasPrompt,
		StageTone: tonePrompt,
	}

	results := make(chan StageResult, len(enabled))
	var wg sync.WaitGroup
	for _, name := range []string{StageFact, StageBias, StageTone} {
		if !enabled[name] {
			results <- StageResult{Name: name, Status: StatusSkipped}
			continue
		}
		wg.Add(1)
		go func(name, prompt string) {
			defer wg.Done()
			results <- m.runStage(ctx, name, fmt.Sprintf(prompt, query, response))
		}(name, prompts[name])
	}
	wg.Wait()
	close(results)

	stages := make(map[string]StageResult, len(enabled))
	for r := range results {
		stages[r.Name] = r
	}
	return stages
}

func (m *Machine) runStage(ctx context.Context, name, prompt string) StageResult {
	stageCtx, cancel := context.WithTimeout(ctx, m.stageTimeout)
	defer cancel()

	var text string
	err := m.policy.Do(stageCtx, func() error {
		var genErr error
		text, genErr = m.provider.Generate(stageCtx, prompt, m.maxTokens)
		return genErr
	})
	if err != nil {
		log.Printf("Verification stage %s failed: %v", name, err)
		return StageResult{Name: name, Status: StatusFailed}
	}

	var parsed stageResponse
	if perr := llm.ParseJSONInto(text, &parsed); perr != nil {
		log.Printf("Verification stage %s returned unparseable output: %v", name, perr)
		return StageResult{Name: name, Status: StatusFailed}
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		log.Printf("Verification stage %s returned out-of-range confidence %f", name, parsed.Confidence)
		return StageResult{Name: name, Status: StatusFailed}
	}

	confidence := parsed.Confidence
	return StageResult{
		Name:       name,
		Status:     StatusOK,
		Findings:   parsed.Findings,
		Confidence: &confidence,
	}
}

// aggregate computes the weighted trust score over successful stages.
// Weights are renormalized over the stages that produced a confidence, so
// a failed stage reduces information, not the denominator.
func (m *Machine) aggregate(report *TrustReport) {
	started, succeeded := 0, 0
	var weightSum, scoreSum float64

	for name, r := range report.Stages {
		if r.Status == StatusSkipped {
			continue
		}
		started++
		if r.Status == StatusOK && r.Confidence != nil {
			succeeded++
			w := m.weights[name]
			weightSum += w
			scoreSum += w * *r.Confidence
		}
	}

	if started == 0 {
		report.AggregateStatus = Unverified
		return
	}

	score := 0.0
	if weightSum > 0 {
		score = scoreSum / weightSum
	}
	report.AggregateScore = &score

	if succeeded == started {
		report.AggregateStatus = Verified
	} else {
		report.AggregateStatus = PartiallyVerified
	}
}
