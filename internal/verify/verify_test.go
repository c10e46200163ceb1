package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sam-aydlette/insightweaver/internal/config"
	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/llm"
	"github.com/sam-aydlette/insightweaver/internal/retry"
)

// mockProvider answers the initial query directly and dispatches stage
// prompts by their role line. Stage goroutines call Generate concurrently,
// so the call counter is guarded.
type mockProvider struct {
	response  string
	stageErrs map[string]error
	stageConf map[string]float64
	queryErr  error

	mu    sync.Mutex
	calls int
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	name := stageFor(prompt)
	if name == "" {
		if m.queryErr != nil {
			return "", m.queryErr
		}
		return m.response, nil
	}
	if err, ok := m.stageErrs[name]; ok {
		return "", err
	}
	conf, ok := m.stageConf[name]
	if !ok {
		conf = 0.9
	}
	return fmt.Sprintf(`{"confidence": %f, "findings": [{"claim": "c", "verdict": "supported", "note": "n"}]}`, conf), nil
}

func (m *mockProvider) IsConfigured() bool { return true }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func stageFor(prompt string) string {
	switch {
	case strings.Contains(prompt, "fact-checker"):
		return StageFact
	case strings.Contains(prompt, "bias analyst"):
		return StageBias
	case strings.Contains(prompt, "tone reviewer"):
		return StageTone
	}
	return ""
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

func testMachine(db *database.DB, provider llm.Provider) *Machine {
	cfg := config.Verify{
		StageTimeout: config.Duration(time.Second),
		FactWeight:   0.5,
		BiasWeight:   0.3,
		ToneWeight:   0.2,
	}
	return NewMachine(db, provider, retry.New(2, time.Millisecond, 2, 0, nil), cfg, 0)
}

func TestVerifyAllChecksDisabled(t *testing.T) {
	db := openTestDB(t)
	mock := &mockProvider{response: "An answer."}

	report, err := testMachine(db, mock).Verify(context.Background(), "a question", Checks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.AggregateStatus != Unverified {
		t.Errorf("expected unverified, got %s", report.AggregateStatus)
	}
	if report.AggregateScore != nil {
		t.Errorf("no check requested must mean no score, got %f", *report.AggregateScore)
	}
	for _, name := range []string{StageFact, StageBias, StageTone} {
		if report.Stages[name].Status != StatusSkipped {
			t.Errorf("expected %s skipped, got %s", name, report.Stages[name].Status)
		}
	}
	if mock.callCount() != 1 {
		t.Errorf("expected only the initial query call, got %d", mock.callCount())
	}
}

func TestVerifyAllStagesSucceed(t *testing.T) {
	db := openTestDB(t)
	mock := &mockProvider{
		response:  "An answer.",
		stageConf: map[string]float64{StageFact: 0.8, StageBias: 0.6, StageTone: 1.0},
	}

	report, err := testMachine(db, mock).Verify(context.Background(), "a question", Checks{Fact: true, Bias: true, Tone: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.AggregateStatus != Verified {
		t.Errorf("expected verified, got %s", report.AggregateStatus)
	}
	// (0.5*0.8 + 0.3*0.6 + 0.2*1.0) / 1.0
	want := 0.78
	if report.AggregateScore == nil || *report.AggregateScore < want-0.001 || *report.AggregateScore > want+0.001 {
		t.Errorf("expected score %f, got %v", want, report.AggregateScore)
	}
	if len(report.Stages[StageFact].Findings) != 1 {
		t.Errorf("expected findings recorded, got %+v", report.Stages[StageFact])
	}
}

func TestVerifyStageTimeoutIsPartial(t *testing.T) {
	db := openTestDB(t)
	mock := &mockProvider{
		response:  "An answer.",
		stageErrs: map[string]error{StageFact: &llm.ServiceError{Kind: llm.KindTimeout, Message: "deadline"}},
		stageConf: map[string]float64{StageBias: 0.6, StageTone: 0.8},
	}

	report, err := testMachine(db, mock).Verify(context.Background(), "a question", Checks{Fact: true, Bias: true, Tone: true})
	if err != nil {
		t.Fatalf("stage failure must not be fatal: %v", err)
	}
	if report.AggregateStatus != PartiallyVerified {
		t.Errorf("expected partially_verified, got %s", report.AggregateStatus)
	}
	if report.Stages[StageFact].Status != StatusFailed {
		t.Errorf("expected fact failed, got %s", report.Stages[StageFact].Status)
	}
	// Weights renormalized over bias and tone: (0.3*0.6 + 0.2*0.8) / 0.5
	want := 0.68
	if report.AggregateScore == nil || *report.AggregateScore < want-0.001 || *report.AggregateScore > want+0.001 {
		t.Errorf("expected score %f from surviving stages, got %v", want, report.AggregateScore)
	}
}

func TestVerifySingleFailedStageStillScores(t *testing.T) {
	db := openTestDB(t)
	mock := &mockProvider{
		response:  "An answer.",
		stageErrs: map[string]error{StageFact: &llm.ServiceError{Kind: llm.KindInvalidRequest, Message: "bad"}},
	}

	report, err := testMachine(db, mock).Verify(context.Background(), "a question", Checks{Fact: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.AggregateStatus != PartiallyVerified {
		t.Errorf("expected partially_verified, got %s", report.AggregateStatus)
	}
	// A requested check always yields a numeric score, even at 0.
	if report.AggregateScore == nil || *report.AggregateScore != 0 {
		t.Errorf("expected score 0.0, got %v", report.AggregateScore)
	}
}

func TestVerifyInitialFailureIsFatal(t *testing.T) {
	db := openTestDB(t)
	mock := &mockProvider{queryErr: &llm.ServiceError{Kind: llm.KindAuthFailure, Message: "401"}}

	_, err := testMachine(db, mock).Verify(context.Background(), "a question", Checks{Fact: true})
	if err == nil {
		t.Fatal("expected fatal error when no response can be obtained")
	}

	reports, _ := db.ListTrustReports(10)
	if len(reports) != 0 {
		t.Errorf("no report must be persisted on fatal failure, found %d", len(reports))
	}
}

func TestVerifyCancellationDiscardsReport(t *testing.T) {
	db := openTestDB(t)
	mock := &mockProvider{response: "An answer."}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testMachine(db, mock).Verify(ctx, "a question", Checks{Fact: true})
	if err == nil {
		t.Fatal("expected error from cancelled verification")
	}
	reports, _ := db.ListTrustReports(10)
	if len(reports) != 0 {
		t.Errorf("cancelled verification must not persist a report, found %d", len(reports))
	}
}

func TestVerifyPersistsReport(t *testing.T) {
	db := openTestDB(t)
	mock := &mockProvider{response: "An answer.", stageConf: map[string]float64{StageFact: 0.7}}

	report, err := testMachine(db, mock).Verify(context.Background(), "a question", Checks{Fact: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ID == 0 {
		t.Fatal("expected persisted report id")
	}

	row, err := db.GetTrustReport(report.ID)
	if err != nil || row == nil {
		t.Fatalf("expected stored report: %v", err)
	}
	if row.AggregateStatus != Verified {
		t.Errorf("expected verified, got %s", row.AggregateStatus)
	}

	var stages map[string]StageResult
	if err := json.Unmarshal([]byte(row.StagesJSON), &stages); err != nil {
		t.Fatalf("stage blob must round-trip: %v", err)
	}
	if stages[StageFact].Confidence == nil || *stages[StageFact].Confidence != 0.7 {
		t.Errorf("unexpected stored fact stage: %+v", stages[StageFact])
	}
}
