package export

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/pipeline"
	"github.com/sam-aydlette/insightweaver/internal/verify"
)

func sampleRun() *database.Run {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ended := start.Add(time.Minute)
	stages, _ := json.Marshal([]pipeline.StageReport{
		{Stage: "fetch", Status: "ok", Counts: map[string]int{"entries": 5, "feeds_failed": 1}, Errors: []string{"https://b.example/rss: HTTP 500"}},
		{Stage: "dedup", Status: "degraded", Counts: map[string]int{"kept": 4, "dropped": 1}},
		{Stage: "filter", Status: "ok", Counts: map[string]int{"kept": 3, "dropped": 1}},
		{Stage: "synthesize", Status: "skipped"},
	})
	return &database.Run{
		ID:          7,
		WindowStart: start,
		WindowEnd:   start.AddDate(0, 0, 1),
		StartedAt:   start,
		EndedAt:     &ended,
		Status:      "completed",
		StagesJSON:  string(stages),
	}
}

func sampleReport() *database.TrustReportRow {
	conf := 0.8
	stages, _ := json.Marshal(map[string]verify.StageResult{
		"fact": {Name: "fact", Status: "ok", Confidence: &conf, Findings: []verify.Finding{
			{Claim: "Water boils at 100C", Verdict: "supported", Note: "at sea level"},
		}},
		"bias": {Name: "bias", Status: "failed"},
		"tone": {Name: "tone", Status: "skipped"},
	})
	score := 0.8
	return &database.TrustReportRow{
		ID:              3,
		Query:           "Does water boil at 100C?",
		Response:        "Yes, at sea level.",
		StagesJSON:      string(stages),
		AggregateStatus: "partially_verified",
		AggregateScore:  &score,
	}
}

func TestRunJSONRoundTrips(t *testing.T) {
	data, err := RunJSON(sampleRun())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc struct {
		ID     int64                  `json:"id"`
		Status string                 `json:"status"`
		Stages []pipeline.StageReport `json:"stages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export must be valid JSON: %v", err)
	}
	if doc.ID != 7 || doc.Status != "completed" || len(doc.Stages) != 4 {
		t.Errorf("unexpected document: %+v", doc)
	}
	if doc.Stages[1].Status != "degraded" {
		t.Errorf("stage reports must be expanded, got %+v", doc.Stages[1])
	}
}

func TestRunTextIncludesStages(t *testing.T) {
	text := RunText(sampleRun())
	for _, want := range []string{"Pipeline run 7", "completed", "fetch", "degraded", "HTTP 500", "entries: 5"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in rendering:\n%s", want, text)
		}
	}
}

func TestReportJSONRoundTrips(t *testing.T) {
	data, err := ReportJSON(sampleReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc struct {
		Stages map[string]verify.StageResult `json:"stages"`
		Score  *float64                      `json:"aggregate_score"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export must be valid JSON: %v", err)
	}
	if doc.Score == nil || *doc.Score != 0.8 {
		t.Errorf("expected score 0.8, got %v", doc.Score)
	}
	if doc.Stages["fact"].Confidence == nil {
		t.Errorf("expected fact confidence present, got %+v", doc.Stages["fact"])
	}
}

func TestReportTextIncludesFindings(t *testing.T) {
	text := ReportText(sampleReport())
	for _, want := range []string{"partially_verified", "score 0.80", "Water boils at 100C", "supported", "bias", "failed"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in rendering:\n%s", want, text)
		}
	}
}

func TestRunJSONRejectsCorruptStageBlob(t *testing.T) {
	run := sampleRun()
	run.StagesJSON = "{not json"
	if _, err := RunJSON(run); err == nil {
		t.Fatal("expected error for corrupt stage blob")
	}
}
