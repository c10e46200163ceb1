package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/pipeline"
	"github.com/sam-aydlette/insightweaver/internal/verify"
)

// runDocument is the machine-readable form of a pipeline run.
type runDocument struct {
	ID          int64                  `json:"id"`
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	Status      string                 `json:"status"`
	Stages      []pipeline.StageReport `json:"stages"`
}

// reportDocument is the machine-readable form of a trust report.
type reportDocument struct {
	ID              int64                         `json:"id"`
	Query           string                        `json:"query"`
	Response        string                        `json:"response"`
	Stages          map[string]verify.StageResult `json:"stages"`
	AggregateStatus string                        `json:"aggregate_status"`
	AggregateScore  *float64                      `json:"aggregate_score,omitempty"`
}

// RunJSON serializes a run, with its stage reports expanded, as indented JSON.
func RunJSON(run *database.Run) ([]byte, error) {
	doc := runDocument{
		ID:          run.ID,
		WindowStart: run.WindowStart,
		WindowEnd:   run.WindowEnd,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		Status:      run.Status,
	}
	if run.StagesJSON != "" {
		if err := json.Unmarshal([]byte(run.StagesJSON), &doc.Stages); err != nil {
			return nil, fmt.Errorf("parsing stage reports for run %d: %w", run.ID, err)
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// RunText renders a run for the terminal.
func RunText(run *database.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline run %d — %s\n", run.ID, run.Status)
	fmt.Fprintf(&b, "Window:  %s to %s\n",
		run.WindowStart.UTC().Format("2006-01-02 15:04"),
		run.WindowEnd.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Started: %s\n", run.StartedAt.UTC().Format(time.RFC3339))
	if run.EndedAt != nil {
		fmt.Fprintf(&b, "Ended:   %s\n", run.EndedAt.UTC().Format(time.RFC3339))
	}

	var stages []pipeline.StageReport
	if run.StagesJSON != "" {
		if err := json.Unmarshal([]byte(run.StagesJSON), &stages); err != nil {
			fmt.Fprintf(&b, "\n(stage reports unreadable: %v)\n", err)
			return b.String()
		}
	}
	for _, s := range stages {
		fmt.Fprintf(&b, "\n  %-10s %s\n", s.Stage, s.Status)
		for _, key := range sortedKeys(s.Counts) {
			fmt.Fprintf(&b, "    %s: %d\n", key, s.Counts[key])
		}
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "    error: %s\n", e)
		}
	}
	return b.String()
}

// ReportJSON serializes a trust report, stage blob expanded, as indented JSON.
func ReportJSON(row *database.TrustReportRow) ([]byte, error) {
	doc := reportDocument{
		ID:              row.ID,
		Query:           row.Query,
		Response:        row.Response,
		AggregateStatus: row.AggregateStatus,
		AggregateScore:  row.AggregateScore,
	}
	if row.StagesJSON != "" {
		if err := json.Unmarshal([]byte(row.StagesJSON), &doc.Stages); err != nil {
			return nil, fmt.Errorf("parsing stages for trust report %d: %w", row.ID, err)
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ReportText renders a trust report for the terminal.
func ReportText(row *database.TrustReportRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trust report %d — %s", row.ID, row.AggregateStatus)
	if row.AggregateScore != nil {
		fmt.Fprintf(&b, " (score %.2f)", *row.AggregateScore)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Query:\n  %s\n\n", row.Query)
	fmt.Fprintf(&b, "Response:\n%s\n", indent(row.Response, "  "))

	var stages map[string]verify.StageResult
	if row.StagesJSON != "" {
		if err := json.Unmarshal([]byte(row.StagesJSON), &stages); err != nil {
			fmt.Fprintf(&b, "\n(stage results unreadable: %v)\n", err)
			return b.String()
		}
	}
	for _, name := range []string{verify.StageFact, verify.StageBias, verify.StageTone} {
		s, ok := stages[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n  %-6s %s", name, s.Status)
		if s.Confidence != nil {
			fmt.Fprintf(&b, " (confidence %.2f)", *s.Confidence)
		}
		b.WriteString("\n")
		for _, f := range s.Findings {
			fmt.Fprintf(&b, "    - [%s] %s", f.Verdict, f.Claim)
			if f.Note != "" {
				fmt.Fprintf(&b, ": %s", f.Note)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}
