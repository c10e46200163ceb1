package synthesize

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/llm"
	"github.com/sam-aydlette/insightweaver/internal/retry"
)

type mockProvider struct {
	responses []string
	errs      []error
	calls     int
}

func (m *mockProvider) Generate(_ context.Context, _ string, _ int) (string, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	if len(m.responses) > 0 {
		return m.responses[len(m.responses)-1], nil
	}
	return "", nil
}

func (m *mockProvider) IsConfigured() bool { return true }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func testPolicy() retry.Policy {
	return retry.New(2, time.Millisecond, 2, 0, nil)
}

func testWindow() (time.Time, time.Time) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func testArticles() []database.Article {
	return []database.Article{
		{ID: 1, URL: "https://a.com/1", Title: "First Story", Source: ptr("A"), Content: ptr("Content one")},
		{ID: 2, URL: "https://b.com/2", Title: "Second Story", Source: ptr("B"), Content: ptr("Content two")},
	}
}

func TestSynthesizeCreatesBrief(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()

	resp, _ := json.Marshal(map[string]any{
		"title": "Two Stories Converge",
		"tldr":  "The week's key development.",
		"body":  "Paragraphs of analysis.",
		"source_references": []map[string]string{
			{"title": "First Story", "url": "https://a.com/1", "contribution": "Foundation"},
		},
	})

	synth := NewSynthesizer(db, &mockProvider{responses: []string{string(resp)}}, testPolicy(), 0)
	brief, err := synth.Synthesize(context.Background(), testArticles(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if brief.Title != "Two Stories Converge" || brief.ArticleCount != 2 {
		t.Errorf("unexpected brief: %+v", brief)
	}

	stored, _ := db.GetBriefForWindow(start, end)
	if stored == nil || stored.Title != "Two Stories Converge" {
		t.Error("expected brief persisted for window")
	}
}

func TestSynthesizeFallsBackToRawText(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()

	synth := NewSynthesizer(db, &mockProvider{responses: []string{"Plain prose, no JSON here."}}, testPolicy(), 0)
	brief, err := synth.Synthesize(context.Background(), testArticles(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if brief.Body != "Plain prose, no JSON here." {
		t.Errorf("expected raw text body, got %q", brief.Body)
	}

	var refs []SourceRef
	if err := json.Unmarshal([]byte(brief.RefsJSON), &refs); err != nil || len(refs) != 2 {
		t.Errorf("expected article-derived refs, got %q (%v)", brief.RefsJSON, err)
	}
}

func TestSynthesizeSkipsExistingBrief(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()
	db.InsertBrief(&database.Brief{WindowStart: start, WindowEnd: end, Title: "Existing", Body: "Done"})

	mock := &mockProvider{}
	synth := NewSynthesizer(db, mock, testPolicy(), 0)
	brief, err := synth.Synthesize(context.Background(), testArticles(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if brief.Title != "Existing" {
		t.Errorf("expected existing brief, got %q", brief.Title)
	}
	if mock.calls != 0 {
		t.Errorf("provider must not be called when a brief exists, got %d calls", mock.calls)
	}
}

func TestSynthesizeRetriesRateLimit(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()

	resp, _ := json.Marshal(map[string]string{"title": "T", "tldr": "S", "body": "B"})
	mock := &mockProvider{
		errs:      []error{&llm.ServiceError{Kind: llm.KindRateLimited, Message: "429"}},
		responses: []string{"", string(resp)},
	}

	synth := NewSynthesizer(db, mock, testPolicy(), 0)
	brief, err := synth.Synthesize(context.Background(), testArticles(), start, end)
	if err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if mock.calls != 2 {
		t.Errorf("expected 2 calls, got %d", mock.calls)
	}
	if brief.Title != "T" {
		t.Errorf("unexpected brief title %q", brief.Title)
	}
}

func TestSynthesizeFailsFastOnAuthError(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()

	mock := &mockProvider{errs: []error{
		&llm.ServiceError{Kind: llm.KindAuthFailure, Message: "401"},
		&llm.ServiceError{Kind: llm.KindAuthFailure, Message: "401"},
	}}
	synth := NewSynthesizer(db, mock, testPolicy(), 0)
	_, err := synth.Synthesize(context.Background(), testArticles(), start, end)
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.calls != 1 {
		t.Errorf("auth failure must not be retried, got %d calls", mock.calls)
	}
}

func TestFormatArticlesTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 200) // 400 bytes of 2-byte runes
	articles := []database.Article{
		{ID: 1, URL: "https://a.com/1", Title: "Accented", Source: ptr("A"), Content: &long},
	}

	got := formatArticles(articles)
	if !utf8.ValidString(got) {
		t.Errorf("content preview split a rune: %q", got)
	}
	if strings.Contains(got, long) {
		t.Error("expected content preview truncated")
	}
}

func TestSynthesizeEmptyBatch(t *testing.T) {
	db := openTestDB(t)
	start, end := testWindow()
	synth := NewSynthesizer(db, &mockProvider{}, testPolicy(), 0)
	if _, err := synth.Synthesize(context.Background(), nil, start, end); err == nil {
		t.Fatal("expected error for empty batch")
	}
}
