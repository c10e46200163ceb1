package synthesize

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/llm"
	"github.com/sam-aydlette/insightweaver/internal/retry"
)

const briefPrompt = `You are writing an intelligence brief for a busy practitioner, covering syndicated-feed articles from %s to %s.

Weave the articles below into one cohesive briefing. Write as a well-informed colleague explaining what happened and why it matters. Be specific; avoid marketing language.

Articles:
%s

Respond with ONLY this JSON:
{
    "title": "A compelling 5-8 word brief title",
    "tldr": "One-sentence summary of the single most important development",
    "body": "Your 3-5 paragraph briefing. Use markdown for emphasis.",
    "source_references": [
        {"title": "Article Title", "url": "https://...", "contribution": "What this article added"}
    ]
}`

// SourceRef links a brief back to one contributing article.
type SourceRef struct {
	Title        string `json:"title"`
	URL          string `json:"url"`
	Contribution string `json:"contribution,omitempty"`
}

// briefResponse is the typed shape of the reasoning-service reply.
type briefResponse struct {
	Title      string      `json:"title"`
	TLDR       string      `json:"tldr"`
	Body       string      `json:"body"`
	SourceRefs []SourceRef `json:"source_references"`
}

// Synthesizer turns a kept article set into a stored brief.
type Synthesizer struct {
	db        *database.DB
	provider  llm.Provider
	policy    retry.Policy
	maxTokens int
}

// NewSynthesizer creates a brief synthesizer. The retry policy applies to
// the single reasoning-service call.
func NewSynthesizer(db *database.DB, provider llm.Provider, policy retry.Policy, maxTokens int) *Synthesizer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	policy.RetryIf = llm.IsRetryable
	return &Synthesizer{db: db, provider: provider, policy: policy, maxTokens: maxTokens}
}

// Synthesize produces and persists a brief for the window. An existing brief
// for the same window is returned as-is; synthesis is not repeated.
func (s *Synthesizer) Synthesize(ctx context.Context, articles []database.Article, windowStart, windowEnd time.Time) (*database.Brief, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("no reasoning provider available for synthesis")
	}

	existing, err := s.db.GetBriefForWindow(windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Printf("Brief already exists for window, skipping synthesis")
		return existing, nil
	}

	if len(articles) == 0 {
		return nil, fmt.Errorf("no articles to synthesize")
	}

	prompt := fmt.Sprintf(briefPrompt,
		windowStart.UTC().Format("2006-01-02 15:04"),
		windowEnd.UTC().Format("2006-01-02 15:04"),
		formatArticles(articles))

	var responseText string
	err = s.policy.Do(ctx, func() error {
		var genErr error
		responseText, genErr = s.provider.Generate(ctx, prompt, s.maxTokens)
		return genErr
	})
	if err != nil {
		return nil, err
	}

	var parsed briefResponse
	if perr := llm.ParseJSONInto(responseText, &parsed); perr != nil {
		// Keep the raw text rather than losing the synthesis.
		log.Printf("Brief response was not valid JSON, storing raw text: %v", perr)
		parsed = briefResponse{
			Title: fmt.Sprintf("Brief for %s", windowStart.UTC().Format("2006-01-02")),
			Body:  strings.TrimSpace(responseText),
		}
		for _, a := range articles {
			parsed.SourceRefs = append(parsed.SourceRefs, SourceRef{Title: a.Title, URL: a.URL})
		}
	}

	refsJSON, err := json.Marshal(parsed.SourceRefs)
	if err != nil {
		return nil, err
	}

	brief := &database.Brief{
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		Title:        parsed.Title,
		TLDR:         parsed.TLDR,
		Body:         parsed.Body,
		ArticleCount: len(articles),
		RefsJSON:     string(refsJSON),
	}
	id, err := s.db.InsertBrief(brief)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		// Another run won the window. Use its brief.
		return s.db.GetBriefForWindow(windowStart, windowEnd)
	}
	brief.ID = id
	log.Printf("Brief created: %q covering %d articles", brief.Title, brief.ArticleCount)
	return brief, nil
}

func formatArticles(articles []database.Article) string {
	var parts []string
	for i, a := range articles {
		source := "Unknown"
		if a.Source != nil {
			source = *a.Source
		}

		var contentPreview string
		if a.Content != nil {
			contentPreview = fmt.Sprintf("\n  Content: %s...", truncate(*a.Content, 300))
		}

		parts = append(parts, fmt.Sprintf("[%d] %s\n  Source: %s\n  URL: %s%s",
			i+1, a.Title, source, a.URL, contentPreview))
	}
	return strings.Join(parts, "\n\n")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
