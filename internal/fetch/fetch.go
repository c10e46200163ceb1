package fetch

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/sam-aydlette/insightweaver/internal/feed"
)

// minStubLength is the summary length below which we try the full page.
const minStubLength = 200

// Result holds the outcome of a content-enrichment pass.
type Result struct {
	Enriched int
	Skipped  int
	Failed   int
}

// Enricher fetches full article text via HTTP + readability extraction for
// entries whose feed only carried a stub. Failures downgrade to the stub;
// they never fail the fetch stage.
type Enricher struct {
	client *http.Client
}

// NewEnricher creates a content enricher.
func NewEnricher(timeout time.Duration) *Enricher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Enricher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Enrich fills in Summary for stub entries in place.
func (e *Enricher) Enrich(ctx context.Context, entries []feed.Entry) *Result {
	result := &Result{}
	failedDomains := make(map[string]struct{})

	for i := range entries {
		if len(strings.TrimSpace(entries[i].Summary)) >= minStubLength {
			result.Skipped++
			continue
		}

		u, _ := url.Parse(entries[i].Link)
		domain := ""
		if u != nil {
			domain = strings.ToLower(u.Host)
		}
		if _, failed := failedDomains[domain]; failed {
			result.Failed++
			continue
		}

		content, err := e.fetchContent(ctx, entries[i].Link)
		if err != nil {
			result.Failed++
			if domain != "" {
				failedDomains[domain] = struct{}{}
			}
			log.Printf("HTTP error for %s, skipping remaining from %s", entries[i].Link, domain)
			continue
		}

		if content != "" {
			entries[i].Summary = content
			result.Enriched++
		} else {
			result.Failed++
		}
	}

	log.Printf("Content enrichment: %d enriched, %d already full, %d failed",
		result.Enriched, result.Skipped, result.Failed)
	return result
}

func (e *Enricher) fetchContent(ctx context.Context, articleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", articleURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "InsightWeaver/1.0 (feed aggregator)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", nil // connection error, not HTTP error
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil
	}

	parsedURL, _ := url.Parse(articleURL)
	article, err := readability.FromReader(strings.NewReader(string(bodyBytes)), parsedURL)
	if err != nil {
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > 100 {
		return text, nil
	}
	return "", nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
