package feed

import (
	"context"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/sam-aydlette/insightweaver/internal/config"
	"github.com/sam-aydlette/insightweaver/internal/retry"
)

const maxPerFeed = 50

// Entry is a raw article entry from a feed source.
type Entry struct {
	Title     string
	Link      string
	GUID      string
	Summary   string
	Source    string
	Published *time.Time
}

// Report records the outcome of fetching one feed.
type Report struct {
	URL     string
	Name    string
	Entries int
	Skipped int
	Err     string
}

// Result aggregates entries and per-feed reports from a fetch pass.
type Result struct {
	Entries []Entry
	Reports []Report
}

// SuccessfulFeeds counts feeds that completed without error.
func (r *Result) SuccessfulFeeds() int {
	n := 0
	for _, rep := range r.Reports {
		if rep.Err == "" {
			n++
		}
	}
	return n
}

// FailedFeeds counts feeds that exhausted retries.
func (r *Result) FailedFeeds() int {
	return len(r.Reports) - r.SuccessfulFeeds()
}

// parseFunc fetches and parses one feed URL. Swappable in tests.
type parseFunc func(ctx context.Context, url string) (*gofeed.Feed, error)

// Fetcher pulls entries from configured feed sources with a bounded worker
// pool. One feed's failure never cancels its siblings.
type Fetcher struct {
	feeds   []config.Feed
	workers int
	timeout time.Duration
	policy  retry.Policy
	parse   parseFunc
}

// NewFetcher creates a feed fetcher.
func NewFetcher(feeds []config.Feed, workers int, timeout time.Duration, policy retry.Policy) *Fetcher {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	parser := gofeed.NewParser()
	return &Fetcher{
		feeds:   feeds,
		workers: workers,
		timeout: timeout,
		policy:  policy,
		parse: func(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
			return parser.ParseURLWithContext(feedURL, ctx)
		},
	}
}

// FetchAll fetches every configured feed for entries published within the
// half-open window [start, end). Unreachable feeds are recorded in their
// report; malformed entries are skipped.
func (f *Fetcher) FetchAll(ctx context.Context, start, end time.Time) *Result {
	result := &Result{}
	if len(f.feeds) == 0 {
		return result
	}

	jobs := make(chan config.Feed)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < f.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fc := range jobs {
				report, entries := f.fetchOne(ctx, fc, start, end)
				mu.Lock()
				result.Reports = append(result.Reports, report)
				result.Entries = append(result.Entries, entries...)
				mu.Unlock()
			}
		}()
	}

	for _, fc := range f.feeds {
		jobs <- fc
	}
	close(jobs)
	wg.Wait()

	log.Printf("Fetched %d entries from %d/%d feeds", len(result.Entries), result.SuccessfulFeeds(), len(result.Reports))
	return result
}

func (f *Fetcher) fetchOne(ctx context.Context, fc config.Feed, start, end time.Time) (Report, []Entry) {
	name := fc.Name
	if name == "" {
		name = extractSourceName(fc.URL)
	}
	report := Report{URL: fc.URL, Name: name}

	var parsed *gofeed.Feed
	err := f.policy.Do(ctx, func() error {
		feedCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		var err error
		parsed, err = f.parse(feedCtx, fc.URL)
		return err
	})
	if err != nil {
		log.Printf("Failed to fetch feed %s: %v", fc.URL, err)
		report.Err = err.Error()
		return report, nil
	}

	var entries []Entry
	for _, item := range parsed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		entry := parseItem(item, name)
		if entry == nil {
			report.Skipped++
			continue
		}
		if !withinWindow(entry.Published, start, end) {
			continue
		}
		entries = append(entries, *entry)
	}

	report.Entries = len(entries)
	return report, entries
}

// parseItem converts a feed item to an Entry, returning nil for malformed items.
func parseItem(item *gofeed.Item, source string) *Entry {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	if link == "" {
		return nil
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}

	var published *time.Time
	if item.PublishedParsed != nil {
		published = item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = item.UpdatedParsed
	}

	summary := item.Content
	if summary == "" {
		summary = item.Description
	}

	return &Entry{
		Title:     title,
		Link:      link,
		GUID:      item.GUID,
		Summary:   summary,
		Source:    source,
		Published: published,
	}
}

// withinWindow checks [start, end); undated entries get the benefit of the doubt.
func withinWindow(published *time.Time, start, end time.Time) bool {
	if published == nil {
		return true
	}
	return !published.Before(start) && published.Before(end)
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		name := parts[len(parts)-2]
		return strings.ToUpper(name[:1]) + name[1:]
	}
	if host == "" {
		return feedURL
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
