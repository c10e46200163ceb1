package dedup

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/llm"
)

// Duplicate reasons recorded on dropped articles.
const (
	ReasonExact    = "exact_duplicate"
	ReasonSemantic = "semantic_duplicate"
)

// DataIntegrityError is a violation of a dedup invariant (e.g. one article
// in two groups). Always fatal, never silently corrected.
type DataIntegrityError struct {
	Msg string
}

func (e *DataIntegrityError) Error() string {
	return "data integrity: " + e.Msg
}

// Member is one dropped article inside a duplicate group.
type Member struct {
	Article    database.Article
	Similarity *float64 // set for semantic duplicates
	Reason     string
}

// Group collects duplicates of one canonical article. The canonical member
// is the earliest-fetched, ties broken by smallest id.
type Group struct {
	CanonicalID int64
	Members     []Member
}

// Result is the outcome of deduplicating one batch.
type Result struct {
	Kept     []database.Article
	Groups   []Group
	Degraded bool // semantic phase skipped (embedder unavailable)
}

// Dropped counts articles dropped across all groups.
func (r *Result) Dropped() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Members)
	}
	return n
}

// windowEntry is one article retained in the recency window for
// cross-batch comparison.
type windowEntry struct {
	ID        int64
	Hash      string
	Embedding []float64
	FetchedAt time.Time
}

// Engine deduplicates article batches in two phases: exact canonical-hash
// grouping, then cosine similarity against a bounded recency window.
// Deduplicate is idempotent: feeding its own kept output back in returns
// the same kept set unchanged.
type Engine struct {
	embedder  llm.Embedder // nil disables the semantic phase
	threshold float64
	maxWindow int

	// The recency window is appended to once per batch, after that batch's
	// decisions are final, under a single critical section.
	mu     sync.Mutex
	window []windowEntry
}

// NewEngine creates a deduplication engine. A nil embedder yields
// exact-only (degraded) operation. Threshold and window size are used as
// given; config validation rejects out-of-range values before an engine
// is built.
func NewEngine(embedder llm.Embedder, threshold float64, windowSize int) *Engine {
	return &Engine{
		embedder:  embedder,
		threshold: threshold,
		maxWindow: windowSize,
	}
}

// Seed preloads the recency window from previously kept articles, oldest
// first. Used when resuming against an existing store.
func (e *Engine) Seed(articles []database.Article) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range articles {
		e.window = append(e.window, windowEntry{
			ID:        a.ID,
			Hash:      a.ContentHash,
			Embedding: a.Embedding,
			FetchedAt: a.FetchedAt,
		})
	}
	e.trimWindowLocked()
}

// Deduplicate splits a batch into kept articles and duplicate groups.
// Canonical hashes are computed for articles missing one; embeddings
// computed during the semantic phase are written back onto the returned
// kept articles so callers can persist them.
func (e *Engine) Deduplicate(ctx context.Context, articles []database.Article) (*Result, error) {
	result := &Result{}
	if len(articles) == 0 {
		return result, nil
	}

	// Canonical ordering: earliest fetched_at first, ties by smallest id.
	// The first occurrence of any duplicate relation is then canonical.
	batch := make([]database.Article, len(articles))
	copy(batch, articles)
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].FetchedAt.Equal(batch[j].FetchedAt) {
			return batch[i].FetchedAt.Before(batch[j].FetchedAt)
		}
		return batch[i].ID < batch[j].ID
	})

	for i := range batch {
		if batch[i].ContentHash == "" {
			content := batch[i].Title
			if batch[i].Content != nil {
				content = *batch[i].Content
			}
			batch[i].ContentHash = Hash(Normalize(content))
		}
	}

	e.mu.Lock()
	window := make([]windowEntry, len(e.window))
	copy(window, e.window)
	e.mu.Unlock()

	// Exact phase: group by canonical hash, O(n) via hash map. Prior-batch
	// canonicals in the recency window take precedence.
	windowHashes := make(map[string]int64, len(window))
	for _, w := range window {
		if _, seen := windowHashes[w.Hash]; !seen {
			windowHashes[w.Hash] = w.ID
		}
	}

	groups := make(map[int64]*Group)
	assigned := make(map[int64]int64) // article id -> canonical id
	addMember := func(canonicalID int64, m Member) error {
		if prior, ok := assigned[m.Article.ID]; ok {
			return &DataIntegrityError{Msg: fmt.Sprintf(
				"article %d assigned to groups of %d and %d", m.Article.ID, prior, canonicalID)}
		}
		assigned[m.Article.ID] = canonicalID
		g, ok := groups[canonicalID]
		if !ok {
			g = &Group{CanonicalID: canonicalID}
			groups[canonicalID] = g
		}
		g.Members = append(g.Members, m)
		return nil
	}

	var survivors []database.Article
	batchHashes := make(map[string]int64)
	for _, a := range batch {
		// Self-match against the window means this exact article was
		// already processed; it survives unchanged (idempotence).
		if canonicalID, ok := windowHashes[a.ContentHash]; ok && canonicalID != a.ID {
			if err := addMember(canonicalID, Member{Article: a, Reason: ReasonExact}); err != nil {
				return nil, err
			}
			continue
		}
		if canonicalID, ok := batchHashes[a.ContentHash]; ok {
			if err := addMember(canonicalID, Member{Article: a, Reason: ReasonExact}); err != nil {
				return nil, err
			}
			continue
		}
		batchHashes[a.ContentHash] = a.ID
		survivors = append(survivors, a)
	}

	// Semantic phase: cosine similarity against the recency window and
	// earlier batch survivors. Skipped entirely when no embedder is
	// available; the run must not fail because of that.
	kept := survivors
	if e.embedder == nil {
		result.Degraded = true
	} else if len(survivors) > 0 {
		var err error
		kept, err = e.semanticPhase(ctx, survivors, window, addMember)
		if err != nil {
			log.Printf("Embedding unavailable, falling back to exact-only dedup: %v", err)
			result.Degraded = true
			kept = survivors
		}
	}

	result.Kept = kept
	for _, g := range groups {
		result.Groups = append(result.Groups, *g)
	}
	sort.Slice(result.Groups, func(i, j int) bool {
		return result.Groups[i].CanonicalID < result.Groups[j].CanonicalID
	})

	// Commit kept articles to the recency window in one critical section,
	// only after the batch's decisions are final.
	e.mu.Lock()
	for _, a := range kept {
		if e.containsLocked(a.ID) {
			continue
		}
		e.window = append(e.window, windowEntry{
			ID:        a.ID,
			Hash:      a.ContentHash,
			Embedding: a.Embedding,
			FetchedAt: a.FetchedAt,
		})
	}
	e.trimWindowLocked()
	e.mu.Unlock()

	return result, nil
}

func (e *Engine) semanticPhase(ctx context.Context, survivors []database.Article, window []windowEntry, addMember func(int64, Member) error) ([]database.Article, error) {
	// Embed only articles that arrived without a vector.
	var missing []int
	var texts []string
	for i, a := range survivors {
		if a.Embedding == nil {
			missing = append(missing, i)
			content := a.Title
			if a.Content != nil {
				content = *a.Content
			}
			texts = append(texts, truncate(content, 2000))
		}
	}
	if len(texts) > 0 {
		embeddings, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(embeddings) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(embeddings), len(texts))
		}
		for j, i := range missing {
			survivors[i].Embedding = embeddings[j]
		}
	}

	var kept []database.Article
	for _, a := range survivors {
		canonicalID, sim := e.closestMatch(a, window, kept)
		if canonicalID != 0 {
			s := sim
			if err := addMember(canonicalID, Member{Article: a, Similarity: &s, Reason: ReasonSemantic}); err != nil {
				return nil, err
			}
			continue
		}
		kept = append(kept, a)
	}
	return kept, nil
}

// closestMatch returns the canonical id of the best match at or above the
// threshold, or 0 when the article is novel.
func (e *Engine) closestMatch(a database.Article, window []windowEntry, kept []database.Article) (int64, float64) {
	var bestID int64
	var bestSim float64

	for _, w := range window {
		if w.ID == a.ID || w.Embedding == nil {
			continue
		}
		if sim := cosine(a.Embedding, w.Embedding); sim >= e.threshold && sim > bestSim {
			bestID, bestSim = w.ID, sim
		}
	}
	for _, k := range kept {
		if k.Embedding == nil {
			continue
		}
		if sim := cosine(a.Embedding, k.Embedding); sim >= e.threshold && sim > bestSim {
			bestID, bestSim = k.ID, sim
		}
	}
	return bestID, bestSim
}

func (e *Engine) containsLocked(id int64) bool {
	for _, w := range e.window {
		if w.ID == id {
			return true
		}
	}
	return false
}

func (e *Engine) trimWindowLocked() {
	if len(e.window) > e.maxWindow {
		e.window = e.window[len(e.window)-e.maxWindow:]
	}
}

// cosine computes cosine similarity between two vectors.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
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
