package database

import "time"

// Article statuses as recorded in the store.
const (
	StatusPending   = "pending"
	StatusKept      = "kept"
	StatusFiltered  = "filtered"
	StatusDuplicate = "duplicate"
)

// Article is an ingested feed article with its processing flags.
type Article struct {
	ID          int64
	URL         string
	Title       string
	Source      *string
	Content     *string // normalized text, markup stripped
	ContentHash string
	Embedding   []float64 // nil when not computed
	PublishedAt *time.Time
	FetchedAt   time.Time
	Status      string
	Reason      *string
	Score       *float64
}

// DuplicateGroup is a canonical article plus its recorded duplicates.
type DuplicateGroup struct {
	ID          int64
	CanonicalID int64
	Members     []DuplicateMember
	CreatedAt   *string
}

// DuplicateMember records one duplicate article inside a group.
type DuplicateMember struct {
	ArticleID  int64
	Similarity *float64
	Reason     string
}

// Run is a persisted pipeline run. Stage reports are stored as a JSON blob
// owned by the pipeline package.
type Run struct {
	ID          int64
	WindowStart time.Time
	WindowEnd   time.Time
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      string
	StagesJSON  string
}

// Brief is a synthesized intelligence brief for a window.
type Brief struct {
	ID           int64
	WindowStart  time.Time
	WindowEnd    time.Time
	Title        string
	TLDR         string
	Body         string
	ArticleCount int
	RefsJSON     string
	CreatedAt    *string
}

// TrustReportRow is a persisted trust report. Stage results are stored as a
// JSON blob owned by the verify package.
type TrustReportRow struct {
	ID             int64
	Query          string
	Response       string
	StagesJSON     string
	AggregateStatus string
	AggregateScore *float64
	CreatedAt      *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalArticles     int
	PendingArticles   int
	KeptArticles      int
	FilteredArticles  int
	DuplicateArticles int
	DuplicateGroups   int
	Runs              int
	Briefs            int
	TrustReports      int
}
