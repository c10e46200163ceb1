package filter

import (
	"fmt"
	"math"
	"strings"

	"github.com/sam-aydlette/insightweaver/internal/config"
	"github.com/sam-aydlette/insightweaver/internal/database"
)

// Decision is the outcome of scoring one article. It depends only on the
// article and the rule set; no cross-article state.
type Decision struct {
	ArticleID int64
	Keep      bool
	Score     float64 // in [0,1]
	Reasons   []string
}

// RuleSet is the compiled form of the filter configuration. Keywords and
// excluded topics are lowercased once at construction.
type RuleSet struct {
	keepThreshold    float64
	baseScore        float64
	minContentLength int
	keywords         []string
	keywordBoost     float64
	excludedTopics   []string
	sourceWeights    map[string]float64
}

// Compile builds a RuleSet from configuration.
func Compile(cfg config.Filter) *RuleSet {
	rs := &RuleSet{
		keepThreshold:    cfg.KeepThreshold,
		baseScore:        cfg.BaseScore,
		minContentLength: cfg.MinContentLength,
		keywordBoost:     cfg.KeywordBoost,
		sourceWeights:    make(map[string]float64, len(cfg.SourceWeights)),
	}
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			rs.keywords = append(rs.keywords, k)
		}
	}
	for _, t := range cfg.ExcludedTopics {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			rs.excludedTopics = append(rs.excludedTopics, t)
		}
	}
	for source, w := range cfg.SourceWeights {
		rs.sourceWeights[strings.ToLower(source)] = w
	}
	return rs
}

// Evaluate scores one article against the rule set. An excluded-topic match
// drops the article regardless of aggregate score.
func Evaluate(a database.Article, rules *RuleSet) Decision {
	text := strings.ToLower(a.Title)
	if a.Content != nil {
		text += " " + strings.ToLower(*a.Content)
	}

	for _, topic := range rules.excludedTopics {
		if strings.Contains(text, topic) {
			return Decision{
				ArticleID: a.ID,
				Keep:      false,
				Score:     0,
				Reasons:   []string{"excluded_topic:" + topic},
			}
		}
	}

	score := rules.baseScore
	var reasons []string

	contentLen := len(strings.TrimSpace(a.Title))
	if a.Content != nil {
		contentLen += len(strings.TrimSpace(*a.Content))
	}
	if rules.minContentLength > 0 && contentLen < rules.minContentLength {
		score -= 0.25
		reasons = append(reasons, "short_content")
	}

	for _, kw := range rules.keywords {
		if strings.Contains(text, kw) {
			score += rules.keywordBoost
			reasons = append(reasons, "keyword:"+kw)
		}
	}

	if a.Source != nil {
		if w, ok := rules.sourceWeights[strings.ToLower(*a.Source)]; ok {
			score *= w
			reasons = append(reasons, fmt.Sprintf("source_weight:%s", strings.ToLower(*a.Source)))
		}
	}

	score = clamp(score)
	return Decision{
		ArticleID: a.ID,
		Keep:      score >= rules.keepThreshold,
		Score:     score,
		Reasons:   reasons,
	}
}

// EvaluateBatch applies Evaluate to each article independently, preserving
// input order.
func EvaluateBatch(articles []database.Article, rules *RuleSet) []Decision {
	decisions := make([]Decision, len(articles))
	for i, a := range articles {
		decisions[i] = Evaluate(a, rules)
	}
	return decisions
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
