package pipeline

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// MaxPostLength is the platform character limit for a published post.
const MaxPostLength = 280

// Stage failure modes. Callers degrade to "skip this unit of work" and
// never propagate these as fatal.
var (
	ErrSourceUnavailable     = errors.New("source unavailable")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrPublishFailed         = errors.New("publish failed")
)

// SourceItem is one piece of external discussion content. Items are
// immutable once stored; re-fetching the same external id is a no-op.
type SourceItem struct {
	ID              int64     `json:"id" db:"id"`
	ExternalID      string    `json:"external_id" db:"external_id"`
	Community       string    `json:"community" db:"community"`
	Author          string    `json:"author" db:"author"`
	Title           string    `json:"title" db:"title"`
	Body            string    `json:"body" db:"body"`
	Score           int       `json:"score" db:"score"`
	Comments        int       `json:"comments" db:"comments"`
	UpvoteRatio     float64   `json:"upvote_ratio" db:"upvote_ratio"`
	URL             string    `json:"url" db:"url"`
	TopReplies      []string  `json:"top_replies" db:"-"`
	EngagementScore float64   `json:"engagement_score" db:"engagement_score"`
	Topic           string    `json:"topic" db:"topic"`
	CapturedAt      time.Time `json:"captured_at" db:"captured_at"`
	TopRepliesJSON  string    `json:"-" db:"top_replies"`
}

// ComputeEngagementScore derives the ranking heuristic and stores it on
// the item. Ranking within a topic uses this score descending.
func (it *SourceItem) ComputeEngagementScore() float64 {
	it.EngagementScore = float64(it.Score)*1.0 +
		float64(it.Comments)*2.0 +
		it.UpvoteRatio*100.0
	return it.EngagementScore
}

// FetchOpts bounds a single community fetch.
type FetchOpts struct {
	Limit      int    // items per community
	Window     string // recency window: hour | day | week | month | year | all
	MaxReplies int    // excerpted top replies per item
}

// Scraper fetches ranked content items for one community and topic.
type Scraper interface {
	FetchTop(ctx context.Context, community, topic string, opts FetchOpts) ([]SourceItem, error)
}

// GenerateRequest carries everything the synthesis stage needs for one topic.
type GenerateRequest struct {
	Topic    string
	Tone     string
	Hashtags []string
	Items    []SourceItem
	Count    int
}

// Synthesizer turns ranked source items into candidate post texts.
type Synthesizer interface {
	Generate(ctx context.Context, req GenerateRequest) ([]string, error)
}

// Publisher posts final text to the external platform and returns the
// platform post id.
type Publisher interface {
	Post(ctx context.Context, text string) (string, error)
}

// Truncate hard-cuts text to the platform limit with an ellipsis marker.
// Candidates are never rejected on length.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxPostLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxPostLength-3]) + "..."
}
