package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactStatus is the lifecycle state of a generated post candidate.
type ArtifactStatus string

const (
	StatusPending  ArtifactStatus = "pending"
	StatusApproved ArtifactStatus = "approved"
	StatusRejected ArtifactStatus = "rejected"
	StatusPosted   ArtifactStatus = "posted"
	StatusEdited   ArtifactStatus = "edited"
)

// Terminal reports whether no further transitions are accepted.
func (s ArtifactStatus) Terminal() bool {
	return s == StatusPosted || s == StatusRejected
}

// Topic is one named subject scoped to a tenant: which communities feed it,
// what tone generated posts take, which hashtags may be included.
type Topic struct {
	Name     string   `json:"name"`
	Sources  []string `json:"subreddits"`
	Tone     string   `json:"tone"`
	Hashtags []string `json:"hashtags"`
}

// UnmarshalJSON normalizes the two shapes a stored topic may take: a bare
// name string or a structured record. Nothing past the store boundary ever
// branches on shape.
func (t *Topic) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*t = Topic{Name: name, Sources: []string{}, Tone: "informative", Hashtags: []string{}}
		return nil
	}

	type topicRecord Topic
	var rec topicRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parse topic: %w", err)
	}
	if rec.Tone == "" {
		rec.Tone = "informative"
	}
	if rec.Sources == nil {
		rec.Sources = []string{}
	}
	if rec.Hashtags == nil {
		rec.Hashtags = []string{}
	}
	*t = Topic(rec)
	return nil
}

// Tenant is an independent account owning its own topics, credentials and
// artifacts. Each credential set is independently optional; absence gates
// only the stage requiring it.
type Tenant struct {
	ID                       int64     `db:"id" json:"id"`
	Email                    string    `db:"email" json:"email"`
	PasswordHash             string    `db:"password_hash" json:"-"`
	RedditClientID           string    `db:"reddit_client_id" json:"reddit_client_id"`
	RedditClientSecret       string    `db:"reddit_client_secret" json:"-"`
	TwitterAPIKey            string    `db:"twitter_api_key" json:"twitter_api_key"`
	TwitterAPISecret         string    `db:"twitter_api_secret" json:"-"`
	TwitterAccessToken       string    `db:"twitter_access_token" json:"twitter_access_token"`
	TwitterAccessTokenSecret string    `db:"twitter_access_token_secret" json:"-"`
	AnthropicAPIKey          string    `db:"anthropic_api_key" json:"-"`
	TelegramChatID           int64     `db:"telegram_chat_id" json:"telegram_chat_id"`
	Active                   bool      `db:"active" json:"active"`
	CreatedAt                time.Time `db:"created_at" json:"created_at"`
	Topics                   []Topic   `db:"-" json:"topics"`
	TopicsJSON               string    `db:"topics" json:"-"`
}

// HasRedditCredentials reports whether the discovery stage can run for
// credentialed sources.
func (t *Tenant) HasRedditCredentials() bool {
	return t.RedditClientID != "" && t.RedditClientSecret != ""
}

// HasTwitterCredentials reports whether the publish stage can run.
func (t *Tenant) HasTwitterCredentials() bool {
	return t.TwitterAPIKey != "" && t.TwitterAPISecret != "" &&
		t.TwitterAccessToken != "" && t.TwitterAccessTokenSecret != ""
}

// Artifact is one generated post candidate and its approval lifecycle.
// Status is written only through Store.TransitionArtifact.
type Artifact struct {
	ID                 int64          `db:"id" json:"id"`
	TenantID           int64          `db:"tenant_id" json:"tenant_id"`
	Topic              string         `db:"topic" json:"topic"`
	Content            string         `db:"content" json:"content"`
	Status             ArtifactStatus `db:"status" json:"status"`
	MessageHandle      string         `db:"message_handle" json:"-"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	ApprovedAt         *time.Time     `db:"approved_at" json:"approved_at,omitempty"`
	PostedAt           *time.Time     `db:"posted_at" json:"posted_at,omitempty"`
	PostedPostID       string         `db:"posted_post_id" json:"posted_post_id,omitempty"`
	InspirationIDs     []int64        `db:"-" json:"inspiration_ids"`
	InspirationIDsJSON string         `db:"inspiration_ids" json:"-"`
}

// ArtifactUpdate carries optional field changes applied atomically with a
// status transition. Nil fields are untouched.
type ArtifactUpdate struct {
	Content       *string
	MessageHandle *string
	PostedPostID  *string
}

// ArtifactCounts is the per-tenant dashboard summary.
type ArtifactCounts struct {
	Pending int `json:"pending"`
	Posted  int `json:"posted"`
	Total   int `json:"total_generated"`
}

// CredentialUpdate carries partial credential changes; nil fields are left
// as stored.
type CredentialUpdate struct {
	RedditClientID           *string
	RedditClientSecret       *string
	TwitterAPIKey            *string
	TwitterAPISecret         *string
	TwitterAccessToken       *string
	TwitterAccessTokenSecret *string
	AnthropicAPIKey          *string
	TelegramChatID           *int64
}

// Run types and outcomes recorded in the run log.
const (
	RunDiscovery  = "discovery"
	RunGeneration = "generation"
	RunPosting    = "posting"

	RunSuccess = "success"
	RunPartial = "partial"
	RunFailure = "failure"
)

// RunLogEntry is the append-only audit record of one batch.
type RunLogEntry struct {
	ID                 int64     `db:"id" json:"id"`
	RunType            string    `db:"run_type" json:"run_type"`
	Status             string    `db:"status" json:"status"`
	TopicsProcessed    int       `db:"topics_processed" json:"topics_processed"`
	ItemsScraped       int       `db:"items_scraped" json:"items_scraped"`
	ArtifactsGenerated int       `db:"artifacts_generated" json:"artifacts_generated"`
	PostsPublished     int       `db:"posts_published" json:"posts_published"`
	ErrorText          string    `db:"error_text" json:"error_text,omitempty"`
	StartedAt          time.Time `db:"started_at" json:"started_at"`
	FinishedAt         time.Time `db:"finished_at" json:"finished_at"`
}
