package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/postpilot/postpilot/pkg/pipeline"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on unique-constraint conflicts the
	// caller must handle, like duplicate topic names.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the persistence interface. It is the only shared mutable
// resource in the system; every component goes through these operations.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) (int64, error)
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetTenantByEmail(ctx context.Context, email string) (*Tenant, error)
	GetTenantByChatID(ctx context.Context, chatID int64) (*Tenant, error)
	ActiveTenants(ctx context.Context) ([]Tenant, error)
	UpdateTenantCredentials(ctx context.Context, id int64, upd CredentialUpdate) error
	AddTopic(ctx context.Context, tenantID int64, topic Topic) error
	RemoveTopic(ctx context.Context, tenantID int64, name string) error

	SaveSourceItems(ctx context.Context, items []pipeline.SourceItem) (int, error)
	TopSourceItems(ctx context.Context, topic string, limit int) ([]pipeline.SourceItem, error)

	CreateArtifact(ctx context.Context, a *Artifact) (int64, error)
	GetArtifact(ctx context.Context, id int64) (*Artifact, error)
	PendingArtifacts(ctx context.Context, tenantID int64) ([]Artifact, error)
	ArtifactHistory(ctx context.Context, tenantID int64, limit int) ([]Artifact, error)
	TransitionArtifact(ctx context.Context, id int64, from []ArtifactStatus, to ArtifactStatus, upd ArtifactUpdate) (bool, error)
	SetArtifactMessageHandle(ctx context.Context, id int64, handle string) error
	CountArtifacts(ctx context.Context, tenantID int64) (ArtifactCounts, error)

	LogRun(ctx context.Context, e *RunLogEntry) error
	RecentRuns(ctx context.Context, limit int) ([]RunLogEntry, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tenants ---

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) (int64, error) {
	if t.TopicsJSON == "" {
		raw, _ := json.Marshal(t.Topics)
		t.TopicsJSON = string(raw)
		if t.Topics == nil {
			t.TopicsJSON = "[]"
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (email, password_hash, reddit_client_id, reddit_client_secret,
			twitter_api_key, twitter_api_secret, twitter_access_token, twitter_access_token_secret,
			anthropic_api_key, telegram_chat_id, topics, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Email, t.PasswordHash, t.RedditClientID, t.RedditClientSecret,
		t.TwitterAPIKey, t.TwitterAPISecret, t.TwitterAccessToken, t.TwitterAccessTokenSecret,
		t.AnthropicAPIKey, t.TelegramChatID, t.TopicsJSON, t.Active, t.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, fmt.Errorf("tenant %s: %w", t.Email, ErrAlreadyExists)
		}
		return 0, fmt.Errorf("create tenant: %w", err)
	}

	t.ID, _ = res.LastInsertId()
	return t.ID, nil
}

func (s *SQLiteStore) getTenant(ctx context.Context, query string, arg any) (*Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if err := normalizeTopics(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	return s.getTenant(ctx, "SELECT * FROM tenants WHERE id = ?", id)
}

func (s *SQLiteStore) GetTenantByEmail(ctx context.Context, email string) (*Tenant, error) {
	return s.getTenant(ctx, "SELECT * FROM tenants WHERE email = ?", email)
}

func (s *SQLiteStore) GetTenantByChatID(ctx context.Context, chatID int64) (*Tenant, error) {
	return s.getTenant(ctx, "SELECT * FROM tenants WHERE telegram_chat_id = ?", chatID)
}

func (s *SQLiteStore) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	if err := s.db.SelectContext(ctx, &tenants, "SELECT * FROM tenants WHERE active = 1 ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	for i := range tenants {
		if err := normalizeTopics(&tenants[i]); err != nil {
			return nil, err
		}
	}
	return tenants, nil
}

// normalizeTopics parses the stored topic list into canonical records.
// Bare-name entries get defaulted fields via Topic.UnmarshalJSON.
func normalizeTopics(t *Tenant) error {
	t.Topics = nil
	if t.TopicsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(t.TopicsJSON), &t.Topics); err != nil {
		return fmt.Errorf("parse topics for tenant %d: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTenantCredentials(ctx context.Context, id int64, upd CredentialUpdate) error {
	sets := []string{}
	args := []any{}

	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("reddit_client_id", upd.RedditClientID)
	add("reddit_client_secret", upd.RedditClientSecret)
	add("twitter_api_key", upd.TwitterAPIKey)
	add("twitter_api_secret", upd.TwitterAPISecret)
	add("twitter_access_token", upd.TwitterAccessToken)
	add("twitter_access_token_secret", upd.TwitterAccessTokenSecret)
	add("anthropic_api_key", upd.AnthropicAPIKey)
	if upd.TelegramChatID != nil {
		sets = append(sets, "telegram_chat_id = ?")
		args = append(args, *upd.TelegramChatID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update credentials for tenant %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddTopic appends a topic. Names are unique per tenant, exact match.
func (s *SQLiteStore) AddTopic(ctx context.Context, tenantID int64, topic Topic) error {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	for _, existing := range t.Topics {
		if existing.Name == topic.Name {
			return fmt.Errorf("topic %q: %w", topic.Name, ErrAlreadyExists)
		}
	}

	if topic.Tone == "" {
		topic.Tone = "informative"
	}
	if topic.Sources == nil {
		topic.Sources = []string{}
	}
	if topic.Hashtags == nil {
		topic.Hashtags = []string{}
	}

	return s.saveTopics(ctx, tenantID, append(t.Topics, topic))
}

func (s *SQLiteStore) RemoveTopic(ctx context.Context, tenantID int64, name string) error {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	kept := make([]Topic, 0, len(t.Topics))
	for _, existing := range t.Topics {
		if existing.Name != name {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(t.Topics) {
		return fmt.Errorf("topic %q: %w", name, ErrNotFound)
	}

	return s.saveTopics(ctx, tenantID, kept)
}

func (s *SQLiteStore) saveTopics(ctx context.Context, tenantID int64, topics []Topic) error {
	raw, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET topics = ? WHERE id = ?", string(raw), tenantID); err != nil {
		return fmt.Errorf("save topics for tenant %d: %w", tenantID, err)
	}
	return nil
}

// --- Source items ---

// SaveSourceItems inserts items, ignoring any whose external id is already
// stored. Returns the number of newly inserted rows.
func (s *SQLiteStore) SaveSourceItems(ctx context.Context, items []pipeline.SourceItem) (int, error) {
	inserted := 0
	for i := range items {
		item := &items[i]
		repliesJSON, _ := json.Marshal(item.TopReplies)
		if item.TopReplies == nil {
			repliesJSON = []byte("[]")
		}
		if item.CapturedAt.IsZero() {
			item.CapturedAt = time.Now().UTC()
		}

		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO source_items (external_id, community, author, title, body,
				score, comments, upvote_ratio, url, top_replies, engagement_score, topic, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ExternalID, item.Community, item.Author, item.Title, item.Body,
			item.Score, item.Comments, item.UpvoteRatio, item.URL,
			string(repliesJSON), item.EngagementScore, item.Topic, item.CapturedAt)
		if err != nil {
			return inserted, fmt.Errorf("save item %s: %w", item.ExternalID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// TopSourceItems returns the highest-engagement items for a topic,
// ties broken by insertion order for determinism.
func (s *SQLiteStore) TopSourceItems(ctx context.Context, topic string, limit int) ([]pipeline.SourceItem, error) {
	if limit <= 0 {
		limit = 20
	}

	var items []pipeline.SourceItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM source_items
		WHERE topic = ?
		ORDER BY engagement_score DESC, id ASC
		LIMIT ?
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("top items for %q: %w", topic, err)
	}

	for i := range items {
		json.Unmarshal([]byte(items[i].TopRepliesJSON), &items[i].TopReplies)
	}
	return items, nil
}

// --- Artifacts ---

func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *Artifact) (int64, error) {
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	idsJSON, _ := json.Marshal(a.InspirationIDs)
	if a.InspirationIDs == nil {
		idsJSON = []byte("[]")
	}
	a.InspirationIDsJSON = string(idsJSON)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (tenant_id, topic, content, inspiration_ids, status, message_handle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.TenantID, a.Topic, a.Content, a.InspirationIDsJSON, a.Status, a.MessageHandle, a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}

	a.ID, _ = res.LastInsertId()
	return a.ID, nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id int64) (*Artifact, error) {
	var a Artifact
	err := s.db.GetContext(ctx, &a, "SELECT * FROM artifacts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %d: %w", id, err)
	}
	json.Unmarshal([]byte(a.InspirationIDsJSON), &a.InspirationIDs)
	return &a, nil
}

func (s *SQLiteStore) PendingArtifacts(ctx context.Context, tenantID int64) ([]Artifact, error) {
	return s.listArtifacts(ctx, `
		SELECT * FROM artifacts
		WHERE tenant_id = ? AND status IN ('pending', 'edited')
		ORDER BY id
	`, tenantID)
}

func (s *SQLiteStore) ArtifactHistory(ctx context.Context, tenantID int64, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listArtifacts(ctx, `
		SELECT * FROM artifacts
		WHERE tenant_id = ? AND status IN ('posted', 'approved', 'rejected')
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, tenantID, limit)
}

func (s *SQLiteStore) listArtifacts(ctx context.Context, query string, args ...any) ([]Artifact, error) {
	var artifacts []Artifact
	if err := s.db.SelectContext(ctx, &artifacts, query, args...); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	for i := range artifacts {
		json.Unmarshal([]byte(artifacts[i].InspirationIDsJSON), &artifacts[i].InspirationIDs)
	}
	return artifacts, nil
}

// TransitionArtifact performs the conditional status write every lifecycle
// mutation goes through: the row is updated only if its current status is
// one of `from`. Returns false when the guard did not match, which is how
// concurrent writers lose the race. A blind unconditional update would
// break the per-artifact single-writer guarantee.
func (s *SQLiteStore) TransitionArtifact(ctx context.Context, id int64, from []ArtifactStatus, to ArtifactStatus, upd ArtifactUpdate) (bool, error) {
	sets := []string{"status = ?"}
	args := []any{to}

	now := time.Now().UTC()
	switch to {
	case StatusApproved:
		sets = append(sets, "approved_at = ?")
		args = append(args, now)
	case StatusPosted:
		sets = append(sets, "posted_at = ?")
		args = append(args, now)
	}

	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.MessageHandle != nil {
		sets = append(sets, "message_handle = ?")
		args = append(args, *upd.MessageHandle)
	}
	if upd.PostedPostID != nil {
		sets = append(sets, "posted_post_id = ?")
		args = append(args, *upd.PostedPostID)
	}

	guards := make([]string, len(from))
	args = append(args, id)
	for i, st := range from {
		guards[i] = "?"
		args = append(args, st)
	}
	query := fmt.Sprintf(
		"UPDATE artifacts SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), strings.Join(guards, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition artifact %d to %s: %w", id, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition artifact %d rows: %w", id, err)
	}
	return n > 0, nil
}

// SetArtifactMessageHandle records the delivered approval prompt's handle
// without touching status; prompt re-delivery is allowed in any state.
func (s *SQLiteStore) SetArtifactMessageHandle(ctx context.Context, id int64, handle string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE artifacts SET message_handle = ? WHERE id = ?", handle, id)
	if err != nil {
		return fmt.Errorf("set message handle for artifact %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CountArtifacts(ctx context.Context, tenantID int64) (ArtifactCounts, error) {
	var counts ArtifactCounts
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('pending', 'edited') THEN 1 END),
			COUNT(CASE WHEN status = 'posted' THEN 1 END),
			COUNT(*)
		FROM artifacts WHERE tenant_id = ?
	`, tenantID).Scan(&counts.Pending, &counts.Posted, &counts.Total)
	if err != nil {
		return counts, fmt.Errorf("count artifacts for tenant %d: %w", tenantID, err)
	}
	return counts, nil
}

// --- Run log ---

func (s *SQLiteStore) LogRun(ctx context.Context, e *RunLogEntry) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_log (run_type, status, topics_processed, items_scraped,
			artifacts_generated, posts_published, error_text, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunType, e.Status, e.TopicsProcessed, e.ItemsScraped,
		e.ArtifactsGenerated, e.PostsPublished, e.ErrorText, e.StartedAt, e.FinishedAt)
	if err != nil {
		return fmt.Errorf("log run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]RunLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunLogEntry
	err := s.db.SelectContext(ctx, &runs,
		"SELECT * FROM run_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	return runs, nil
}
