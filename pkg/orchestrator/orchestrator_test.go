package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/approval"
	"github.com/postpilot/postpilot/pkg/pipeline"
)

type fakeScraper struct {
	mu    sync.Mutex
	calls []string
	items []pipeline.SourceItem
	err   error
}

func (f *fakeScraper) FetchTop(ctx context.Context, community, topic string, opts pipeline.FetchOpts) ([]pipeline.SourceItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, community)
	if f.err != nil {
		return nil, f.err
	}

	out := make([]pipeline.SourceItem, len(f.items))
	for i, it := range f.items {
		it.ExternalID = fmt.Sprintf("%s-%s-%d", community, it.ExternalID, i)
		it.Community = community
		it.Topic = topic
		it.ComputeEngagementScore()
		out[i] = it
	}
	return out, nil
}

type fakeSynth struct {
	mu       sync.Mutex
	requests []pipeline.GenerateRequest
	texts    []string
	err      error
}

func (f *fakeSynth) Generate(ctx context.Context, req pipeline.GenerateRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.texts) >= req.Count {
		return f.texts[:req.Count], nil
	}
	return f.texts, nil
}

type fakePub struct {
	mu    sync.Mutex
	posts []string
	err   error
}

func (f *fakePub) Post(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.posts = append(f.posts, text)
	return "123", nil
}

type noTransport struct{}

func (noTransport) SendPrompt(ctx context.Context, chatID, artifactID int64, content, topic string) (string, error) {
	return fmt.Sprintf("%d:1", chatID), nil
}
func (noTransport) UpdatePrompt(ctx context.Context, handle, text string) error { return nil }

type fixture struct {
	store   *store.SQLiteStore
	orch    *Orchestrator
	sm      *approval.StateMachine
	scraper *fakeScraper
	synth   *fakeSynth
	rss     *fakeScraper
	pub     *fakePub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	scraper := &fakeScraper{items: []pipeline.SourceItem{
		{ExternalID: "x", Title: "hot thread", Score: 10, Comments: 5, UpvoteRatio: 0.9},
		{ExternalID: "y", Title: "cold thread", Score: 1},
	}}
	rss := &fakeScraper{}
	synth := &fakeSynth{texts: []string{"post one", "post two", "post three"}}
	pub := &fakePub{}

	publisher := NewPostPublisher(st, func(pipeline.TwitterCredentials) pipeline.Publisher { return pub }, log)
	sm := approval.New(st, noTransport{}, approval.NewEditSessions(), publisher, log)
	orch := New(st, sm,
		func(id, secret string) pipeline.Scraper { return scraper },
		rss,
		func(apiKey string) pipeline.Synthesizer { return synth },
		Config{CandidatesPerTopic: 2, DefaultAnthropicKey: "sk-default"},
		log)

	return &fixture{store: st, orch: orch, sm: sm, scraper: scraper, synth: synth, rss: rss, pub: pub}
}

func (f *fixture) newTenant(t *testing.T, email string, topics ...store.Topic) *store.Tenant {
	t.Helper()
	tenant := &store.Tenant{
		Email:                    email,
		RedditClientID:           "id",
		RedditClientSecret:       "secret",
		TwitterAPIKey:            "tk",
		TwitterAPISecret:         "ts",
		TwitterAccessToken:       "at",
		TwitterAccessTokenSecret: "as",
		Active:                   true,
		Topics:                   topics,
	}
	if _, err := f.store.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return tenant
}

func aiTopic() store.Topic {
	return store.Topic{Name: "AI", Sources: []string{"MachineLearning"}, Tone: "informative"}
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := f.newTenant(t, "a@example.com", aiTopic())

	created, err := f.orch.RunPipelineForTenant(ctx, tenant.ID, "")
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2 candidates", created)
	}

	pending, err := f.store.PendingArtifacts(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d", len(pending))
	}
	for _, a := range pending {
		if a.Status != store.StatusPending || a.Topic != "AI" {
			t.Fatalf("artifact: %+v", a)
		}
		if len(a.InspirationIDs) == 0 {
			t.Fatalf("no inspiration recorded: %+v", a)
		}
	}

	// approve the first one through to posted
	if err := f.sm.Approve(ctx, pending[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := f.store.GetArtifact(ctx, pending[0].ID)
	if got.Status != store.StatusPosted || got.PostedPostID != "123" {
		t.Fatalf("after approve: %+v", got)
	}
	if len(f.pub.posts) != 1 || f.pub.posts[0] != got.Content {
		t.Fatalf("published texts = %v", f.pub.posts)
	}

	if err := f.sm.Approve(ctx, pending[0].ID); !errors.Is(err, approval.ErrInvalidTransition) {
		t.Fatalf("re-approve error = %v", err)
	}
}

func TestPipelineTruncatesCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.synth.texts = []string{strings.Repeat("a", 400)}
	tenant := f.newTenant(t, "a@example.com", aiTopic())

	if _, err := f.orch.RunPipelineForTenant(ctx, tenant.ID, ""); err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	pending, _ := f.store.PendingArtifacts(ctx, tenant.ID)
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	if n := len([]rune(pending[0].Content)); n != pipeline.MaxPostLength {
		t.Fatalf("stored content length = %d", n)
	}
	if !strings.HasSuffix(pending[0].Content, "...") {
		t.Fatalf("content not truncated with ellipsis")
	}
}

func TestPipelineUnknownTopic(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "a@example.com", aiTopic())

	_, err := f.orch.RunPipelineForTenant(context.Background(), tenant.ID, "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v", err)
	}
}

func TestRunDiscoveryOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.newTenant(t, "good@example.com", aiTopic())
	f.newTenant(t, "idle@example.com") // no topics

	// third tenant has a topic but no reddit credentials
	bare := &store.Tenant{Email: "bare@example.com", Active: true, Topics: []store.Topic{aiTopic()}}
	if _, err := f.store.CreateTenant(ctx, bare); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	outcomes, err := f.orch.RunDiscovery(ctx)
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}

	byStatus := map[string]int{}
	for _, o := range outcomes {
		byStatus[o.Status]++
	}
	if byStatus["success"] != 1 || byStatus["skipped"] != 2 {
		t.Fatalf("outcome mix = %v", byStatus)
	}

	runs, _ := f.store.RecentRuns(ctx, 1)
	if len(runs) != 1 || runs[0].RunType != store.RunDiscovery {
		t.Fatalf("run log = %+v", runs)
	}
	if runs[0].Status != store.RunSuccess {
		t.Fatalf("aggregate status = %s, want success", runs[0].Status)
	}
	if runs[0].ItemsScraped != 2 {
		t.Fatalf("items scraped = %d", runs[0].ItemsScraped)
	}
}

func TestDiscoverySkipsTenantWithoutRedditCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bare := &store.Tenant{Email: "bare@example.com", Active: true, Topics: []store.Topic{aiTopic()}}
	if _, err := f.store.CreateTenant(ctx, bare); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	outcomes, err := f.orch.RunDiscovery(ctx)
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if outcomes[0].Status != "skipped" || !strings.Contains(outcomes[0].Reason, "credentials") {
		t.Fatalf("outcome = %+v", outcomes[0])
	}

	runs, _ := f.store.RecentRuns(ctx, 1)
	if runs[0].Status != store.RunSuccess {
		t.Fatalf("aggregate = %s, want success", runs[0].Status)
	}
}

func TestRunDiscoveryPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := &fakeScraper{err: fmt.Errorf("%w: reddit down", pipeline.ErrSourceUnavailable)}
	f.orch.newScraper = func(id, secret string) pipeline.Scraper {
		if id == "bad" {
			return broken
		}
		return f.scraper
	}

	f.newTenant(t, "good@example.com", aiTopic())
	flaky := &store.Tenant{
		Email: "flaky@example.com", Active: true,
		RedditClientID: "bad", RedditClientSecret: "secret",
		Topics: []store.Topic{aiTopic()},
	}
	if _, err := f.store.CreateTenant(ctx, flaky); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	if _, err := f.orch.RunDiscovery(ctx); err != nil {
		t.Fatalf("discovery: %v", err)
	}
	runs, _ := f.store.RecentRuns(ctx, 1)
	if runs[0].Status != store.RunPartial {
		t.Fatalf("aggregate = %s, want partial", runs[0].Status)
	}
}

func TestRunDiscoveryAllFail(t *testing.T) {
	f := newFixture(t)
	f.scraper.err = fmt.Errorf("%w: reddit down", pipeline.ErrSourceUnavailable)
	f.newTenant(t, "a@example.com", aiTopic())

	outcomes, err := f.orch.RunDiscovery(context.Background())
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if outcomes[0].Status != "error" {
		t.Fatalf("outcome = %+v", outcomes[0])
	}

	runs, _ := f.store.RecentRuns(context.Background(), 1)
	if runs[0].Status != store.RunFailure {
		t.Fatalf("aggregate = %s, want failure", runs[0].Status)
	}
}

func TestDiscoveryRoutesFeedsToRSS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newTenant(t, "a@example.com", store.Topic{
		Name:    "Eng",
		Sources: []string{"programming", "https://blog.example.com/feed.xml"},
	})

	if _, err := f.orch.RunDiscovery(ctx); err != nil {
		t.Fatalf("discovery: %v", err)
	}

	if len(f.scraper.calls) != 1 || f.scraper.calls[0] != "programming" {
		t.Fatalf("reddit calls = %v", f.scraper.calls)
	}
	if len(f.rss.calls) != 1 || f.rss.calls[0] != "https://blog.example.com/feed.xml" {
		t.Fatalf("rss calls = %v", f.rss.calls)
	}
}

func TestRunGenerationSkipsWithoutKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.cfg.DefaultAnthropicKey = ""
	f.newTenant(t, "a@example.com", aiTopic())

	outcomes, err := f.orch.RunGeneration(ctx)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	if outcomes[0].Status != "skipped" || !strings.Contains(outcomes[0].Reason, "synthesis") {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
}

func TestGenerationUsesTenantKeyOverDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var gotKey string
	f.orch.newSynth = func(apiKey string) pipeline.Synthesizer {
		gotKey = apiKey
		return f.synth
	}

	tenant := f.newTenant(t, "a@example.com", aiTopic())
	key := "sk-tenant"
	f.store.UpdateTenantCredentials(ctx, tenant.ID, store.CredentialUpdate{AnthropicAPIKey: &key})

	if _, err := f.orch.RunPipelineForTenant(ctx, tenant.ID, ""); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if gotKey != "sk-tenant" {
		t.Fatalf("synthesis key = %q", gotKey)
	}
}

func TestPublishArtifactRequiresCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bare := &store.Tenant{Email: "bare@example.com", Active: true}
	f.store.CreateTenant(ctx, bare)
	a := &store.Artifact{TenantID: bare.ID, Topic: "AI", Content: "text"}
	f.store.CreateArtifact(ctx, a)

	publisher := NewPostPublisher(f.store,
		func(pipeline.TwitterCredentials) pipeline.Publisher { return f.pub },
		logrus.New())
	_, err := publisher.PublishArtifact(ctx, a.ID)
	if !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("error = %v", err)
	}
}
