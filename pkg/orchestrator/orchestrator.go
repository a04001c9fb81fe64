// Package orchestrator drives the discovery and generation batches across
// all active tenants and routes on-demand runs for a single tenant.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/approval"
	"github.com/postpilot/postpilot/pkg/pipeline"
)

// Factories construct per-tenant pipeline stages from that tenant's
// stored credentials.
type (
	ScraperFactory     func(clientID, clientSecret string) pipeline.Scraper
	SynthesizerFactory func(apiKey string) pipeline.Synthesizer
	PublisherFactory   func(creds pipeline.TwitterCredentials) pipeline.Publisher
)

// Config bounds batch runs.
type Config struct {
	PostsPerCommunity   int
	RepliesPerItem      int
	TimeWindow          string
	TopItemsPerTopic    int
	CandidatesPerTopic  int
	DefaultAnthropicKey string
}

// TenantOutcome is the per-tenant result of one batch stage.
type TenantOutcome struct {
	TenantID int64  `json:"tenant_id"`
	Status   string `json:"status"` // success | skipped | error
	Reason   string `json:"reason,omitempty"`
	Topics   int    `json:"topics"`
	Items    int    `json:"items"`
}

// Orchestrator runs the pipeline stages. One instance serves the
// scheduler, the chat bot and the HTTP API concurrently.
type Orchestrator struct {
	store      store.Store
	sm         *approval.StateMachine
	newScraper ScraperFactory
	rss        pipeline.Scraper
	newSynth   SynthesizerFactory
	cfg        Config
	log        *logrus.Logger
}

func New(st store.Store, sm *approval.StateMachine, newScraper ScraperFactory, rss pipeline.Scraper, newSynth SynthesizerFactory, cfg Config, log *logrus.Logger) *Orchestrator {
	if cfg.PostsPerCommunity <= 0 {
		cfg.PostsPerCommunity = 10
	}
	if cfg.RepliesPerItem <= 0 {
		cfg.RepliesPerItem = 3
	}
	if cfg.TimeWindow == "" {
		cfg.TimeWindow = "day"
	}
	if cfg.TopItemsPerTopic <= 0 {
		cfg.TopItemsPerTopic = 20
	}
	if cfg.CandidatesPerTopic <= 0 {
		cfg.CandidatesPerTopic = 3
	}
	return &Orchestrator{
		store:      st,
		sm:         sm,
		newScraper: newScraper,
		rss:        rss,
		newSynth:   newSynth,
		cfg:        cfg,
		log:        log,
	}
}

// RunDiscovery scrapes every active tenant's topics and stores new items.
// One tenant failing never stops the others; the aggregate run status
// reflects the mix of per-tenant outcomes.
func (o *Orchestrator) RunDiscovery(ctx context.Context) ([]TenantOutcome, error) {
	started := time.Now().UTC()

	tenants, err := o.store.ActiveTenants(ctx)
	if err != nil {
		o.logRun(ctx, &store.RunLogEntry{
			RunType: store.RunDiscovery, Status: store.RunFailure,
			ErrorText: err.Error(), StartedAt: started,
		})
		return nil, err
	}

	outcomes := make([]TenantOutcome, 0, len(tenants))
	totalItems, totalTopics := 0, 0
	for i := range tenants {
		out := o.discoverTenant(ctx, &tenants[i])
		outcomes = append(outcomes, out)
		totalItems += out.Items
		totalTopics += out.Topics
	}

	status, errText := aggregate(outcomes)
	o.logRun(ctx, &store.RunLogEntry{
		RunType:         store.RunDiscovery,
		Status:          status,
		TopicsProcessed: totalTopics,
		ItemsScraped:    totalItems,
		ErrorText:       errText,
		StartedAt:       started,
	})

	o.log.WithFields(logrus.Fields{
		"status":  status,
		"tenants": len(tenants),
		"items":   totalItems,
	}).Info("discovery run finished")
	return outcomes, nil
}

func (o *Orchestrator) discoverTenant(ctx context.Context, tenant *store.Tenant) TenantOutcome {
	out := TenantOutcome{TenantID: tenant.ID}
	if len(tenant.Topics) == 0 {
		out.Status = "skipped"
		out.Reason = "no topics configured"
		return out
	}

	var reddit pipeline.Scraper
	if tenant.HasRedditCredentials() {
		reddit = o.newScraper(tenant.RedditClientID, tenant.RedditClientSecret)
	}

	opts := pipeline.FetchOpts{
		Limit:      o.cfg.PostsPerCommunity,
		Window:     o.cfg.TimeWindow,
		MaxReplies: o.cfg.RepliesPerItem,
	}

	var firstErr error
	skippedSources := 0
	for _, topic := range tenant.Topics {
		fetched := 0
		for _, source := range topic.Sources {
			scraper := reddit
			if isFeedURL(source) {
				scraper = o.rss
			}
			if scraper == nil {
				// no forum credentials gates the source out, it never
				// fails the tenant or the batch
				o.log.WithFields(logrus.Fields{
					"tenant_id": tenant.ID,
					"topic":     topic.Name,
					"source":    source,
				}).Warn("skipping source, reddit credentials missing")
				skippedSources++
				continue
			}

			items, err := scraper.FetchTop(ctx, source, topic.Name, opts)
			if err != nil {
				o.log.WithError(err).WithFields(logrus.Fields{
					"tenant_id": tenant.ID,
					"source":    source,
				}).Warn("source fetch failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}

			n, err := o.store.SaveSourceItems(ctx, items)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			fetched += n
		}
		out.Items += fetched
		out.Topics++
	}

	switch {
	case firstErr != nil && out.Items == 0:
		out.Status = "error"
		out.Reason = firstErr.Error()
	case firstErr == nil && out.Items == 0 && skippedSources > 0:
		out.Status = "skipped"
		out.Reason = "no reddit credentials"
	default:
		out.Status = "success"
		if firstErr != nil {
			out.Reason = firstErr.Error()
		}
	}
	return out
}

// RunGeneration produces candidate artifacts for every active tenant from
// already-discovered items and submits them for approval.
func (o *Orchestrator) RunGeneration(ctx context.Context) ([]TenantOutcome, error) {
	started := time.Now().UTC()

	tenants, err := o.store.ActiveTenants(ctx)
	if err != nil {
		o.logRun(ctx, &store.RunLogEntry{
			RunType: store.RunGeneration, Status: store.RunFailure,
			ErrorText: err.Error(), StartedAt: started,
		})
		return nil, err
	}

	outcomes := make([]TenantOutcome, 0, len(tenants))
	totalGenerated, totalTopics := 0, 0
	for i := range tenants {
		out := o.generateTenant(ctx, &tenants[i])
		outcomes = append(outcomes, out)
		totalGenerated += out.Items
		totalTopics += out.Topics
	}

	status, errText := aggregate(outcomes)
	o.logRun(ctx, &store.RunLogEntry{
		RunType:            store.RunGeneration,
		Status:             status,
		TopicsProcessed:    totalTopics,
		ArtifactsGenerated: totalGenerated,
		ErrorText:          errText,
		StartedAt:          started,
	})

	o.log.WithFields(logrus.Fields{
		"status":    status,
		"tenants":   len(tenants),
		"generated": totalGenerated,
	}).Info("generation run finished")
	return outcomes, nil
}

func (o *Orchestrator) generateTenant(ctx context.Context, tenant *store.Tenant) TenantOutcome {
	out := TenantOutcome{TenantID: tenant.ID}
	if len(tenant.Topics) == 0 {
		out.Status = "skipped"
		out.Reason = "no topics configured"
		return out
	}

	apiKey := o.synthesisKey(tenant)
	if apiKey == "" {
		out.Status = "skipped"
		out.Reason = "no synthesis credentials"
		return out
	}
	synth := o.newSynth(apiKey)

	var firstErr error
	for _, topic := range tenant.Topics {
		n, err := o.generateTopic(ctx, tenant, synth, topic, o.cfg.CandidatesPerTopic)
		if err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"tenant_id": tenant.ID,
				"topic":     topic.Name,
			}).Warn("topic generation failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out.Items += n
		out.Topics++
	}

	if firstErr != nil && out.Items == 0 {
		out.Status = "error"
		out.Reason = firstErr.Error()
	} else {
		out.Status = "success"
		if firstErr != nil {
			out.Reason = firstErr.Error()
		}
	}
	return out
}

// generateTopic synthesizes candidates for one topic and creates pending
// artifacts for each. Candidates are truncated to the platform limit
// before storage so review always sees postable text.
func (o *Orchestrator) generateTopic(ctx context.Context, tenant *store.Tenant, synth pipeline.Synthesizer, topic store.Topic, count int) (int, error) {
	items, err := o.store.TopSourceItems(ctx, topic.Name, o.cfg.TopItemsPerTopic)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	candidates, err := synth.Generate(ctx, pipeline.GenerateRequest{
		Topic:    topic.Name,
		Tone:     topic.Tone,
		Hashtags: topic.Hashtags,
		Items:    items,
		Count:    count,
	})
	if err != nil {
		return 0, err
	}

	inspiration := make([]int64, 0, 10)
	for _, it := range items {
		if len(inspiration) == 10 {
			break
		}
		inspiration = append(inspiration, it.ID)
	}

	created := 0
	for _, text := range candidates {
		a := &store.Artifact{
			TenantID:       tenant.ID,
			Topic:          topic.Name,
			Content:        pipeline.Truncate(text),
			InspirationIDs: inspiration,
		}
		if _, err := o.store.CreateArtifact(ctx, a); err != nil {
			return created, err
		}
		created++

		if err := o.sm.SubmitForApproval(ctx, a.ID); err != nil {
			o.log.WithError(err).WithField("artifact_id", a.ID).Warn("approval prompt failed")
		}
	}
	return created, nil
}

// RunPipelineForTenant runs discovery then generation for one tenant,
// optionally restricted to a single topic. Used by the chat /generate
// command and the HTTP generate endpoint.
func (o *Orchestrator) RunPipelineForTenant(ctx context.Context, tenantID int64, topicName string) (int, error) {
	tenant, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	topics := tenant.Topics
	if topicName != "" {
		topics = nil
		for _, t := range tenant.Topics {
			if t.Name == topicName {
				topics = []store.Topic{t}
				break
			}
		}
		if topics == nil {
			return 0, fmt.Errorf("topic %q: %w", topicName, store.ErrNotFound)
		}
	}
	if len(topics) == 0 {
		return 0, fmt.Errorf("tenant %d has no topics: %w", tenantID, store.ErrNotFound)
	}

	apiKey := o.synthesisKey(tenant)
	if apiKey == "" {
		return 0, fmt.Errorf("tenant %d has no synthesis credentials: %w", tenantID, ErrCredentialsMissing)
	}
	synth := o.newSynth(apiKey)

	scoped := *tenant
	scoped.Topics = topics
	o.discoverTenant(ctx, &scoped)

	created := 0
	var firstErr error
	for _, topic := range topics {
		n, err := o.generateTopic(ctx, tenant, synth, topic, o.cfg.CandidatesPerTopic)
		created += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if created == 0 && firstErr != nil {
		return 0, firstErr
	}
	return created, nil
}

func (o *Orchestrator) synthesisKey(tenant *store.Tenant) string {
	if tenant.AnthropicAPIKey != "" {
		return tenant.AnthropicAPIKey
	}
	return o.cfg.DefaultAnthropicKey
}

func (o *Orchestrator) logRun(ctx context.Context, e *store.RunLogEntry) {
	e.FinishedAt = time.Now().UTC()
	if err := o.store.LogRun(ctx, e); err != nil {
		o.log.WithError(err).Warn("record run failed")
	}
}

// aggregate folds per-tenant outcomes into one run status: success when
// nothing failed, failure when nothing succeeded, partial otherwise.
func aggregate(outcomes []TenantOutcome) (string, string) {
	ok, failed := 0, 0
	var reasons []string
	for _, out := range outcomes {
		switch out.Status {
		case "success":
			ok++
		case "error":
			failed++
			reasons = append(reasons, fmt.Sprintf("tenant %d: %s", out.TenantID, out.Reason))
		}
	}

	errText := strings.Join(reasons, "; ")
	switch {
	case failed == 0:
		return store.RunSuccess, errText
	case ok == 0:
		return store.RunFailure, errText
	default:
		return store.RunPartial, errText
	}
}

func isFeedURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
