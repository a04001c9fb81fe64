package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/pipeline"
)

// ErrCredentialsMissing is returned when a stage needs credentials the
// tenant has not configured.
var ErrCredentialsMissing = errors.New("credentials missing")

// PostPublisher resolves an artifact's tenant credentials and posts its
// content. It satisfies the approval package's Publisher interface.
type PostPublisher struct {
	store  store.Store
	newPub PublisherFactory
	log    *logrus.Logger
}

func NewPostPublisher(st store.Store, newPub PublisherFactory, log *logrus.Logger) *PostPublisher {
	return &PostPublisher{store: st, newPub: newPub, log: log}
}

// PublishArtifact posts the artifact's current content using its tenant's
// credentials and records the attempt in the run log.
func (p *PostPublisher) PublishArtifact(ctx context.Context, artifactID int64) (string, error) {
	started := time.Now().UTC()

	a, err := p.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}
	tenant, err := p.store.GetTenant(ctx, a.TenantID)
	if err != nil {
		return "", err
	}
	if !tenant.HasTwitterCredentials() {
		return "", fmt.Errorf("tenant %d has no posting credentials: %w", tenant.ID, ErrCredentialsMissing)
	}

	pub := p.newPub(pipeline.TwitterCredentials{
		APIKey:            tenant.TwitterAPIKey,
		APISecret:         tenant.TwitterAPISecret,
		AccessToken:       tenant.TwitterAccessToken,
		AccessTokenSecret: tenant.TwitterAccessTokenSecret,
	})

	postID, err := pub.Post(ctx, a.Content)
	entry := &store.RunLogEntry{
		RunType:   store.RunPosting,
		StartedAt: started,
	}
	if err != nil {
		entry.Status = store.RunFailure
		entry.ErrorText = err.Error()
		p.logRun(ctx, entry)
		return "", err
	}

	entry.Status = store.RunSuccess
	entry.PostsPublished = 1
	p.logRun(ctx, entry)

	p.log.WithFields(logrus.Fields{
		"artifact_id": artifactID,
		"tenant_id":   tenant.ID,
		"post_id":     postID,
	}).Info("artifact published")
	return postID, nil
}

func (p *PostPublisher) logRun(ctx context.Context, e *store.RunLogEntry) {
	e.FinishedAt = time.Now().UTC()
	if err := p.store.LogRun(ctx, e); err != nil {
		p.log.WithError(err).Warn("record posting run failed")
	}
}
