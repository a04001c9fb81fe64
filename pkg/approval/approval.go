// Package approval owns the artifact review lifecycle. Every status
// change funnels through the conditional transitions here; callers never
// write artifact status directly.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/pipeline"
)

var (
	// ErrInvalidTransition is returned when an artifact is not in a state
	// the requested action accepts, typically because another reviewer
	// got there first.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrEditTooLong is returned when replacement text exceeds the post
	// length limit. The edit session stays open so the reviewer can retry.
	ErrEditTooLong = errors.New("edit too long")
)

// Transport delivers approval prompts to reviewers and lets us amend a
// delivered prompt afterwards. The handle returned by SendPrompt is an
// opaque token UpdatePrompt accepts later.
type Transport interface {
	SendPrompt(ctx context.Context, chatID, artifactID int64, content, topic string) (string, error)
	UpdatePrompt(ctx context.Context, handle, text string) error
}

// Publisher posts an approved artifact externally and returns the
// platform's post id.
type Publisher interface {
	PublishArtifact(ctx context.Context, artifactID int64) (string, error)
}

// StateMachine coordinates reviewer decisions against the store. Safe for
// concurrent use; races between reviewers are resolved by the store's
// conditional writes.
type StateMachine struct {
	store     store.Store
	transport Transport
	sessions  *EditSessions
	publisher Publisher
	log       *logrus.Logger
}

func New(st store.Store, transport Transport, sessions *EditSessions, publisher Publisher, log *logrus.Logger) *StateMachine {
	return &StateMachine{
		store:     st,
		transport: transport,
		sessions:  sessions,
		publisher: publisher,
		log:       log,
	}
}

// SubmitForApproval delivers the review prompt for a pending or edited
// artifact. Tenants without a linked chat simply accumulate pending
// artifacts for web review.
func (m *StateMachine) SubmitForApproval(ctx context.Context, artifactID int64) error {
	a, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if a.Status != store.StatusPending && a.Status != store.StatusEdited {
		return fmt.Errorf("artifact %d is %s: %w", artifactID, a.Status, ErrInvalidTransition)
	}

	tenant, err := m.store.GetTenant(ctx, a.TenantID)
	if err != nil {
		return err
	}
	if tenant.TelegramChatID == 0 {
		m.log.WithField("artifact_id", artifactID).Debug("no chat linked, artifact awaits web review")
		return nil
	}

	handle, err := m.transport.SendPrompt(ctx, tenant.TelegramChatID, a.ID, a.Content, a.Topic)
	if err != nil {
		return fmt.Errorf("send approval prompt for artifact %d: %w", artifactID, err)
	}
	if err := m.store.SetArtifactMessageHandle(ctx, a.ID, handle); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"artifact_id": a.ID,
		"chat_id":     tenant.TelegramChatID,
	}).Info("approval prompt sent")
	return nil
}

// Approve moves an artifact to approved and attempts to publish it. If
// publishing fails the artifact stays approved so a later retry can pick
// it up; the reviewer prompt is updated either way.
func (m *StateMachine) Approve(ctx context.Context, artifactID int64) error {
	ok, err := m.store.TransitionArtifact(ctx, artifactID,
		[]store.ArtifactStatus{store.StatusPending, store.StatusEdited},
		store.StatusApproved, store.ArtifactUpdate{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("approve artifact %d: %w", artifactID, ErrInvalidTransition)
	}

	a, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}

	postID, pubErr := m.publisher.PublishArtifact(ctx, artifactID)
	if pubErr != nil {
		m.log.WithError(pubErr).WithField("artifact_id", artifactID).Error("publish failed, artifact stays approved")
		m.updatePrompt(ctx, a.MessageHandle,
			fmt.Sprintf("APPROVED but posting failed, will retry\n\n%s", a.Content))
		return fmt.Errorf("publish artifact %d: %w", artifactID, pubErr)
	}

	ok, err = m.store.TransitionArtifact(ctx, artifactID,
		[]store.ArtifactStatus{store.StatusApproved},
		store.StatusPosted, store.ArtifactUpdate{PostedPostID: &postID})
	if err != nil {
		return err
	}
	if !ok {
		// Published but someone moved the row meanwhile. Log loudly; the
		// external post exists regardless.
		m.log.WithFields(logrus.Fields{
			"artifact_id": artifactID,
			"post_id":     postID,
		}).Warn("posted externally but artifact left approved state concurrently")
	}

	m.updatePrompt(ctx, a.MessageHandle, fmt.Sprintf("POSTED (id %s)\n\n%s", postID, a.Content))
	m.log.WithFields(logrus.Fields{
		"artifact_id": artifactID,
		"post_id":     postID,
	}).Info("artifact posted")
	return nil
}

// Reject moves a pending or edited artifact to rejected. Rejecting an
// already rejected artifact is a no-op; any other state fails. Approved
// artifacts are not rejectable, a publish may already be in flight.
func (m *StateMachine) Reject(ctx context.Context, artifactID int64) error {
	ok, err := m.store.TransitionArtifact(ctx, artifactID,
		[]store.ArtifactStatus{store.StatusPending, store.StatusEdited},
		store.StatusRejected, store.ArtifactUpdate{})
	if err != nil {
		return err
	}
	if !ok {
		a, err := m.store.GetArtifact(ctx, artifactID)
		if err != nil {
			return err
		}
		if a.Status == store.StatusRejected {
			return nil
		}
		return fmt.Errorf("reject artifact %d in state %s: %w", artifactID, a.Status, ErrInvalidTransition)
	}

	a, err := m.store.GetArtifact(ctx, artifactID)
	if err == nil {
		m.updatePrompt(ctx, a.MessageHandle, fmt.Sprintf("REJECTED\n\n%s", a.Content))
	}
	m.log.WithField("artifact_id", artifactID).Info("artifact rejected")
	return nil
}

// RequestEdit opens an edit session binding the chat key to the artifact.
// The artifact must still be reviewable.
func (m *StateMachine) RequestEdit(ctx context.Context, chatKey string, artifactID int64) error {
	a, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if a.Status != store.StatusPending && a.Status != store.StatusEdited {
		return fmt.Errorf("edit artifact %d in state %s: %w", artifactID, a.Status, ErrInvalidTransition)
	}

	m.sessions.Set(chatKey, artifactID)
	return nil
}

// SubmitEditText applies free text to whatever artifact the chat key is
// editing. Returns (nil, nil) when no session is open, so plain chatter
// is ignored. Over-length text keeps the session open.
func (m *StateMachine) SubmitEditText(ctx context.Context, chatKey, text string) (*store.Artifact, error) {
	artifactID, ok := m.sessions.Get(chatKey)
	if !ok {
		return nil, nil
	}

	if n := len([]rune(text)); n > pipeline.MaxPostLength {
		return nil, fmt.Errorf("%d characters, limit %d: %w", n, pipeline.MaxPostLength, ErrEditTooLong)
	}

	applied, err := m.store.TransitionArtifact(ctx, artifactID,
		[]store.ArtifactStatus{store.StatusPending, store.StatusEdited},
		store.StatusEdited, store.ArtifactUpdate{Content: &text})
	if err != nil {
		return nil, err
	}
	m.sessions.Delete(chatKey)
	if !applied {
		return nil, fmt.Errorf("edit artifact %d: %w", artifactID, ErrInvalidTransition)
	}

	a, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	if err := m.SubmitForApproval(ctx, artifactID); err != nil {
		m.log.WithError(err).WithField("artifact_id", artifactID).Warn("re-prompt after edit failed")
	}
	return a, nil
}

// Regenerate rejects the artifact and reports which topic it belonged to
// so the caller can kick off a fresh generation for it.
func (m *StateMachine) Regenerate(ctx context.Context, artifactID int64) (string, error) {
	a, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}

	ok, err := m.store.TransitionArtifact(ctx, artifactID,
		[]store.ArtifactStatus{store.StatusPending, store.StatusEdited},
		store.StatusRejected, store.ArtifactUpdate{})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("regenerate artifact %d in state %s: %w", artifactID, a.Status, ErrInvalidTransition)
	}

	m.updatePrompt(ctx, a.MessageHandle, fmt.Sprintf("DISCARDED, run /generate for fresh candidates\n\n%s", a.Content))
	return a.Topic, nil
}

func (m *StateMachine) updatePrompt(ctx context.Context, handle, text string) {
	if handle == "" {
		return
	}
	if err := m.transport.UpdatePrompt(ctx, handle, text); err != nil {
		m.log.WithError(err).Warn("update approval prompt failed")
	}
}
