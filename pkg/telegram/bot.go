package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/approval"
	"github.com/postpilot/postpilot/pkg/orchestrator"
	"github.com/postpilot/postpilot/pkg/pipeline"
)

// Bot runs the reviewer command loop over long polling. Review decisions
// go through the approval state machine; pipeline commands go through the
// orchestrator.
type Bot struct {
	client *Client
	store  store.Store
	sm     *approval.StateMachine
	orch   *orchestrator.Orchestrator
	log    *logrus.Logger
}

func NewBot(client *Client, st store.Store, sm *approval.StateMachine, orch *orchestrator.Orchestrator, log *logrus.Logger) *Bot {
	return &Bot{client: client, store: st, sm: sm, orch: orch, log: log}
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := b.client.GetUpdates(ctx, offset, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.WithError(err).Warn("poll updates failed")
			time.Sleep(5 * time.Second)
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u Update) {
	switch {
	case u.Callback != nil:
		b.handleCallback(ctx, u.Callback)
	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		b.handleCommand(ctx, u.Message)
	case u.Message != nil:
		b.handleText(ctx, u.Message)
	}
}

// chatKey scopes edit sessions to this surface.
func chatKey(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

func (b *Bot) handleCallback(ctx context.Context, cb *CallbackQuery) {
	action, artifactID, err := parseCallbackData(cb.Data)
	if err != nil {
		b.log.WithError(err).Warn("bad callback data")
		b.client.AnswerCallback(ctx, cb.ID, "")
		return
	}

	chatID := int64(0)
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}

	var ack string
	switch action {
	case "approve":
		err = b.sm.Approve(ctx, artifactID)
		ack = "Posting"
	case "reject":
		err = b.sm.Reject(ctx, artifactID)
		ack = "Rejected"
	case "edit":
		err = b.sm.RequestEdit(ctx, chatKey(chatID), artifactID)
		ack = "Send the replacement text"
		if err == nil && chatID != 0 {
			b.client.SendText(ctx, chatID, "Send the new text for this post (280 characters max).")
		}
	case "regen":
		// discard only; the reviewer runs /generate for a replacement
		_, err = b.sm.Regenerate(ctx, artifactID)
		ack = "Discarded"
		if err == nil && chatID != 0 {
			b.client.SendText(ctx, chatID, "Discarded. Run /generate to get fresh candidates.")
		}
	default:
		b.client.AnswerCallback(ctx, cb.ID, "")
		return
	}

	switch {
	case errors.Is(err, approval.ErrInvalidTransition):
		ack = "Already handled"
	case err != nil:
		b.log.WithError(err).WithFields(logrus.Fields{
			"action":      action,
			"artifact_id": artifactID,
		}).Error("callback action failed")
		ack = "Something went wrong, check /pending"
	}
	b.client.AnswerCallback(ctx, cb.ID, ack)
}

func (b *Bot) handleText(ctx context.Context, msg *Message) {
	a, err := b.sm.SubmitEditText(ctx, chatKey(msg.Chat.ID), msg.Text)
	if errors.Is(err, approval.ErrEditTooLong) {
		b.client.SendText(ctx, msg.Chat.ID,
			fmt.Sprintf("Too long (%d characters). Please send %d or fewer.",
				len([]rune(msg.Text)), pipeline.MaxPostLength))
		return
	}
	if err != nil {
		b.log.WithError(err).Warn("apply edit failed")
		b.client.SendText(ctx, msg.Chat.ID, "Could not apply the edit, the post may already be handled.")
		return
	}
	if a == nil {
		// no edit in progress; ignore chatter
		return
	}

	b.client.SendText(ctx, msg.Chat.ID, "Updated. Review the new version above.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *Message) {
	cmd, args := splitCommand(msg.Text)
	chatID := msg.Chat.ID

	switch cmd {
	case "/start", "/help":
		b.client.SendText(ctx, chatID, helpText)
	case "/setup":
		b.cmdSetup(ctx, chatID)
	case "/addtopic":
		b.cmdAddTopic(ctx, chatID, args)
	case "/removetopic":
		b.cmdRemoveTopic(ctx, chatID, args)
	case "/listtopics":
		b.cmdListTopics(ctx, chatID)
	case "/status":
		b.cmdStatus(ctx, chatID)
	case "/generate":
		b.cmdGenerate(ctx, chatID, args)
	case "/pending":
		b.cmdPending(ctx, chatID)
	default:
		b.client.SendText(ctx, chatID, "Unknown command. Try /help.")
	}
}

const helpText = `Commands:
/setup - link this chat to an account
/addtopic <name> <source>... - track a topic
/removetopic <name> - stop tracking a topic
/listtopics - show tracked topics
/status - account and run summary
/generate [topic] - run the pipeline now
/pending - re-send posts awaiting review
/help - this message`

func (b *Bot) cmdSetup(ctx context.Context, chatID int64) {
	if _, err := b.store.GetTenantByChatID(ctx, chatID); err == nil {
		b.client.SendText(ctx, chatID, "This chat is already linked.")
		return
	}

	tenant := &store.Tenant{
		Email:          fmt.Sprintf("tg-%d@local", chatID),
		TelegramChatID: chatID,
		Active:         true,
	}
	if _, err := b.store.CreateTenant(ctx, tenant); err != nil {
		b.log.WithError(err).Error("setup failed")
		b.client.SendText(ctx, chatID, "Setup failed, try again.")
		return
	}
	b.client.SendText(ctx, chatID, "Linked. Add a topic with /addtopic <name> <source>...")
}

func (b *Bot) tenantFor(ctx context.Context, chatID int64) (*store.Tenant, bool) {
	tenant, err := b.store.GetTenantByChatID(ctx, chatID)
	if err != nil {
		b.client.SendText(ctx, chatID, "This chat is not linked yet. Run /setup first.")
		return nil, false
	}
	return tenant, true
}

func (b *Bot) cmdAddTopic(ctx context.Context, chatID int64, args []string) {
	tenant, ok := b.tenantFor(ctx, chatID)
	if !ok {
		return
	}
	if len(args) < 2 {
		b.client.SendText(ctx, chatID, "Usage: /addtopic <name> <source>...")
		return
	}

	topic := store.Topic{Name: args[0], Sources: args[1:]}
	err := b.store.AddTopic(ctx, tenant.ID, topic)
	if errors.Is(err, store.ErrAlreadyExists) {
		b.client.SendText(ctx, chatID, fmt.Sprintf("Topic %q already exists.", topic.Name))
		return
	}
	if err != nil {
		b.log.WithError(err).Error("add topic failed")
		b.client.SendText(ctx, chatID, "Could not add the topic.")
		return
	}
	b.client.SendText(ctx, chatID, fmt.Sprintf("Tracking %q across %d source(s).", topic.Name, len(topic.Sources)))
}

func (b *Bot) cmdRemoveTopic(ctx context.Context, chatID int64, args []string) {
	tenant, ok := b.tenantFor(ctx, chatID)
	if !ok {
		return
	}
	if len(args) != 1 {
		b.client.SendText(ctx, chatID, "Usage: /removetopic <name>")
		return
	}

	err := b.store.RemoveTopic(ctx, tenant.ID, args[0])
	if errors.Is(err, store.ErrNotFound) {
		b.client.SendText(ctx, chatID, fmt.Sprintf("No topic named %q.", args[0]))
		return
	}
	if err != nil {
		b.log.WithError(err).Error("remove topic failed")
		b.client.SendText(ctx, chatID, "Could not remove the topic.")
		return
	}
	b.client.SendText(ctx, chatID, fmt.Sprintf("Stopped tracking %q.", args[0]))
}

func (b *Bot) cmdListTopics(ctx context.Context, chatID int64) {
	tenant, ok := b.tenantFor(ctx, chatID)
	if !ok {
		return
	}
	if len(tenant.Topics) == 0 {
		b.client.SendText(ctx, chatID, "No topics yet. Add one with /addtopic.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Tracked topics:\n")
	for _, t := range tenant.Topics {
		fmt.Fprintf(&sb, "- %s (%s) sources: %s\n", t.Name, t.Tone, strings.Join(t.Sources, ", "))
	}
	b.client.SendText(ctx, chatID, sb.String())
}

func (b *Bot) cmdStatus(ctx context.Context, chatID int64) {
	tenant, ok := b.tenantFor(ctx, chatID)
	if !ok {
		return
	}

	counts, err := b.store.CountArtifacts(ctx, tenant.ID)
	if err != nil {
		b.log.WithError(err).Error("status query failed")
		b.client.SendText(ctx, chatID, "Could not load status.")
		return
	}

	runs, _ := b.store.RecentRuns(ctx, 1)
	lastRun := "never"
	if len(runs) > 0 {
		lastRun = fmt.Sprintf("%s %s at %s", runs[0].RunType, runs[0].Status,
			runs[0].FinishedAt.Format("2006-01-02 15:04 MST"))
	}

	b.client.SendText(ctx, chatID, fmt.Sprintf(
		"Topics: %d\nPending review: %d\nPosted: %d\nTotal generated: %d\nLast run: %s",
		len(tenant.Topics), counts.Pending, counts.Posted, counts.Total, lastRun))
}

func (b *Bot) cmdGenerate(ctx context.Context, chatID int64, args []string) {
	tenant, ok := b.tenantFor(ctx, chatID)
	if !ok {
		return
	}

	topicName := ""
	if len(args) > 0 {
		topicName = args[0]
	}

	b.client.SendText(ctx, chatID, "Running the pipeline, new posts arrive here for review.")
	created, err := b.orch.RunPipelineForTenant(ctx, tenant.ID, topicName)
	if err != nil {
		b.log.WithError(err).Error("on-demand pipeline failed")
		b.client.SendText(ctx, chatID, fmt.Sprintf("Pipeline run failed: %v", err))
		return
	}
	if created == 0 {
		b.client.SendText(ctx, chatID, "No candidates produced. Check sources and credentials.")
	}
}

func (b *Bot) cmdPending(ctx context.Context, chatID int64) {
	tenant, ok := b.tenantFor(ctx, chatID)
	if !ok {
		return
	}

	pending, err := b.store.PendingArtifacts(ctx, tenant.ID)
	if err != nil {
		b.log.WithError(err).Error("pending query failed")
		b.client.SendText(ctx, chatID, "Could not load pending posts.")
		return
	}
	if len(pending) == 0 {
		b.client.SendText(ctx, chatID, "Nothing awaiting review.")
		return
	}

	for _, a := range pending {
		if err := b.sm.SubmitForApproval(ctx, a.ID); err != nil {
			b.log.WithError(err).WithField("artifact_id", a.ID).Warn("re-send prompt failed")
		}
	}
}

func parseCallbackData(data string) (string, int64, error) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed callback data %q", data)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed callback data %q", data)
	}
	return parts[0], id, nil
}

func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := fields[0]
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:]
}
