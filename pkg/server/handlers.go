package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/approval"
	"github.com/postpilot/postpilot/pkg/orchestrator"
	"github.com/postpilot/postpilot/pkg/pipeline"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.log.WithError(err).Error("hash password failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	tenant := &store.Tenant{
		Email:        req.Email,
		PasswordHash: string(hash),
		Active:       true,
	}
	id, err := s.store.CreateTenant(c.Request.Context(), tenant)
	if errors.Is(err, store.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("create tenant failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	token, err := s.issueToken(id)
	if err != nil {
		s.log.WithError(err).Error("issue token failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "tenant_id": id})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := s.store.GetTenantByEmail(c.Request.Context(), req.Email)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(tenant.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.issueToken(tenant.ID)
	if err != nil {
		s.log.WithError(err).Error("issue token failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "tenant_id": tenant.ID})
}

func (s *Server) handleMe(c *gin.Context) {
	tenant, err := s.store.GetTenant(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// settingsView masks stored secrets down to configured/not-configured.
type settingsView struct {
	RedditConfigured   bool  `json:"reddit_configured"`
	TwitterConfigured  bool  `json:"twitter_configured"`
	SynthesisKeySet    bool  `json:"synthesis_key_set"`
	TelegramChatLinked bool  `json:"telegram_chat_linked"`
	TelegramChatID     int64 `json:"telegram_chat_id,omitempty"`
}

func (s *Server) handleGetSettings(c *gin.Context) {
	tenant, err := s.store.GetTenant(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	c.JSON(http.StatusOK, settingsView{
		RedditConfigured:   tenant.HasRedditCredentials(),
		TwitterConfigured:  tenant.HasTwitterCredentials(),
		SynthesisKeySet:    tenant.AnthropicAPIKey != "",
		TelegramChatLinked: tenant.TelegramChatID != 0,
		TelegramChatID:     tenant.TelegramChatID,
	})
}

type settingsRequest struct {
	RedditClientID           *string `json:"reddit_client_id"`
	RedditClientSecret       *string `json:"reddit_client_secret"`
	TwitterAPIKey            *string `json:"twitter_api_key"`
	TwitterAPISecret         *string `json:"twitter_api_secret"`
	TwitterAccessToken       *string `json:"twitter_access_token"`
	TwitterAccessTokenSecret *string `json:"twitter_access_token_secret"`
	AnthropicAPIKey          *string `json:"anthropic_api_key"`
	TelegramChatID           *int64  `json:"telegram_chat_id"`
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	upd := store.CredentialUpdate{
		RedditClientID:           req.RedditClientID,
		RedditClientSecret:       req.RedditClientSecret,
		TwitterAPIKey:            req.TwitterAPIKey,
		TwitterAPISecret:         req.TwitterAPISecret,
		TwitterAccessToken:       req.TwitterAccessToken,
		TwitterAccessTokenSecret: req.TwitterAccessTokenSecret,
		AnthropicAPIKey:          req.AnthropicAPIKey,
		TelegramChatID:           req.TelegramChatID,
	}
	if err := s.store.UpdateTenantCredentials(c.Request.Context(), tenantID(c), upd); err != nil {
		s.log.WithError(err).Error("update settings failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	s.handleGetSettings(c)
}

func (s *Server) handleListTopics(c *gin.Context) {
	tenant, err := s.store.GetTenant(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": tenant.Topics})
}

type topicRequest struct {
	Name     string   `json:"name" binding:"required"`
	Sources  []string `json:"subreddits" binding:"required,min=1"`
	Tone     string   `json:"tone"`
	Hashtags []string `json:"hashtags"`
}

func (s *Server) handleAddTopic(c *gin.Context) {
	var req topicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	topic := store.Topic{
		Name:     req.Name,
		Sources:  req.Sources,
		Tone:     req.Tone,
		Hashtags: req.Hashtags,
	}
	err := s.store.AddTopic(c.Request.Context(), tenantID(c), topic)
	if errors.Is(err, store.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "topic already exists"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("add topic failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": topic.Name})
}

func (s *Server) handleRemoveTopic(c *gin.Context) {
	err := s.store.RemoveTopic(c.Request.Context(), tenantID(c), c.Param("name"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "topic not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("remove topic failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("name")})
}

// handleScrape kicks the tenant's pipeline off in the background and
// returns immediately; progress is polled via /scrape/status.
func (s *Server) handleScrape(c *gin.Context) {
	id := tenantID(c)
	st, ok := s.jobs.start(id)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		created, err := s.orch.RunPipelineForTenant(ctx, id, "")
		s.jobs.finish(st, created, err)
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) handleScrapeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.jobs.get(tenantID(c)))
}

type generateRequest struct {
	Topic string `json:"topic"`
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req generateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	created, err := s.orch.RunPipelineForTenant(c.Request.Context(), tenantID(c), req.Topic)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, orchestrator.ErrCredentialsMissing) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("generate failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts_created": created})
}

func (s *Server) handlePendingPosts(c *gin.Context) {
	posts, err := s.store.PendingArtifacts(c.Request.Context(), tenantID(c))
	if err != nil {
		s.log.WithError(err).Error("pending query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

func (s *Server) handlePostHistory(c *gin.Context) {
	posts, err := s.store.ArtifactHistory(c.Request.Context(), tenantID(c), 50)
	if err != nil {
		s.log.WithError(err).Error("history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

func (s *Server) handleApprove(c *gin.Context) {
	a, ok := s.artifactForTenant(c)
	if !ok {
		return
	}

	err := s.sm.Approve(c.Request.Context(), a.ID)
	if errors.Is(err, approval.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": "post already handled"})
		return
	}
	if errors.Is(err, pipeline.ErrPublishFailed) || errors.Is(err, orchestrator.ErrCredentialsMissing) {
		// approved but not posted; a retry can publish later
		c.JSON(http.StatusOK, gin.H{"status": store.StatusApproved, "posted": false, "error": err.Error()})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("approve failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": store.StatusPosted, "posted": true})
}

func (s *Server) handleReject(c *gin.Context) {
	a, ok := s.artifactForTenant(c)
	if !ok {
		return
	}

	err := s.sm.Reject(c.Request.Context(), a.ID)
	if errors.Is(err, approval.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": "post already handled"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("reject failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": store.StatusRejected})
}

type editRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleEdit(c *gin.Context) {
	a, ok := s.artifactForTenant(c)
	if !ok {
		return
	}

	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := webKey(tenantID(c))
	if err := s.sm.RequestEdit(c.Request.Context(), key, a.ID); err != nil {
		if errors.Is(err, approval.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "post already handled"})
			return
		}
		s.log.WithError(err).Error("edit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	updated, err := s.sm.SubmitEditText(c.Request.Context(), key, req.Content)
	if errors.Is(err, approval.ErrEditTooLong) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, approval.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": "post already handled"})
		return
	}
	if err != nil || updated == nil {
		s.log.WithError(err).Error("edit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDashboard(c *gin.Context) {
	id := tenantID(c)
	ctx := c.Request.Context()

	tenant, err := s.store.GetTenant(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	counts, err := s.store.CountArtifacts(ctx, id)
	if err != nil {
		s.log.WithError(err).Error("dashboard counts failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	runs, err := s.store.RecentRuns(ctx, 10)
	if err != nil {
		s.log.WithError(err).Error("dashboard runs failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"topics":      len(tenant.Topics),
		"counts":      counts,
		"recent_runs": runs,
	})
}

func webKey(tenantID int64) string {
	return "web:" + strconv.FormatInt(tenantID, 10)
}
