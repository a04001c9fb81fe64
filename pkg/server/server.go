// Package server exposes the HTTP API: account management, settings,
// topics, pipeline runs and post review.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/approval"
	"github.com/postpilot/postpilot/pkg/orchestrator"
)

// Server wires the HTTP routes over the store, approval state machine and
// orchestrator.
type Server struct {
	store     store.Store
	sm        *approval.StateMachine
	orch      *orchestrator.Orchestrator
	jwtSecret []byte
	tokenTTL  time.Duration
	log       *logrus.Logger

	jobs jobTracker
}

func New(st store.Store, sm *approval.StateMachine, orch *orchestrator.Orchestrator, jwtSecret string, tokenTTL time.Duration, log *logrus.Logger) *Server {
	if tokenTTL <= 0 {
		tokenTTL = 72 * time.Hour
	}
	return &Server{
		store:     st,
		sm:        sm,
		orch:      orch,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		log:       log,
		jobs:      jobTracker{states: make(map[int64]*jobState)},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)

	auth := api.Group("")
	auth.Use(s.authMiddleware())
	auth.GET("/me", s.handleMe)
	auth.GET("/settings", s.handleGetSettings)
	auth.PUT("/settings", s.handleUpdateSettings)
	auth.GET("/topics", s.handleListTopics)
	auth.POST("/topics", s.handleAddTopic)
	auth.DELETE("/topics/:name", s.handleRemoveTopic)
	auth.POST("/scrape", s.handleScrape)
	auth.GET("/scrape/status", s.handleScrapeStatus)
	auth.POST("/generate", s.handleGenerate)
	auth.GET("/posts/pending", s.handlePendingPosts)
	auth.GET("/posts/history", s.handlePostHistory)
	auth.POST("/posts/:id/approve", s.handleApprove)
	auth.POST("/posts/:id/reject", s.handleReject)
	auth.POST("/posts/:id/edit", s.handleEdit)
	auth.GET("/dashboard", s.handleDashboard)

	return r
}

const tenantIDKey = "tenant_id"

// issueToken signs a bearer token for the tenant.
func (s *Server) issueToken(tenantID int64) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(tenantID, 10),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		raw := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims := token.Claims.(*jwt.RegisteredClaims)
		tenantID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(tenantIDKey, tenantID)
		c.Next()
	}
}

func tenantID(c *gin.Context) int64 {
	return c.GetInt64(tenantIDKey)
}

// artifactForTenant loads the artifact and enforces ownership.
func (s *Server) artifactForTenant(c *gin.Context) (*store.Artifact, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return nil, false
	}

	a, err := s.store.GetArtifact(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return nil, false
	}
	if err != nil {
		s.log.WithError(err).Error("load post failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	if a.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return nil, false
	}
	return a, true
}

// jobTracker remembers the latest background scrape per tenant.
type jobTracker struct {
	mu     sync.Mutex
	states map[int64]*jobState
}

type jobState struct {
	Running    bool   `json:"running"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
	Created    int    `json:"posts_created"`
}

func (j *jobTracker) start(tenantID int64) (*jobState, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if st, ok := j.states[tenantID]; ok && st.Running {
		return nil, false
	}
	st := &jobState{Running: true, StartedAt: time.Now().UTC().Format(time.RFC3339)}
	j.states[tenantID] = st
	return st, true
}

func (j *jobTracker) finish(st *jobState, created int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	st.Running = false
	st.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	st.Created = created
	if err != nil {
		st.Error = err.Error()
	}
}

func (j *jobTracker) get(tenantID int64) *jobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, ok := j.states[tenantID]
	if !ok {
		return &jobState{}
	}
	copied := *st
	return &copied
}
