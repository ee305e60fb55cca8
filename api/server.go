// Package api exposes the orchestration core over a Runway-compatible REST
// surface: generation submission, task polling/cancellation, account queries,
// and the internal worker-facing endpoints.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	opensway "github.com/opensway/opensway-go"
)

// ServerConfig defines the configuration for the HTTP layer.
type ServerConfig struct {
	// AdminSecret guards key issuance. Empty disables the admin endpoints.
	AdminSecret string
	// Logger is used for request-path warnings.
	Logger opensway.Logger
}

// Server routes HTTP traffic into the engine. Submission never blocks for
// completion: every generation request returns {id, status} immediately.
type Server struct {
	engine  *opensway.Engine
	ledger  opensway.AccountCreator
	keyring *Keyring
	cfg     ServerConfig
	log     opensway.Logger
}

// NewServer wires the HTTP layer. ledger may be nil when key issuance is
// handled out of band.
func NewServer(engine *opensway.Engine, ledger opensway.AccountCreator, keyring *Keyring, cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = opensway.NewFmtLogger()
	}
	return &Server{engine: engine, ledger: ledger, keyring: keyring, cfg: cfg, log: log}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "opensway"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Client surface, one POST per generation operation.
	auth := r.Group("/v1", s.requireAuth)
	for name := range opensway.Operations {
		auth.POST("/"+name, s.handleGenerate(name))
	}
	auth.GET("/tasks/:id", s.handleGetTask)
	auth.DELETE("/tasks/:id", s.handleCancelTask)
	auth.GET("/organization", s.handleOrganization)

	// Worker surface. Deployed behind the cluster boundary; inference
	// backends are trusted.
	w := r.Group("/v1/workers")
	w.POST("/claim", s.handleClaim)
	w.POST("/heartbeat", s.handleHeartbeat)
	r.POST("/v1/tasks/:id/progress", s.handleProgress)
	r.POST("/v1/tasks/:id/success", s.handleSuccess)
	r.POST("/v1/tasks/:id/failure", s.handleFailure)

	if s.cfg.AdminSecret != "" {
		r.POST("/v1/admin/keys", s.handleCreateKey)
	}
	return r
}

func (s *Server) handleGenerate(operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req opensway.GenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := s.engine.Submit(c.Request.Context(), principalOf(c), operation, &req)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, t.Snapshot())
	}
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.taskForPrincipal(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if _, err := s.taskForPrincipal(c); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// taskForPrincipal enforces per-key task visibility: a principal sees only
// its own tasks, and foreign ids read as not found.
func (s *Server) taskForPrincipal(c *gin.Context) (*opensway.Task, error) {
	t, err := s.engine.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if t.PrincipalID != principalOf(c) {
		return nil, opensway.ErrTaskNotFound
	}
	return t, nil
}

func (s *Server) handleOrganization(c *gin.Context) {
	info, err := s.engine.Account(c.Request.Context(), principalOf(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"creditBalance": info.Balance - info.Reserved,
		"tier": gin.H{
			"maxMonthlyCreditSpend": info.MonthlyCeiling,
			"monthlyCreditSpend":    info.MonthSpend,
		},
	})
}

// ── Worker-facing handlers ──────────────────────────────────────────────────

type claimRequest struct {
	Queue    string `json:"queue" binding:"required"`
	WorkerID string `json:"workerId" binding:"required"`
}

func (s *Server) handleClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	queue, err := opensway.ParseCategory(req.Queue)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.engine.Claim(c.Request.Context(), queue, req.WorkerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, job)
}

type heartbeatRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.Heartbeat(req.WorkerID)
	c.Status(http.StatusNoContent)
}

type progressRequest struct {
	Progress float64 `json:"progress"`
}

func (s *Server) handleProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cancelled, err := s.engine.ReportProgress(c.Request.Context(), c.Param("id"), req.Progress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelRequested": cancelled})
}

type successRequest struct {
	Output []string `json:"output" binding:"required"`
}

func (s *Server) handleSuccess(c *gin.Context) {
	var req successRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.ReportSuccess(c.Request.Context(), c.Param("id"), req.Output); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type failureRequest struct {
	Error string `json:"error" binding:"required"`
}

func (s *Server) handleFailure(c *gin.Context) {
	var req failureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.ReportFailure(c.Request.Context(), c.Param("id"), req.Error); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ── Admin ───────────────────────────────────────────────────────────────────

type createKeyRequest struct {
	Name           string `json:"name"`
	CreditBalance  int64  `json:"creditBalance"`
	MonthlyCeiling int64  `json:"maxMonthlyCreditSpend"`
	AdminSecret    string `json:"adminSecret"`
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AdminSecret != s.cfg.AdminSecret {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if req.CreditBalance <= 0 {
		req.CreditBalance = 10000
	}
	if req.MonthlyCeiling <= 0 {
		req.MonthlyCeiling = 100000
	}
	principal := uuid.NewString()
	raw := GenerateKey()
	if s.ledger != nil {
		if err := s.ledger.CreateAccount(c.Request.Context(), principal, req.CreditBalance, req.MonthlyCeiling); err != nil {
			s.writeError(c, err)
			return
		}
	}
	s.keyring.Add(raw, principal)
	c.JSON(http.StatusOK, gin.H{
		"key":           raw,
		"id":            principal,
		"name":          req.Name,
		"creditBalance": req.CreditBalance,
	})
}

// writeError maps core errors onto the upstream-compatible status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, opensway.ErrInvalidInput):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, opensway.ErrInsufficientCredit):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "You do not have enough credits to run this task."})
	case errors.Is(err, opensway.ErrTaskNotFound), errors.Is(err, opensway.ErrUnknownOperation):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, opensway.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
	case errors.Is(err, opensway.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Errorf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
