package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/service"
	"github.com/agentmesh/agentmesh/pkg/jwk"
)

// AgentHandler serves agent lifecycle, credential issuance and
// per-agent audit trails.
type AgentHandler struct {
	registry *service.AgentRegistry
	audit    *service.AuditService
	log      *zap.Logger
}

func NewAgentHandler(registry *service.AgentRegistry, audit *service.AuditService, log *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: registry, audit: audit, log: log}
}

// Register mounts the agent and credential routes.
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	agents := rg.Group("/agents")
	agents.POST("", h.Create)
	agents.GET("", h.List)
	agents.GET("/:did", h.Get)
	agents.GET("/:did/audit", h.AuditTrail)
	agents.POST("/:did/revoke", h.Revoke)
	agents.POST("/:did/suspend", h.Suspend)
	agents.POST("/:did/reinstate", h.Reinstate)
	agents.POST("/:did/credentials", h.IssueCredential)

	credentials := rg.Group("/credentials")
	credentials.POST("/:id/rotate", h.RotateCredential)
	credentials.DELETE("/:id", h.RevokeCredential)
}

type registerAgentRequest struct {
	Name         string            `json:"name"`
	Organization string            `json:"organization"`
	SponsorEmail string            `json:"sponsor_email"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     string            `json:"endpoint"`
	Metadata     map[string]string `json:"metadata"`
}

// Create registers a new agent. The Ed25519 private key appears only in
// this response; the registry keeps the public half.
func (h *AgentHandler) Create(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	id, priv, err := h.registry.Register(c.Request.Context(), identity.RegistrationParams{
		Name:         req.Name,
		Organization: req.Organization,
		SponsorEmail: req.SponsorEmail,
		Capabilities: req.Capabilities,
		Endpoint:     req.Endpoint,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"agent":       id,
		"private_key": jwk.FromPrivate(priv, id.DID.String()),
	})
}

// List returns agents matching the optional status, organization and
// capability query filters.
func (h *AgentHandler) List(c *gin.Context) {
	f := identity.Filter{
		Status:       identity.Status(c.Query("status")),
		Organization: c.Query("organization"),
		Capability:   c.Query("capability"),
	}
	agents := h.registry.List(c.Request.Context(), f)
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (h *AgentHandler) Get(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	id, err := h.registry.Get(c.Request.Context(), d)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, id)
}

// AuditTrail returns the agent's journal entries, newest last. limit=0
// means all.
func (h *AgentHandler) AuditTrail(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	limit, ok := queryCount(c, "limit", "0", 0)
	if !ok {
		return
	}
	entries := h.audit.ForAgent(d, limit)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type revokeAgentRequest struct {
	Reason    string `json:"reason"`
	RevokedBy string `json:"revoked_by"`
}

// Revoke cuts the agent off: the identity is revoked, its credentials
// die and its delegations are dropped.
func (h *AgentHandler) Revoke(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	var req revokeAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	rev, err := h.registry.Revoke(c.Request.Context(), d, req.Reason, req.RevokedBy)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (h *AgentHandler) Suspend(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	if err := h.registry.Suspend(c.Request.Context(), d); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"did": d, "status": identity.StatusSuspended})
}

type reinstateRequest struct {
	Attestation string `json:"attestation"`
}

// Reinstate lifts a revocation after the admin attestation checks out
// and the score has recovered past the re-entry threshold.
func (h *AgentHandler) Reinstate(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	var req reinstateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := h.registry.Reinstate(c.Request.Context(), d, req.Attestation); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"did": d, "status": identity.StatusActive})
}

type issueCredentialRequest struct {
	// Pointer distinguishes an omitted ttl_seconds (default lifetime)
	// from an explicit zero (expires at issue).
	TTLSeconds *int     `json:"ttl_seconds"`
	Scopes     []string `json:"scopes"`
}

// IssueCredential mints a bearer credential for the agent. Omitting
// ttl_seconds selects the default lifetime; an explicit zero mints an
// already-expired credential. Scopes must be a subset of the agent's
// capabilities.
func (h *AgentHandler) IssueCredential(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	var req issueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ttl := h.registry.DefaultCredentialTTL()
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must not be negative"})
			return
		}
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}
	cred, err := h.registry.IssueCredential(c.Request.Context(), d, ttl, req.Scopes)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

// RotateCredential issues a successor and then revokes the old
// credential, so there is no gap without a live token.
func (h *AgentHandler) RotateCredential(c *gin.Context) {
	cred, err := h.registry.RotateCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (h *AgentHandler) RevokeCredential(c *gin.Context) {
	if err := h.registry.RevokeCredential(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
