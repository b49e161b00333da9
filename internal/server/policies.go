package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/service"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// PolicyHandler loads, lists and evaluates policy documents.
type PolicyHandler struct {
	engine *policy.Engine
	audit  *service.AuditService
	log    *zap.Logger
}

func NewPolicyHandler(engine *policy.Engine, audit *service.AuditService, log *zap.Logger) *PolicyHandler {
	return &PolicyHandler{engine: engine, audit: audit, log: log}
}

// Register mounts the policy routes.
func (h *PolicyHandler) Register(rg *gin.RouterGroup) {
	pol := rg.Group("/policies")
	pol.POST("", h.Upload)
	pol.GET("", h.List)
	pol.DELETE("/:name", h.Remove)
	pol.POST("/evaluate", h.Evaluate)
}

// Upload loads a raw YAML policy document into the engine.
func (h *PolicyHandler) Upload(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	p, err := h.engine.LoadYAML(data)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"policy": p.Name, "rules": len(p.Rules)})
}

func (h *PolicyHandler) List(c *gin.Context) {
	names := h.engine.PolicyNames()
	c.JSON(http.StatusOK, gin.H{"policies": names, "count": len(names)})
}

func (h *PolicyHandler) Remove(c *gin.Context) {
	name := c.Param("name")
	if !h.engine.RemovePolicy(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "policy " + name + " not loaded"})
		return
	}
	c.Status(http.StatusNoContent)
}

type evaluatePolicyRequest struct {
	AgentDID string         `json:"agent_did"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context"`
}

// Evaluate runs the loaded policies against the evaluation context and
// journals the decision.
func (h *PolicyHandler) Evaluate(c *gin.Context) {
	var req evaluatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	d, err := did.Parse(req.AgentDID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action := req.Action
	if action == "" {
		if a, ok := req.Context["action"].(string); ok {
			action = a
		}
	}
	dec := h.engine.Evaluate(c.Request.Context(), d, req.Context)
	if _, err := h.audit.LogPolicyDecision(c.Request.Context(), d, action, dec); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}
