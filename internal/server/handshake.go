package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/service"
)

// HandshakeHandler mints challenges and judges responses. Responding
// happens on the agent's side; the control plane never holds peer keys.
type HandshakeHandler struct {
	broker *handshake.Broker
	audit  *service.AuditService
	log    *zap.Logger
}

func NewHandshakeHandler(broker *handshake.Broker, audit *service.AuditService, log *zap.Logger) *HandshakeHandler {
	return &HandshakeHandler{broker: broker, audit: audit, log: log}
}

// Register mounts the handshake routes.
func (h *HandshakeHandler) Register(rg *gin.RouterGroup) {
	hs := rg.Group("/handshake")
	hs.POST("/challenge", h.Challenge)
	hs.POST("/verify", h.Verify)
	hs.GET("/results/:did", h.CachedResult)
}

// Challenge mints a single-use nonce challenge.
func (h *HandshakeHandler) Challenge(c *gin.Context) {
	ch, err := h.broker.NewChallenge()
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

type verifyHandshakeRequest struct {
	Response     handshake.Response `json:"response"`
	Requirements struct {
		RequiredTrustScore   float64  `json:"required_trust_score"`
		RequiredCapabilities []string `json:"required_capabilities"`
	} `json:"requirements"`
}

// Verify judges a challenge response and journals the outcome. A
// rejected peer is a 200 with verified=false and the rejection reason;
// only unknown or replayed challenges are request errors.
func (h *HandshakeHandler) Verify(c *gin.Context) {
	var req verifyHandshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	res, err := h.broker.Verify(c.Request.Context(), &req.Response, handshake.Requirements{
		RequiredTrustScore:   req.Requirements.RequiredTrustScore,
		RequiredCapabilities: req.Requirements.RequiredCapabilities,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if _, err := h.audit.LogHandshake(c.Request.Context(), res); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CachedResult returns the broker's cached verdict for a peer, if one
// is still live.
func (h *HandshakeHandler) CachedResult(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	res, found := h.broker.CachedResult(d)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached handshake result for " + d.String()})
		return
	}
	c.JSON(http.StatusOK, res)
}
