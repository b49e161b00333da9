package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/credential"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// writeError maps domain errors onto HTTP statuses. Validation errors
// become 400s, unknown resources 404s, state conflicts 409s. Anything
// unmapped is a 500 with the cause logged rather than leaked.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	var (
		identityVal   *identity.ValidationError
		credentialVal *credential.ValidationError
		policyVal     *policy.ValidationError
	)
	switch {
	case errors.As(err, &identityVal),
		errors.As(err, &credentialVal),
		errors.As(err, &policyVal),
		errors.Is(err, reward.ErrUnknownDimension):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, credential.ErrNotFound),
		errors.Is(err, reward.ErrUnknownAgent),
		errors.Is(err, handshake.ErrUnknownChallenge):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, identity.ErrRevoked),
		errors.Is(err, credential.ErrRevoked),
		errors.Is(err, credential.ErrExpired),
		errors.Is(err, reward.ErrLatched):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, reward.ErrBadAttestation):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// pathDID parses the :did route parameter, writing a 400 on failure.
func pathDID(c *gin.Context) (did.DID, bool) {
	d, err := did.Parse(c.Param("did"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return d, true
}

// queryCount parses a non-negative integer query parameter, clamping
// it to max when max is positive.
func queryCount(c *gin.Context, name, fallback string, max int) (int, bool) {
	raw := c.DefaultQuery(name, fallback)
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a non-negative integer"})
		return 0, false
	}
	if max > 0 && n > max {
		n = max
	}
	return n, true
}
