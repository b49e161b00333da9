package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/service"
)

// ScoreHandler exposes trust scores and the signal intake.
type ScoreHandler struct {
	rewards *service.RewardService
	log     *zap.Logger
}

func NewScoreHandler(rewards *service.RewardService, log *zap.Logger) *ScoreHandler {
	return &ScoreHandler{rewards: rewards, log: log}
}

// Register mounts the score routes.
func (h *ScoreHandler) Register(rg *gin.RouterGroup) {
	scores := rg.Group("/scores")
	scores.GET("", h.Below)
	scores.GET("/:did", h.Get)
	scores.POST("/:did/signals", h.RecordSignal)
	scores.POST("/:did/tasks", h.RecordTask)
	scores.POST("/:did/violations", h.RecordViolation)
}

func (h *ScoreHandler) Get(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	score, err := h.rewards.Score(d)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// Below lists agents whose total score sits under the threshold given
// in the required "below" query parameter.
func (h *ScoreHandler) Below(c *gin.Context) {
	raw := c.Query("below")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "below query parameter is required"})
		return
	}
	threshold, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "below must be a number"})
		return
	}
	agents := h.rewards.AgentsBelowThreshold(threshold)
	c.JSON(http.StatusOK, gin.H{"agents": agents, "threshold": threshold, "count": len(agents)})
}

type signalRequest struct {
	Dimension string  `json:"dimension"`
	Value     float64 `json:"value"`
	Source    string  `json:"source"`
}

// RecordSignal feeds one raw dimension signal into the agent's score.
func (h *ScoreHandler) RecordSignal(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	score, err := h.rewards.Record(c.Request.Context(), d, req.Dimension, req.Value, req.Source)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

type taskRequest struct {
	Outcome string `json:"outcome"`
	Source  string `json:"source"`
}

// RecordTask journals a task completion and moves the competence
// dimension up or down by outcome.
func (h *ScoreHandler) RecordTask(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	var score any
	var err error
	switch req.Outcome {
	case "success":
		score, err = h.rewards.RecordTaskSuccess(c.Request.Context(), d, req.Source)
	case "failure":
		score, err = h.rewards.RecordTaskFailure(c.Request.Context(), d, req.Source)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be success or failure"})
		return
	}
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

type violationRequest struct {
	Source string `json:"source"`
	Detail string `json:"detail"`
}

// RecordViolation journals a policy violation and drops the integrity
// dimension.
func (h *ScoreHandler) RecordViolation(c *gin.Context) {
	d, ok := pathDID(c)
	if !ok {
		return
	}
	var req violationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	score, err := h.rewards.RecordViolation(c.Request.Context(), d, req.Source, req.Detail)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, score)
}
