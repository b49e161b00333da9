package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/service"
)

// AuditHandler exposes the journal: paging, chain verification,
// inclusion proofs and offline export.
type AuditHandler struct {
	audit *service.AuditService
	log   *zap.Logger
}

func NewAuditHandler(audit *service.AuditService, log *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, log: log}
}

// Register mounts the audit routes.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	a.GET("", h.List)
	a.GET("/verify", h.Verify)
	a.GET("/export", h.Export)
	a.GET("/entries/:index", h.Entry)
	a.GET("/entries/:index/proof", h.Proof)
}

// List pages through the journal, oldest first.
func (h *AuditHandler) List(c *gin.Context) {
	limit, ok := queryCount(c, "limit", "100", 1000)
	if !ok {
		return
	}
	offset, ok := queryCount(c, "offset", "0", 0)
	if !ok {
		return
	}
	entries := h.audit.Entries()
	total := len(entries)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries[offset:end],
		"total":   total,
		"root":    h.audit.Root(),
	})
}

// Verify re-walks the hash chain. A broken chain is still a 200: the
// query succeeded, the journal did not.
func (h *AuditHandler) Verify(c *gin.Context) {
	valid, err := h.audit.VerifyChain()
	resp := gin.H{
		"valid":   valid,
		"entries": h.audit.Len(),
		"root":    h.audit.Root(),
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Export streams the journal archive for offline verification.
func (h *AuditHandler) Export(c *gin.Context) {
	data, err := h.audit.Export()
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *AuditHandler) Entry(c *gin.Context) {
	idx, ok := pathIndex(c)
	if !ok {
		return
	}
	e, err := h.audit.Get(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e)
}

// Proof returns the Merkle inclusion proof for one entry against the
// current root.
func (h *AuditHandler) Proof(c *gin.Context) {
	idx, ok := pathIndex(c)
	if !ok {
		return
	}
	e, err := h.audit.Get(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	steps, err := h.audit.Proof(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"index":      idx,
		"entry_hash": e.EntryHash,
		"proof":      steps,
		"root":       h.audit.Root(),
	})
}

func pathIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
		return 0, false
	}
	return idx, true
}
