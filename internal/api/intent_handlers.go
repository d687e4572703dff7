package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/servesys-labs/ainp-broker/internal/agents"
	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/discovery"
)

// handleRegisterAgent upserts an agent address with its capability set.
func (h *APIHandler) handleRegisterAgent(c *gin.Context) {
	var req struct {
		Address agents.RegisterAddress `json:"address"`
		TTL     int64                  `json:"ttl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.Validation("malformed register body: %v", err))
		return
	}
	if err := h.agents.Register(c.Request.Context(), req.Address, req.TTL); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered", "did": req.Address.DID})
}

func (h *APIHandler) handleGetAgent(c *gin.Context) {
	addr, err := h.agents.Get(c.Request.Context(), c.Param("did"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, addr)
}

// handleDiscoverySearch runs semantic discovery and returns ranked addresses.
func (h *APIHandler) handleDiscoverySearch(c *gin.Context) {
	var q discovery.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		renderError(c, apperr.Validation("malformed search body: %v", err))
		return
	}
	cands, err := h.discovery.Search(c.Request.Context(), q)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": discovery.Addresses(cands),
		"count":  len(cands),
	})
}

// handleSendIntent runs the full routing pipeline over the posted envelope.
// The body is either a bare envelope (unicast) or {envelope, query}
// (broadcast). The raw envelope bytes feed signature verification, so the
// envelope is re-extracted rather than round-tripped through a struct.
func (h *APIHandler) handleSendIntent(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		renderError(c, apperr.Validation("unreadable body: %v", err))
		return
	}

	envelope := raw
	var query *discovery.Query
	var wrapper struct {
		Envelope json.RawMessage  `json:"envelope"`
		Query    *discovery.Query `json:"query"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Envelope) > 0 {
		envelope = wrapper.Envelope
		query = wrapper.Query
	}

	res, err := h.pipeline.Route(c.Request.Context(), envelope, callerDID(c), c.ClientIP(), query)
	if err != nil {
		renderError(c, err)
		return
	}
	if res.Degraded {
		c.Header("X-RateLimit-Degraded", "true")
	}
	c.JSON(http.StatusOK, res)
}

// handlePayPostage spends credits to mint a one-shot greylist bypass for the
// caller's next envelope to the recipient.
func (h *APIHandler) handlePayPostage(c *gin.Context) {
	var req struct {
		ToDID      string `json:"to_did"`
		EnvelopeID string `json:"envelope_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.Validation("malformed postage body: %v", err))
		return
	}
	if req.ToDID == "" || req.EnvelopeID == "" {
		renderError(c, apperr.Validation("to_did and envelope_id are required"))
		return
	}
	if err := h.guard.PayPostage(c.Request.Context(), callerDID(c), req.ToDID, req.EnvelopeID); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "postage_paid", "to_did": req.ToDID})
}
