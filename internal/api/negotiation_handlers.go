package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/negotiation"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// handleInitiateNegotiation opens a session; the caller is the initiator.
func (h *APIHandler) handleInitiateNegotiation(c *gin.Context) {
	var req struct {
		IntentID     string                 `json:"intent_id"`
		ResponderDID string                 `json:"responder_did"`
		Proposal     models.Proposal        `json:"initial_proposal"`
		MaxRounds    int                    `json:"max_rounds"`
		TTLMinutes   *int                   `json:"ttl_minutes"`
		Split        *models.IncentiveSplit `json:"incentive_split"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.Validation("malformed negotiation body: %v", err))
		return
	}

	n, err := h.negotiator.Initiate(c.Request.Context(), negotiation.InitiateParams{
		IntentID:     req.IntentID,
		InitiatorDID: callerDID(c),
		ResponderDID: req.ResponderDID,
		Proposal:     req.Proposal,
		MaxRounds:    req.MaxRounds,
		TTLMinutes:   req.TTLMinutes,
		Split:        req.Split,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (h *APIHandler) handleGetNegotiation(c *gin.Context) {
	n, err := h.negotiator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *APIHandler) handleListNegotiations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.negotiator.List(c.Request.Context(), c.Query("agent_did"), c.Query("state"), limit)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": list, "count": len(list)})
}

func (h *APIHandler) handleProposeNegotiation(c *gin.Context) {
	var req struct {
		Proposal models.Proposal `json:"proposal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.Validation("malformed proposal body: %v", err))
		return
	}
	n, err := h.negotiator.Propose(c.Request.Context(), c.Param("id"), callerDID(c), req.Proposal)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *APIHandler) handleAcceptNegotiation(c *gin.Context) {
	n, err := h.negotiator.Accept(c.Request.Context(), c.Param("id"), callerDID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *APIHandler) handleRejectNegotiation(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req) // body optional
	n, err := h.negotiator.Reject(c.Request.Context(), c.Param("id"), callerDID(c), req.Reason)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *APIHandler) handleSettleNegotiation(c *gin.Context) {
	var req struct {
		ValidatorDID string `json:"validator_did"`
		ProofID      string `json:"usefulness_proof_id"`
	}
	_ = c.ShouldBindJSON(&req) // body optional
	n, err := h.negotiator.Settle(c.Request.Context(), c.Param("id"), callerDID(c), req.ValidatorDID, req.ProofID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}
