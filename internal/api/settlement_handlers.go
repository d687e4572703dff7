package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/payments"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

func (h *APIHandler) handleGetAccount(c *gin.Context) {
	acct, err := h.ledger.Account(c.Request.Context(), c.Param("did"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *APIHandler) handleListEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.ledger.Entries(c.Request.Context(), c.Param("did"), limit)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// handleSubmitProof ingests one usefulness proof from the submitting agent.
func (h *APIHandler) handleSubmitProof(c *gin.Context) {
	var proof models.UsefulnessProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		renderError(c, apperr.Validation("malformed proof body: %v", err))
		return
	}
	if proof.AgentDID == "" {
		proof.AgentDID = callerDID(c)
	}
	if err := h.usefulness.SubmitProof(c.Request.Context(), &proof); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded", "proof_id": proof.ID})
}

func (h *APIHandler) handleUsefulnessScore(c *gin.Context) {
	summary, err := h.usefulness.Score(c.Request.Context(), c.Param("did"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *APIHandler) handleGetReputation(c *gin.Context) {
	rep, err := h.reputation.Reputation(c.Request.Context(), c.Param("did"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *APIHandler) handleGetReceipt(c *gin.Context) {
	receipt, err := h.reputation.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// handleAttest records one committee or client attestation; finalization
// happens inside the service once the quorum is met.
func (h *APIHandler) handleAttest(c *gin.Context) {
	var att models.Attestation
	if err := c.ShouldBindJSON(&att); err != nil {
		renderError(c, apperr.Validation("malformed attestation body: %v", err))
		return
	}
	att.ByDID = callerDID(c)
	if att.At.IsZero() {
		att.At = time.Now()
	}
	receipt, err := h.reputation.Attest(c.Request.Context(), c.Param("id"), att)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// handleCreatePaymentRequest opens a payment request and answers 201 with the
// AINP-Pay challenge headers so clients can settle out of band.
func (h *APIHandler) handleCreatePaymentRequest(c *gin.Context) {
	var req struct {
		AmountAtomic int64  `json:"amount_atomic"`
		Currency     string `json:"currency"`
		Method       string `json:"method"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.Validation("malformed payment body: %v", err))
		return
	}
	pr, err := h.payments.CreateRequest(c.Request.Context(), callerDID(c), req.AmountAtomic, req.Currency, req.Method)
	if err != nil {
		renderError(c, err)
		return
	}
	setPaymentChallenge(c, pr)
	c.JSON(http.StatusCreated, pr)
}

func (h *APIHandler) handleGetPaymentRequest(c *gin.Context) {
	pr, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

func (h *APIHandler) handlePaymentWebhook(c *gin.Context) {
	var ev payments.WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		renderError(c, apperr.Validation("malformed webhook body: %v", err))
		return
	}
	if err := h.payments.HandleWebhook(c.Request.Context(), c.Param("provider"), ev); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// setPaymentChallenge stamps the 402-style challenge headers on a response
// carrying a payable request.
func setPaymentChallenge(c *gin.Context, pr *models.PaymentRequest) {
	c.Header("WWW-Authenticate",
		fmt.Sprintf(`AINP-Pay realm="ainp", request_id=%q, method=%q`, pr.ID, pr.Method))
	c.Header("Link", fmt.Sprintf(`<%s>; rel="payment"`, pr.PaymentURL))
}
