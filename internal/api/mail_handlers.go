package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/mailbox"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// handleInbox pages the caller's messages, newest first.
func (h *APIHandler) handleInbox(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.mail.ListInbox(c.Request.Context(), callerDID(c), mailbox.ListOptions{
		Limit:      limit,
		Cursor:     c.Query("cursor"),
		Label:      c.Query("label"),
		UnreadOnly: c.Query("unread") == "true",
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *APIHandler) handleGetThread(c *gin.Context) {
	thread, messages, err := h.mail.GetThread(c.Request.Context(), callerDID(c), c.Param("conversation_id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": thread, "messages": messages})
}

func (h *APIHandler) handleMarkRead(c *gin.Context) {
	var req struct {
		EnvelopeID string `json:"envelope_id"`
		Read       *bool  `json:"read"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.EnvelopeID == "" {
		renderError(c, apperr.Validation("envelope_id is required"))
		return
	}
	read := true
	if req.Read != nil {
		read = *req.Read
	}
	if err := h.mail.MarkRead(c.Request.Context(), callerDID(c), req.EnvelopeID, read); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) handleLabel(c *gin.Context) {
	var req struct {
		EnvelopeID string   `json:"envelope_id"`
		Add        []string `json:"add"`
		Remove     []string `json:"remove"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.EnvelopeID == "" {
		renderError(c, apperr.Validation("envelope_id is required"))
		return
	}
	if err := h.mail.Label(c.Request.Context(), callerDID(c), req.EnvelopeID, req.Add, req.Remove); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) handleListContacts(c *gin.Context) {
	list, err := h.contacts.List(c.Request.Context(), callerDID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": list, "count": len(list)})
}

// handleSetConsent allows or blocks a peer on the caller's contact edge.
func (h *APIHandler) handleSetConsent(c *gin.Context) {
	var req struct {
		PeerDID string `json:"peer_did"`
		Consent string `json:"consent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PeerDID == "" {
		renderError(c, apperr.Validation("peer_did is required"))
		return
	}
	if req.Consent != models.ConsentAllowed && req.Consent != models.ConsentBlocked {
		renderError(c, apperr.Validation("consent must be %q or %q", models.ConsentAllowed, models.ConsentBlocked))
		return
	}
	if err := h.contacts.SetConsent(c.Request.Context(), callerDID(c), req.PeerDID, req.Consent); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peer_did": req.PeerDID, "consent": req.Consent})
}
