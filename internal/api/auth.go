package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/identity"
)

// didKey is the gin context key holding the caller's asserted DID.
const didKey = "ainp_did"

// RequireDID enforces the X-AINP-DID header on authenticated routes. The
// header only asserts identity; routes that accept envelopes additionally
// verify the signature against this DID, so a forged header fails there.
func RequireDID() gin.HandlerFunc {
	return func(c *gin.Context) {
		did := c.GetHeader("X-AINP-DID")
		if did == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   apperr.CodeAuthentication,
				"message": "X-AINP-DID header is required",
			})
			return
		}
		if !identity.ValidDID(did) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   apperr.CodeAuthentication,
				"message": "malformed DID in X-AINP-DID header",
			})
			return
		}
		c.Set(didKey, did)
		c.Next()
	}
}

// callerDID returns the authenticated DID, empty when the route did not pass
// through RequireDID.
func callerDID(c *gin.Context) string {
	return c.GetString(didKey)
}
