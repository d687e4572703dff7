package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/agents"
	"github.com/servesys-labs/ainp-broker/internal/antifraud"
	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/cache"
	"github.com/servesys-labs/ainp-broker/internal/config"
	"github.com/servesys-labs/ainp-broker/internal/contacts"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/internal/delivery"
	"github.com/servesys-labs/ainp-broker/internal/discovery"
	"github.com/servesys-labs/ainp-broker/internal/ledger"
	"github.com/servesys-labs/ainp-broker/internal/mailbox"
	"github.com/servesys-labs/ainp-broker/internal/negotiation"
	"github.com/servesys-labs/ainp-broker/internal/payments"
	"github.com/servesys-labs/ainp-broker/internal/reputation"
	"github.com/servesys-labs/ainp-broker/internal/router"
	"github.com/servesys-labs/ainp-broker/internal/stream"
	"github.com/servesys-labs/ainp-broker/internal/usefulness"
)

// APIHandler bundles every collaborator the HTTP surface drives.
type APIHandler struct {
	cfg        config.Config
	agents     *agents.Store
	discovery  *discovery.Engine
	pipeline   *router.Pipeline
	guard      *antifraud.Guard
	negotiator *negotiation.Service
	mail       *mailbox.Store
	contacts   *contacts.Service
	ledger     *ledger.Service
	usefulness *usefulness.Aggregator
	reputation *reputation.Service
	payments   *payments.Service
	fabric     *delivery.Fabric

	pool   *db.Pool
	cache  *cache.Client
	stream *stream.Client
	log    *zap.Logger
}

// Deps is the full collaborator set for SetupRouter.
type Deps struct {
	Config     config.Config
	Agents     *agents.Store
	Discovery  *discovery.Engine
	Pipeline   *router.Pipeline
	Guard      *antifraud.Guard
	Negotiator *negotiation.Service
	Mail       *mailbox.Store
	Contacts   *contacts.Service
	Ledger     *ledger.Service
	Usefulness *usefulness.Aggregator
	Reputation *reputation.Service
	Payments   *payments.Service
	Fabric     *delivery.Fabric
	Pool       *db.Pool
	Cache      *cache.Client
	Stream     *stream.Client
	Log        *zap.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.Default()

	// Enable CORS, configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://broker.example.com
	// Development: leave empty for *
	allowedOrigins := d.Config.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-AINP-DID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := &APIHandler{
		cfg: d.Config, agents: d.Agents, discovery: d.Discovery, pipeline: d.Pipeline,
		guard: d.Guard, negotiator: d.Negotiator, mail: d.Mail, contacts: d.Contacts,
		ledger: d.Ledger, usefulness: d.Usefulness, reputation: d.Reputation,
		payments: d.Payments, fabric: d.Fabric,
		pool: d.Pool, cache: d.Cache, stream: d.Stream, log: d.Log,
	}

	flags := d.Config.Flags
	limit := NewRateLimiter(d.Cache, d.Config.RateLimitPerMin, d.Config.RateWindow, d.Log)

	r.GET("/health", h.handleHealth)
	r.GET("/health/ready", h.handleReady)
	r.GET("/sessions", h.handleSession) // ?did=…

	api := r.Group("/api")
	api.Use(limit.Middleware())
	{
		api.POST("/agents/register", h.handleRegisterAgent)
		api.GET("/agents/:did", h.handleGetAgent)
		api.POST("/discovery/search", h.handleDiscoverySearch)

		// The pipeline runs the per-sender window (rate:{did}); the outer
		// middleware counts under rate:http:{did}, so a send consumes one
		// slot in each window rather than two in the same one.
		api.POST("/intents/send", RequireDID(), h.handleSendIntent)
		api.POST("/intents/postage", RequireDID(), featureGate(flags.GreylistBypass, "greylist bypass"), h.handlePayPostage)

		neg := api.Group("/negotiations", featureGate(flags.Negotiation, "negotiation"))
		{
			neg.POST("", RequireDID(), h.handleInitiateNegotiation)
			neg.GET("", h.handleListNegotiations)
			neg.GET("/:id", h.handleGetNegotiation)
			neg.POST("/:id/propose", RequireDID(), h.handleProposeNegotiation)
			neg.POST("/:id/accept", RequireDID(), h.handleAcceptNegotiation)
			neg.POST("/:id/reject", RequireDID(), h.handleRejectNegotiation)
			neg.POST("/:id/settle", RequireDID(), h.handleSettleNegotiation)
		}

		mail := api.Group("/mail", featureGate(flags.Messaging, "messaging"), RequireDID())
		{
			mail.GET("/inbox", h.handleInbox)
			mail.GET("/threads/:conversation_id", h.handleGetThread)
			mail.POST("/read", h.handleMarkRead)
			mail.POST("/label", h.handleLabel)
		}

		book := api.Group("/contacts", featureGate(flags.Messaging, "messaging"), RequireDID())
		{
			book.GET("", h.handleListContacts)
			book.POST("/consent", h.handleSetConsent)
		}

		credits := api.Group("/ledger", featureGate(flags.CreditLedger, "credit ledger"))
		{
			credits.GET("/accounts/:did", h.handleGetAccount)
			credits.GET("/accounts/:did/entries", h.handleListEntries)
		}

		useful := api.Group("/usefulness", featureGate(flags.Usefulness, "usefulness aggregation"))
		{
			useful.POST("/proofs", RequireDID(), h.handleSubmitProof)
			useful.GET("/agents/:did", h.handleUsefulnessScore)
		}

		api.GET("/reputation/:did", h.handleGetReputation)
		api.GET("/receipts/:id", h.handleGetReceipt)
		api.POST("/receipts/:id/attest", RequireDID(), h.handleAttest)

		pay := api.Group("/payments", featureGate(flags.Payments, "payments"))
		{
			pay.POST("/requests", RequireDID(), h.handleCreatePaymentRequest)
			pay.GET("/requests/:id", h.handleGetPaymentRequest)
			pay.POST("/webhooks/:provider", h.handlePaymentWebhook)
		}
	}

	return r
}

// featureGate returns 503 for every route in a disabled group.
func featureGate(enabled bool, name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   apperr.CodeFeatureDisabled,
				"message": name + " is disabled",
			})
			return
		}
		c.Next()
	}
}

// renderError maps a typed error onto the wire contract: {error, message}
// plus Retry-After for 425/429.
func renderError(c *gin.Context, err error) {
	ae := apperr.AsError(err)
	if ae.RetryAfterSec > 0 {
		c.Header("Retry-After", strconv.Itoa(ae.RetryAfterSec))
	}
	body := gin.H{"error": ae.Code, "message": ae.Message}
	if ae.Reason != "" {
		body["reason"] = ae.Reason
	}
	c.JSON(apperr.Status(err), body)
}
