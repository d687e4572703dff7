package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/cache"
	"github.com/servesys-labs/ainp-broker/internal/discovery"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Validator authenticates an envelope against its asserted sender.
type Validator interface {
	Verify(ctx context.Context, raw []byte, assertedDID string) (string, *models.Envelope, []byte, error)
}

// Guard runs replay and email-facet checks. Checks are read-only; the Mark
// methods commit the replay and dedupe keys once routing succeeds, so a
// denied envelope can be retried under the same id.
type Guard interface {
	CheckReplay(ctx context.Context, env *models.Envelope) error
	CheckEmail(ctx context.Context, env *models.Envelope, recipientDID string) (bool, error)
	MarkReplay(ctx context.Context, env *models.Envelope) error
	MarkEmail(ctx context.Context, env *models.Envelope, recipientDID string) error
}

// RateLimiter keys a sliding window per caller.
type RateLimiter interface {
	SlidingWindowAllow(ctx context.Context, key string, limit int64, window time.Duration) (cache.WindowResult, error)
}

// Finder resolves broadcast envelopes to concrete recipients.
type Finder interface {
	Search(ctx context.Context, q discovery.Query) ([]discovery.Candidate, error)
}

// Publisher hands the envelope to the durable stream.
type Publisher interface {
	PublishIntent(ctx context.Context, recipientDID, msgID string, data []byte) error
}

// Mailbox persists the per-recipient copy.
type Mailbox interface {
	Save(ctx context.Context, env *models.Envelope, ownerDID string) error
}

// Contacts records interaction edges and postage-granted consent.
type Contacts interface {
	RecordInteraction(ctx context.Context, ownerDID, peerDID string) error
	SetConsent(ctx context.Context, ownerDID, peerDID, consent string) error
}

// Notifier pushes new_message frames to live sessions.
type Notifier interface {
	NotifyNewMessage(recipientDID string, env *models.Envelope, conversationID string)
}

// ConversationID mirrors the mailbox thread keying.
type ConversationID func(env *models.Envelope, ownerDID string) string

// Pipeline is the ordered per-envelope stack: authenticate, replay, email
// guard, rate limit, then dispatch. Every stage short-circuits on failure and
// nothing is persisted for a failed envelope.
type Pipeline struct {
	validator Validator
	guard     Guard
	limiter   RateLimiter
	finder    Finder
	publisher Publisher
	mailbox   Mailbox
	contacts  Contacts
	notifier  Notifier
	convID    ConversationID

	rateLimit int64
	rateWin   time.Duration
	fanout    int
	log       *zap.Logger
}

type Options struct {
	RateLimitPerMin int
	RateWindow      time.Duration
	BroadcastFanout int
}

func NewPipeline(validator Validator, guard Guard, limiter RateLimiter, finder Finder,
	publisher Publisher, mailbox Mailbox, contacts Contacts, notifier Notifier,
	convID ConversationID, opts Options, log *zap.Logger) *Pipeline {
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 100
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.BroadcastFanout <= 0 {
		opts.BroadcastFanout = 5
	}
	return &Pipeline{
		validator: validator,
		guard:     guard,
		limiter:   limiter,
		finder:    finder,
		publisher: publisher,
		mailbox:   mailbox,
		contacts:  contacts,
		notifier:  notifier,
		convID:    convID,
		rateLimit: int64(opts.RateLimitPerMin),
		rateWin:   opts.RateWindow,
		fanout:    opts.BroadcastFanout,
		log:       log,
	}
}

// Result reports the dispatch outcome plus the rate-window state the HTTP
// layer turns into headers.
type Result struct {
	Status     string             `json:"status"`
	AgentCount int                `json:"agent_count"`
	Recipients []string           `json:"recipients,omitempty"`
	Window     cache.WindowResult `json:"-"`
	Degraded   bool               `json:"-"`
}

// Route runs the full stack for one raw envelope. assertedDID comes from the
// X-AINP-DID header; clientIP is the rate-limit fallback for callers without
// one. query steers broadcast discovery and is ignored for unicast.
func (p *Pipeline) Route(ctx context.Context, raw []byte, assertedDID, clientIP string, query *discovery.Query) (*Result, error) {
	sender, env, _, err := p.validator.Verify(ctx, raw, assertedDID)
	if err != nil {
		return nil, err
	}

	if err := p.guard.CheckReplay(ctx, env); err != nil {
		return nil, err
	}

	// Email guards run before the rate limit for unicast; broadcast
	// recipients are unknown until discovery, so those run per recipient.
	postagePaid := false
	if env.MsgType == models.MsgEmail && !env.Broadcast() {
		postagePaid, err = p.guard.CheckEmail(ctx, env, env.ToDID)
		if err != nil {
			return nil, err
		}
	}

	res := &Result{Status: "routed"}
	if err := p.allowRate(ctx, sender, clientIP, res); err != nil {
		return nil, err
	}

	if env.Broadcast() {
		if err := p.dispatchBroadcast(ctx, sender, env, query, res); err != nil {
			return nil, err
		}
	} else {
		if err := p.dispatchOne(ctx, sender, env, env.ToDID, postagePaid); err != nil {
			return nil, err
		}
		res.AgentCount = 1
		res.Recipients = []string{env.ToDID}
	}

	// The envelope routed; resubmissions of this id are now replays.
	if err := p.guard.MarkReplay(ctx, env); err != nil {
		p.log.Warn("replay mark failed", zap.String("envelope", env.ID), zap.Error(err))
	}
	return res, nil
}

// allowRate checks the sender's sliding window. A broken cache degrades to
// allow so a Redis outage does not take routing down with it.
func (p *Pipeline) allowRate(ctx context.Context, sender, clientIP string, res *Result) error {
	key := "rate:" + sender
	if sender == "" {
		key = "rate:ip:" + clientIP
	}
	win, err := p.limiter.SlidingWindowAllow(ctx, key, p.rateLimit, p.rateWin)
	if err != nil {
		p.log.Warn("rate limiter degraded, allowing", zap.Error(err))
		res.Degraded = true
		return nil
	}
	res.Window = win
	if !win.Allowed {
		retry := int((win.ResetAt-time.Now().UnixMilli())/1000) + 1
		if retry < 1 {
			retry = 1
		}
		return apperr.New(apperr.CodeRateLimited, "rate limit exceeded").WithRetryAfter(retry)
	}
	return nil
}

// dispatchOne publishes, persists and notifies for a single recipient. The
// stream copy carries the resolved to_did; broadcast fan-out rewrites it per
// recipient.
func (p *Pipeline) dispatchOne(ctx context.Context, sender string, env *models.Envelope, recipient string, postagePaid bool) error {
	out := *env
	out.ToDID = recipient
	data, err := json.Marshal(&out)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "envelope marshal failed")
	}

	msgID := fmt.Sprintf("%s:%s:%s", sender, env.ID, recipient)
	if err := p.publisher.PublishIntent(ctx, recipient, msgID, data); err != nil {
		return err
	}

	if err := p.mailbox.Save(ctx, &out, recipient); err != nil {
		return err
	}

	if postagePaid {
		if err := p.contacts.SetConsent(ctx, recipient, sender, models.ConsentAllowed); err != nil {
			p.log.Warn("postage consent record failed",
				zap.String("recipient", recipient), zap.Error(err))
		}
	} else if err := p.contacts.RecordInteraction(ctx, recipient, sender); err != nil {
		p.log.Warn("contact record failed", zap.String("recipient", recipient), zap.Error(err))
	}
	if err := p.contacts.RecordInteraction(ctx, sender, recipient); err != nil {
		p.log.Warn("contact record failed", zap.String("sender", sender), zap.Error(err))
	}

	if env.MsgType == models.MsgEmail {
		if err := p.guard.MarkEmail(ctx, env, recipient); err != nil {
			p.log.Warn("dedupe mark failed", zap.String("recipient", recipient), zap.Error(err))
		}
	}

	p.notifier.NotifyNewMessage(recipient, &out, p.convID(&out, recipient))
	return nil
}

// dispatchBroadcast resolves recipients through discovery and fans out to the
// top N. Per-recipient guard or delivery failures skip that recipient rather
// than failing the broadcast.
func (p *Pipeline) dispatchBroadcast(ctx context.Context, sender string, env *models.Envelope, query *discovery.Query, res *Result) error {
	q := discovery.Query{}
	if query != nil {
		q = *query
	}
	if q.Description == "" {
		if goal, _ := env.Payload["goal"].(string); goal != "" {
			q.Description = goal
		}
	}
	if q.Description == "" && len(q.Embedding) == 0 {
		return apperr.Validation("broadcast requires a query description or a payload goal")
	}
	if q.Limit <= 0 || q.Limit > p.fanout {
		q.Limit = p.fanout
	}

	cands, err := p.finder.Search(ctx, q)
	if err != nil {
		return err
	}

	for _, c := range cands {
		if c.DID == sender {
			continue
		}
		postagePaid := false
		if env.MsgType == models.MsgEmail {
			postagePaid, err = p.guard.CheckEmail(ctx, env, c.DID)
			if err != nil {
				p.log.Debug("broadcast recipient skipped",
					zap.String("recipient", c.DID), zap.Error(err))
				continue
			}
		}
		if err := p.dispatchOne(ctx, sender, env, c.DID, postagePaid); err != nil {
			p.log.Warn("broadcast delivery failed",
				zap.String("recipient", c.DID), zap.Error(err))
			continue
		}
		res.AgentCount++
		res.Recipients = append(res.Recipients, c.DID)
	}
	return nil
}
