package router

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/cache"
	"github.com/servesys-labs/ainp-broker/internal/discovery"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

type fakeValidator struct {
	env *models.Envelope
	err error
}

func (f *fakeValidator) Verify(_ context.Context, _ []byte, _ string) (string, *models.Envelope, []byte, error) {
	if f.err != nil {
		return "", nil, nil, f.err
	}
	return f.env.FromDID, f.env, nil, nil
}

type fakeGuard struct {
	replayErr    error
	emailErr     error
	postage      bool
	replayMarks  int
	contentMarks int
}

func (f *fakeGuard) CheckReplay(context.Context, *models.Envelope) error { return f.replayErr }
func (f *fakeGuard) CheckEmail(context.Context, *models.Envelope, string) (bool, error) {
	return f.postage, f.emailErr
}
func (f *fakeGuard) MarkReplay(context.Context, *models.Envelope) error {
	f.replayMarks++
	return nil
}
func (f *fakeGuard) MarkEmail(context.Context, *models.Envelope, string) error {
	f.contentMarks++
	return nil
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (f *fakeLimiter) SlidingWindowAllow(_ context.Context, _ string, limit int64, window time.Duration) (cache.WindowResult, error) {
	if f.err != nil {
		return cache.WindowResult{}, f.err
	}
	return cache.WindowResult{
		Allowed:   f.allowed,
		Remaining: limit - 1,
		ResetAt:   time.Now().Add(window).UnixMilli(),
	}, nil
}

type fakeFinder struct{ cands []discovery.Candidate }

func (f *fakeFinder) Search(context.Context, discovery.Query) ([]discovery.Candidate, error) {
	return f.cands, nil
}

type fakePublisher struct {
	published []string // recipient DIDs
	fail      map[string]error
}

func (f *fakePublisher) PublishIntent(_ context.Context, recipientDID, _ string, _ []byte) error {
	if err := f.fail[recipientDID]; err != nil {
		return err
	}
	f.published = append(f.published, recipientDID)
	return nil
}

type fakeMailbox struct{ saved []string }

func (f *fakeMailbox) Save(_ context.Context, _ *models.Envelope, ownerDID string) error {
	f.saved = append(f.saved, ownerDID)
	return nil
}

type fakeContacts struct {
	interactions [][2]string
	consents     [][3]string
}

func (f *fakeContacts) RecordInteraction(_ context.Context, owner, peer string) error {
	f.interactions = append(f.interactions, [2]string{owner, peer})
	return nil
}

func (f *fakeContacts) SetConsent(_ context.Context, owner, peer, consent string) error {
	f.consents = append(f.consents, [3]string{owner, peer, consent})
	return nil
}

type fakeNotifier struct{ notified []string }

func (f *fakeNotifier) NotifyNewMessage(recipientDID string, _ *models.Envelope, _ string) {
	f.notified = append(f.notified, recipientDID)
}

type fixture struct {
	pipeline  *Pipeline
	validator *fakeValidator
	guard     *fakeGuard
	limiter   *fakeLimiter
	finder    *fakeFinder
	publisher *fakePublisher
	mailbox   *fakeMailbox
	contacts  *fakeContacts
	notifier  *fakeNotifier
}

func newFixture(env *models.Envelope) *fixture {
	f := &fixture{
		validator: &fakeValidator{env: env},
		guard:     &fakeGuard{},
		limiter:   &fakeLimiter{allowed: true},
		finder:    &fakeFinder{},
		publisher: &fakePublisher{},
		mailbox:   &fakeMailbox{},
		contacts:  &fakeContacts{},
		notifier:  &fakeNotifier{},
	}
	convID := func(env *models.Envelope, owner string) string { return env.FromDID + "|" + owner }
	f.pipeline = NewPipeline(f.validator, f.guard, f.limiter, f.finder,
		f.publisher, f.mailbox, f.contacts, f.notifier, convID, Options{}, zap.NewNop())
	return f
}

func unicastEnv() *models.Envelope {
	return &models.Envelope{
		ID:      "env-1",
		FromDID: "did:key:alice",
		ToDID:   "did:key:bob",
		MsgType: models.MsgIntent,
		Payload: map[string]any{"goal": "translate"},
	}
}

func TestRoute_Unicast(t *testing.T) {
	f := newFixture(unicastEnv())

	res, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "1.2.3.4", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Status != "routed" || res.AgentCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(f.publisher.published) != 1 || f.publisher.published[0] != "did:key:bob" {
		t.Errorf("published to %v", f.publisher.published)
	}
	if len(f.mailbox.saved) != 1 || f.mailbox.saved[0] != "did:key:bob" {
		t.Errorf("persisted for %v", f.mailbox.saved)
	}
	if len(f.notifier.notified) != 1 || f.notifier.notified[0] != "did:key:bob" {
		t.Errorf("notified %v", f.notifier.notified)
	}
	// Both contact edges recorded.
	if len(f.contacts.interactions) != 2 {
		t.Errorf("interactions = %v", f.contacts.interactions)
	}
	if f.guard.replayMarks != 1 {
		t.Errorf("replay marked %d times, want 1", f.guard.replayMarks)
	}
}

func TestRoute_ShortCircuits(t *testing.T) {
	// A replay rejection stops the stack before any publish or persist.
	f := newFixture(unicastEnv())
	f.guard.replayErr = apperr.Conflict("DuplicateEnvelope", "seen")

	_, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil)
	if apperr.Status(err) != http.StatusConflict {
		t.Fatalf("status = %d, want 409", apperr.Status(err))
	}
	if len(f.publisher.published) != 0 || len(f.mailbox.saved) != 0 {
		t.Error("failed envelope reached dispatch")
	}
}

func TestRoute_DeniedEnvelopeIsNotMarked(t *testing.T) {
	// A greylisted first attempt must leave no replay or dedupe trace, so the
	// postage-paid retry under the same envelope id can route.
	env := unicastEnv()
	env.MsgType = models.MsgEmail
	f := newFixture(env)
	f.guard.emailErr = apperr.New(apperr.CodeGreylisted, "first contact").WithRetryAfter(60)

	if _, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil); err == nil {
		t.Fatal("expected greylist denial")
	}
	if f.guard.replayMarks != 0 || f.guard.contentMarks != 0 {
		t.Fatalf("denied envelope marked: replay=%d content=%d",
			f.guard.replayMarks, f.guard.contentMarks)
	}

	// Postage paid: the same envelope now routes and only then is marked.
	f.guard.emailErr = nil
	f.guard.postage = true
	if _, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil); err != nil {
		t.Fatalf("postage-paid retry: %v", err)
	}
	if f.guard.replayMarks != 1 || f.guard.contentMarks != 1 {
		t.Errorf("routed envelope not marked: replay=%d content=%d",
			f.guard.replayMarks, f.guard.contentMarks)
	}
}

func TestRoute_RateLimited(t *testing.T) {
	f := newFixture(unicastEnv())
	f.limiter.allowed = false

	_, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil)
	if apperr.Status(err) != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", apperr.Status(err))
	}
	if apperr.AsError(err).RetryAfterSec < 1 {
		t.Error("Retry-After missing")
	}
	if len(f.mailbox.saved) != 0 {
		t.Error("rate-limited envelope persisted")
	}
	if f.guard.replayMarks != 0 {
		t.Error("rate-limited envelope marked as routed")
	}
}

func TestRoute_RateLimiterDegrades(t *testing.T) {
	f := newFixture(unicastEnv())
	f.limiter.err = context.DeadlineExceeded

	res, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil)
	if err != nil {
		t.Fatalf("degraded limiter blocked: %v", err)
	}
	if !res.Degraded {
		t.Error("degraded flag not set")
	}
}

func TestRoute_EmailGreylistPropagates(t *testing.T) {
	env := unicastEnv()
	env.MsgType = models.MsgEmail
	f := newFixture(env)
	f.guard.emailErr = apperr.New(apperr.CodeGreylisted, "first contact").WithRetryAfter(60)

	_, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil)
	if apperr.Status(err) != http.StatusTooEarly {
		t.Fatalf("status = %d, want 425", apperr.Status(err))
	}
}

func TestRoute_PostageCreatesAllowedContact(t *testing.T) {
	env := unicastEnv()
	env.MsgType = models.MsgEmail
	f := newFixture(env)
	f.guard.postage = true

	if _, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range f.contacts.consents {
		if c == [3]string{"did:key:bob", "did:key:alice", models.ConsentAllowed} {
			found = true
		}
	}
	if !found {
		t.Errorf("postage delivery did not record allowed consent: %v", f.contacts.consents)
	}
}

func TestRoute_BroadcastFanout(t *testing.T) {
	env := unicastEnv()
	env.ToDID = "" // broadcast
	f := newFixture(env)
	f.finder.cands = []discovery.Candidate{
		{DID: "did:key:alice"}, // sender, must be skipped
		{DID: "did:key:b"},
		{DID: "did:key:c"},
		{DID: "did:key:d"},
	}
	f.publisher.fail = map[string]error{"did:key:c": apperr.Dependency(nil, "stream down")}

	res, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	// Self skipped, one delivery failed: two recipients counted.
	if res.AgentCount != 2 {
		t.Errorf("agent_count = %d, want 2", res.AgentCount)
	}
	if len(f.mailbox.saved) != 2 {
		t.Errorf("persisted %v", f.mailbox.saved)
	}
}

func TestRoute_BroadcastNeedsAQuery(t *testing.T) {
	env := unicastEnv()
	env.ToDID = ""
	env.Payload = map[string]any{} // no goal either
	f := newFixture(env)

	_, err := f.pipeline.Route(context.Background(), []byte(`{}`), "did:key:alice", "", nil)
	if apperr.Status(err) != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apperr.Status(err))
	}
}
