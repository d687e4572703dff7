package antifraud

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

type fakeCache struct {
	store map[string]string
	fail  bool
}

func newFakeCache() *fakeCache { return &fakeCache{store: map[string]string{}} }

func (f *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	if f.fail {
		return "", false, errors.New("cache down")
	}
	v, ok := f.store[key]
	return v, ok, nil
}

func (f *fakeCache) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	if f.fail {
		return false, errors.New("cache down")
	}
	if _, ok := f.store[key]; ok {
		return false, nil
	}
	f.store[key] = value
	return true, nil
}

func (f *fakeCache) GetDel(_ context.Context, key string) (string, bool, error) {
	if f.fail {
		return "", false, errors.New("cache down")
	}
	v, ok := f.store[key]
	delete(f.store, key)
	return v, ok, nil
}

type fakeContacts map[string]*models.Contact

func (f fakeContacts) Get(_ context.Context, ownerDID, peerDID string) (*models.Contact, error) {
	return f[ownerDID+"|"+peerDID], nil
}

type fakeLedger struct {
	spent  int64
	reject error
}

func (f *fakeLedger) Spend(_ context.Context, _ string, amount int64, _ string) error {
	if f.reject != nil {
		return f.reject
	}
	f.spent += amount
	return nil
}

func allOn() Config {
	return Config{
		ReplayEnabled:   true,
		DedupeEnabled:   true,
		GreylistEnabled: true,
		PostageEnabled:  true,
		PostageCredits:  100,
	}
}

func emailEnv(from, to string) *models.Envelope {
	return &models.Envelope{
		ID:      "env-1",
		FromDID: from,
		ToDID:   to,
		MsgType: models.MsgEmail,
		Payload: map[string]any{"body": "Hello there"},
	}
}

func TestCheckReplay(t *testing.T) {
	cache := newFakeCache()
	g := NewGuard(cache, fakeContacts{}, &fakeLedger{}, allOn(), zap.NewNop())
	ctx := context.Background()
	env := emailEnv("did:key:x", "did:key:y")

	// The check is read-only: an unrouted envelope can be checked again.
	if err := g.CheckReplay(ctx, env); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := g.CheckReplay(ctx, env); err != nil {
		t.Fatalf("re-check before routing: %v", err)
	}

	// Once routed and marked, the same id is a replay.
	if err := g.MarkReplay(ctx, env); err != nil {
		t.Fatalf("MarkReplay: %v", err)
	}
	err := g.CheckReplay(ctx, env)
	if err == nil {
		t.Fatal("replay accepted")
	}
	if apperr.Status(err) != http.StatusConflict {
		t.Errorf("status = %d, want 409", apperr.Status(err))
	}

	// Same id from a different sender is not a replay.
	other := emailEnv("did:key:z", "did:key:y")
	other.ID = env.ID
	if err := g.CheckReplay(ctx, other); err != nil {
		t.Errorf("different sender blocked: %v", err)
	}
}

func TestCheckReplay_DegradesOnCacheOutage(t *testing.T) {
	cache := newFakeCache()
	cache.fail = true
	g := NewGuard(cache, fakeContacts{}, &fakeLedger{}, allOn(), zap.NewNop())

	if err := g.CheckReplay(context.Background(), emailEnv("did:key:x", "did:key:y")); err != nil {
		t.Errorf("cache outage should allow: %v", err)
	}
}

func TestCheckEmail_GreylistsFirstContact(t *testing.T) {
	g := NewGuard(newFakeCache(), fakeContacts{}, &fakeLedger{}, allOn(), zap.NewNop())

	_, err := g.CheckEmail(context.Background(), emailEnv("did:key:x", "did:key:y"), "did:key:y")
	if err == nil {
		t.Fatal("first contact not greylisted")
	}
	if apperr.Status(err) != http.StatusTooEarly {
		t.Errorf("status = %d, want 425", apperr.Status(err))
	}
	if apperr.AsError(err).RetryAfterSec < 60 {
		t.Errorf("Retry-After = %d, want >= 60", apperr.AsError(err).RetryAfterSec)
	}
}

func TestCheckEmail_KnownContactPasses(t *testing.T) {
	contacts := fakeContacts{
		"did:key:y|did:key:x": {OwnerDID: "did:key:y", PeerDID: "did:key:x", Consent: models.ConsentUnknown},
	}
	g := NewGuard(newFakeCache(), contacts, &fakeLedger{}, allOn(), zap.NewNop())

	paid, err := g.CheckEmail(context.Background(), emailEnv("did:key:x", "did:key:y"), "did:key:y")
	if err != nil {
		t.Fatalf("known contact blocked: %v", err)
	}
	if paid {
		t.Error("no postage was involved")
	}
}

func TestCheckEmail_BlockedContact(t *testing.T) {
	contacts := fakeContacts{
		"did:key:y|did:key:x": {OwnerDID: "did:key:y", PeerDID: "did:key:x", Consent: models.ConsentBlocked},
	}
	g := NewGuard(newFakeCache(), contacts, &fakeLedger{}, allOn(), zap.NewNop())

	_, err := g.CheckEmail(context.Background(), emailEnv("did:key:x", "did:key:y"), "did:key:y")
	if apperr.Status(err) != http.StatusForbidden {
		t.Errorf("status = %d, want 403", apperr.Status(err))
	}
}

func TestCheckEmail_DuplicateContent(t *testing.T) {
	contacts := fakeContacts{
		"did:key:y|did:key:x": {Consent: models.ConsentAllowed},
	}
	g := NewGuard(newFakeCache(), contacts, &fakeLedger{}, allOn(), zap.NewNop())
	ctx := context.Background()

	env := emailEnv("did:key:x", "did:key:y")
	if _, err := g.CheckEmail(ctx, env, "did:key:y"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := g.MarkEmail(ctx, env, "did:key:y"); err != nil {
		t.Fatalf("MarkEmail: %v", err)
	}

	// Same normalized body, different envelope id: still a duplicate.
	dup := emailEnv("did:key:x", "did:key:y")
	dup.ID = "env-2"
	dup.Payload["body"] = "  hello THERE "
	_, err := g.CheckEmail(ctx, dup, "did:key:y")
	if err == nil {
		t.Fatal("duplicate content accepted")
	}
	if apperr.AsError(err).Reason != ReasonDuplicateContent {
		t.Errorf("reason = %q", apperr.AsError(err).Reason)
	}
}

func TestCheckEmail_UndeliveredContentIsNotADuplicate(t *testing.T) {
	g := NewGuard(newFakeCache(), fakeContacts{}, &fakeLedger{}, allOn(), zap.NewNop())
	ctx := context.Background()
	env := emailEnv("did:key:x", "did:key:y")

	// A greylisted attempt must not poison the dedupe window for the retry.
	if _, err := g.CheckEmail(ctx, env, "did:key:y"); !apperr.Is(err, apperr.CodeGreylisted) {
		t.Fatalf("expected greylist, got %v", err)
	}
	if err := g.PayPostage(ctx, env.FromDID, "did:key:y", env.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CheckEmail(ctx, env, "did:key:y"); err != nil {
		t.Errorf("retry with the same body rejected: %v", err)
	}
}

func TestPostageBypass(t *testing.T) {
	cache := newFakeCache()
	led := &fakeLedger{}
	g := NewGuard(cache, fakeContacts{}, led, allOn(), zap.NewNop())
	ctx := context.Background()
	env := emailEnv("did:key:x", "did:key:y")

	// Greylisted without a token.
	if _, err := g.CheckEmail(ctx, env, "did:key:y"); err == nil {
		t.Fatal("expected greylist before postage")
	}

	if err := g.PayPostage(ctx, "did:key:x", "did:key:y", env.ID); err != nil {
		t.Fatalf("PayPostage: %v", err)
	}
	if led.spent != 100 {
		t.Errorf("spent %d credits, want 100", led.spent)
	}

	// The token lifts the greylist exactly once.
	paid, err := g.CheckEmail(ctx, env, "did:key:y")
	if err != nil {
		t.Fatalf("postage bypass failed: %v", err)
	}
	if !paid {
		t.Error("bypass not reported as postage-paid")
	}

	// One-shot: a second envelope with the same token key is greylisted.
	env.Payload["body"] = "third attempt"
	if _, err := g.CheckEmail(ctx, env, "did:key:y"); err == nil {
		t.Error("postage token reused")
	}
}

func TestGreylistRetryWithPostage(t *testing.T) {
	// The full first-contact sequence in pipeline order: attempt one is
	// greylisted and commits nothing, postage is paid, and the retry with the
	// same envelope id passes both the replay check and the greylist. Only
	// after the retry routes and is marked does the id become a replay.
	cache := newFakeCache()
	led := &fakeLedger{}
	g := NewGuard(cache, fakeContacts{}, led, allOn(), zap.NewNop())
	ctx := context.Background()
	env := emailEnv("did:key:x", "did:key:y")

	if err := g.CheckReplay(ctx, env); err != nil {
		t.Fatalf("attempt 1 replay check: %v", err)
	}
	if _, err := g.CheckEmail(ctx, env, "did:key:y"); apperr.Status(err) != http.StatusTooEarly {
		t.Fatalf("attempt 1: got %v, want 425", err)
	}

	if err := g.PayPostage(ctx, env.FromDID, env.ToDID, env.ID); err != nil {
		t.Fatalf("PayPostage: %v", err)
	}

	if err := g.CheckReplay(ctx, env); err != nil {
		t.Fatalf("postage-paid retry blocked at replay check: %v", err)
	}
	paid, err := g.CheckEmail(ctx, env, "did:key:y")
	if err != nil {
		t.Fatalf("postage-paid retry blocked at greylist: %v", err)
	}
	if !paid {
		t.Error("retry not reported as postage-paid")
	}

	if err := g.MarkReplay(ctx, env); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkEmail(ctx, env, "did:key:y"); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckReplay(ctx, env); apperr.Status(err) != http.StatusConflict {
		t.Errorf("routed envelope resubmitted: got %v, want 409", err)
	}
}

func TestPayPostage_InsufficientBalance(t *testing.T) {
	led := &fakeLedger{reject: apperr.Conflict("InsufficientBalance", "balance too low")}
	g := NewGuard(newFakeCache(), fakeContacts{}, led, allOn(), zap.NewNop())

	err := g.PayPostage(context.Background(), "did:key:x", "did:key:y", "env-1")
	if err == nil {
		t.Fatal("expected ledger rejection")
	}
}

func TestNormalizeBody(t *testing.T) {
	if got := NormalizeBody("  Hello\t WORLD \n"); got != "hello world" {
		t.Errorf("NormalizeBody = %q", got)
	}
}
