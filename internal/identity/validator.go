package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Validation failure reasons, carried on apperr.Error.Reason.
const (
	ReasonMalformed        = "Malformed"
	ReasonInvalidStructure = "InvalidStructure"
	ReasonSignatureInvalid = "SignatureInvalid"
	ReasonUnknownSender    = "UnknownSender"
	ReasonExpired          = "Expired"
	ReasonDIDMismatch      = "DIDMismatch"
)

var didPattern = regexp.MustCompile(`^did:(key|web):[A-Za-z0-9._-]+$`)

// ValidDID reports whether s matches the supported DID formats.
func ValidDID(s string) bool { return didPattern.MatchString(s) }

// KeyLookup resolves a sender DID to its registered Ed25519 verification key.
type KeyLookup interface {
	PublicKey(ctx context.Context, did string) (ed25519.PublicKey, error)
}

// Validator checks envelope structure, freshness and signature.
type Validator struct {
	keys KeyLookup
	now  func() time.Time
	log  *zap.Logger
}

func NewValidator(keys KeyLookup, log *zap.Logger) *Validator {
	return &Validator{keys: keys, now: time.Now, log: log}
}

// Verify parses and validates a raw envelope. assertedDID is the identity
// the outer request claims (X-AINP-DID); it must equal the envelope's
// from_did. On success it returns the sender DID, the parsed envelope and
// the canonical bytes the signature covered.
func (v *Validator) Verify(ctx context.Context, raw []byte, assertedDID string) (string, *models.Envelope, []byte, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, nil, apperr.Validation("malformed envelope JSON").WithReason(ReasonMalformed)
	}

	if env.ID == "" || env.FromDID == "" || env.MsgType == "" || env.Timestamp == 0 {
		return "", nil, nil, apperr.Validation("envelope missing required fields").WithReason(ReasonInvalidStructure)
	}
	if !ValidDID(env.FromDID) || (env.ToDID != "" && !ValidDID(env.ToDID)) {
		return "", nil, nil, apperr.Validation("invalid DID format").WithReason(ReasonInvalidStructure)
	}
	if assertedDID != "" && assertedDID != env.FromDID {
		return "", nil, nil, apperr.New(apperr.CodeAuthentication,
			"asserted identity %s does not match envelope sender", assertedDID).WithReason(ReasonDIDMismatch)
	}

	// Freshness: reject when now > timestamp + ttl.
	ttl := env.TTLSeconds
	if ttl <= 0 {
		ttl = 300
	}
	if v.now().UnixMilli() > env.Timestamp+ttl*1000 {
		return "", nil, nil, apperr.Validation("envelope expired").WithReason(ReasonExpired)
	}

	if env.Signature == "" {
		return "", nil, nil, apperr.New(apperr.CodeAuthentication, "envelope is unsigned").
			WithReason(ReasonSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", nil, nil, apperr.New(apperr.CodeAuthentication, "signature is not valid base64 Ed25519").
			WithReason(ReasonSignatureInvalid)
	}

	pub, err := v.keys.PublicKey(ctx, env.FromDID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return "", nil, nil, apperr.New(apperr.CodeAuthentication, "unknown sender %s", env.FromDID).
				WithReason(ReasonUnknownSender)
		}
		return "", nil, nil, err
	}

	canonical, err := CanonicalBytes(raw)
	if err != nil {
		return "", nil, nil, apperr.Validation("envelope not canonicalizable").WithReason(ReasonMalformed)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		v.log.Debug("signature verification failed", zap.String("from", env.FromDID), zap.String("id", env.ID))
		return "", nil, nil, apperr.New(apperr.CodeAuthentication, "signature verification failed").
			WithReason(ReasonSignatureInvalid)
	}

	return env.FromDID, &env, canonical, nil
}

// Sign produces the base64 signature for a raw envelope using priv. Used by
// tests and by the broker when it emits its own NOTIFICATION envelopes.
func Sign(raw []byte, priv ed25519.PrivateKey) (string, error) {
	canonical, err := CanonicalBytes(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical)), nil
}
