package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/config"
	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/router"
	"github.com/bnxthealth/channeld/internal/token"
)

// Authenticator resolves bearer tokens into identities. The pipeline runs it
// on every request and the gateway runs it for auth frames, so a token
// accepted on one surface is accepted on the other.
type Authenticator struct {
	codec    *token.Codec
	profiles *profile.Resolver
	mode     string
}

// NewAuthenticator wires token verification, profile resolution, and the
// configured device fingerprint mode into one checker.
func NewAuthenticator(codec *token.Codec, profiles *profile.Resolver, fingerprintMode string) *Authenticator {
	return &Authenticator{codec: codec, profiles: profiles, mode: fingerprintMode}
}

// Identify verifies raw against remoteIP, loads the referenced profile, and
// coerces the token's scope claim to one the profile can actually access. A
// zero scope claim falls back to the profile default; an inaccessible one is
// logged and coerced rather than rejected. Failures surface as the token and
// profile package sentinels so callers can map them to the right status.
func (a *Authenticator) Identify(ctx context.Context, raw, remoteIP string, log zerolog.Logger) (*router.Identity, error) {
	claims, err := a.codec.Verify(raw, remoteIP)
	if err != nil {
		return nil, err
	}

	prof, err := a.profiles.Resolve(ctx, claims.ProfileID)
	if err != nil {
		return nil, err
	}

	scopeEntityID := claims.ScopeEntityID
	if scopeEntityID == 0 {
		scopeEntityID = prof.DefaultScopeID
	} else if !prof.CanAccessScope(scopeEntityID) {
		log.Warn().
			Str("event", "JWT_SCOPE_MISMATCH").
			Int64("profile_id", prof.ID).
			Int64("claimed_scope", scopeEntityID).
			Int64("default_scope", prof.DefaultScopeID).
			Msg("token claims inaccessible scope")
		scopeEntityID = prof.DefaultScopeID
	}

	return &router.Identity{
		AccountID:     claims.AccountID,
		ProfileID:     claims.ProfileID,
		ScopeEntityID: scopeEntityID,
		DeviceHash:    claims.DeviceHash,
		Profile:       prof,
	}, nil
}

// CredentialError reports whether err is a problem with the presented
// credentials rather than with the profile backend.
func CredentialError(err error) bool {
	return errors.Is(err, token.ErrInvalidToken) ||
		errors.Is(err, token.ErrTokenExpired) ||
		errors.Is(err, token.ErrIPMismatch) ||
		errors.Is(err, token.ErrTokenTooLong) ||
		errors.Is(err, profile.ErrNotFound)
}

// DeviceVerdict is the outcome of a fingerprint check.
type DeviceVerdict int

const (
	DeviceOK       DeviceVerdict = iota
	DeviceLogged                 // mismatch observed, log mode lets it pass
	DeviceRejected               // mismatch in strict mode, drop the caller
)

// CheckDevice compares a raw client fingerprint against the device hash bound
// into the token. Anonymous callers, tokens without a binding, and requests
// that sent no fingerprint are never rejected.
func (a *Authenticator) CheckDevice(id *router.Identity, fingerprint, deviceID string, log zerolog.Logger) DeviceVerdict {
	if a.mode == config.FingerprintOff {
		return DeviceOK
	}
	if id == nil || id.DeviceHash == "" || fingerprint == "" {
		return DeviceOK
	}
	if token.DeviceHash(fingerprint) == id.DeviceHash {
		return DeviceOK
	}

	log.Warn().
		Str("event", "DEVICE_MISMATCH").
		Int64("account_id", id.AccountID).
		Int64("profile_id", id.ProfileID).
		Str("device_id", deviceID).
		Msg("device fingerprint does not match token binding")

	if a.mode == config.FingerprintStrict {
		return DeviceRejected
	}
	return DeviceLogged
}
