// Package token signs and verifies the gateway's bearer tokens: standard
// HS256 JWTs whose payload segment is additionally XOR-obfuscated for
// transport. The XOR layer is not a security primitive, but existing clients
// speak this format, so both keys are mandatory configuration.
package token

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// MaxTokenBytes mirrors the auth table's token column width. Wider tokens
// are rejected before parsing.
const MaxTokenBytes = 512

var (
	// ErrInvalidToken covers bad structure, bad signature, and payloads
	// scrambled by a wrong XOR key; the causes are deliberately
	// indistinguishable.
	ErrInvalidToken = errors.New("token is invalid")
	// ErrTokenExpired is returned for a valid signature past its exp claim.
	// There is no clock-skew grace.
	ErrTokenExpired = errors.New("token has expired")
	// ErrIPMismatch is returned when the token's issuing address does not
	// match the request's remote address.
	ErrIPMismatch = errors.New("token was issued for a different address")
	// ErrTokenTooLong is returned for tokens wider than MaxTokenBytes.
	ErrTokenTooLong = errors.New("token exceeds maximum length")
)

// Claims is the payload carried by a gateway token.
type Claims struct {
	AccountID     int64  `json:"account_id"`
	ProfileID     int64  `json:"profile_id"`
	ScopeEntityID int64  `json:"scope_entity_id,omitempty"`
	DeviceHash    string `json:"device_hash,omitempty"`
	IP            string `json:"ip,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens in their transport form.
type Codec struct {
	secret     []byte
	xorKey     []byte
	trustProxy bool
}

// NewCodec creates a codec. Both keys are required. With trustProxy set the
// IP-binding check is skipped, for deployments behind a forwarding proxy.
func NewCodec(secret, xorKey string, trustProxy bool) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	if xorKey == "" {
		return nil, fmt.Errorf("jwt xor key must not be empty")
	}
	return &Codec{secret: []byte(secret), xorKey: []byte(xorKey), trustProxy: trustProxy}, nil
}

// Sign issues a token in transport form: an HS256 JWT whose payload segment
// has been XORed with the obfuscation key and re-encoded.
func (c *Codec) Sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return c.xorPayload(signed)
}

// Verify checks a transport-form token against the signature, expiry, and IP
// binding, and returns its claims. remoteIP is the request's remote address;
// a token carrying an ip claim must match it unless the codec trusts a proxy.
func (c *Codec) Verify(raw, remoteIP string) (*Claims, error) {
	if len(raw) > MaxTokenBytes {
		return nil, ErrTokenTooLong
	}

	// Recover the standard JWT. A wrong XOR key scrambles the payload and
	// the signature check below fails.
	plain, err := c.xorPayload(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(plain, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	if claims.IP != "" && !c.trustProxy && claims.IP != remoteIP {
		return nil, ErrIPMismatch
	}

	return claims, nil
}

// xorPayload XORs the payload segment with the obfuscation key. XOR is
// symmetric, so the same transform both obfuscates and recovers.
func (c *Codec) xorPayload(tok string) (string, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	for i := range raw {
		raw[i] ^= c.xorKey[i%len(c.xorKey)]
	}
	parts[1] = base64.RawURLEncoding.EncodeToString(raw)

	return strings.Join(parts, "."), nil
}

// DeviceHash reduces a raw client fingerprint to the 32-hex-character form
// stored in tokens and the auth table.
func DeviceHash(fingerprint string) string {
	sum := md5.Sum([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}
