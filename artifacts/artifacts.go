// Package artifacts generates the per-flow cryptographic material: PKCE
// verifier and challenge (RFC 7636), state and nonce values, and correlation
// identifiers. All randomness comes from crypto/rand; a failing source is an
// error, never a silent fallback.
package artifacts

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/pkg/errors"
	xoauth2 "golang.org/x/oauth2"
)

const (
	MinVerifierLength     = 43
	MaxVerifierLength     = 128
	DefaultVerifierLength = 64

	// MinTokenBytes is the floor for state and nonce entropy (128 bits).
	MinTokenBytes     = 16
	DefaultTokenBytes = 32

	// unreserved = ALPHA / DIGIT / "-" / "." / "_" / "~"
	unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

var (
	ErrInsecureRandom      = errors.New("secure random source unavailable")
	ErrInvalidLength       = errors.New("invalid artifact length")
	ErrInvalidVerifier     = errors.New("invalid code verifier")
	ErrChallengeMismatch   = errors.New("code challenge does not match verifier")
	ErrUnsupportedPKCEMode = errors.New("unsupported code challenge method")
)

// Random is the entropy source. Tests may swap it to simulate failure.
var Random io.Reader = rand.Reader

// PKCE is one verifier/challenge pair. It is generated once per flow start
// and consumed once at the code exchange.
type PKCE struct {
	Verifier  string                `json:"code_verifier"`
	Challenge string                `json:"code_challenge"`
	Method    oauth2.CodeMethodType `json:"code_challenge_method"`
}

func GeneratePKCE() (*PKCE, error) {
	return GeneratePKCEWithLength(DefaultVerifierLength)
}

func GeneratePKCEWithLength(n int) (*PKCE, error) {
	if n < MinVerifierLength || n > MaxVerifierLength {
		return nil, errors.Wrapf(ErrInvalidLength, "[GeneratePKCEWithLength] verifier length %d outside %d-%d", n, MinVerifierLength, MaxVerifierLength)
	}
	verifier, err := randomString(n, unreserved)
	if err != nil {
		return nil, err
	}
	return &PKCE{
		Verifier:  verifier,
		Challenge: xoauth2.S256ChallengeFromVerifier(verifier),
		Method:    oauth2.CodeMethodTypeS256,
	}, nil
}

// PKCEFromVerifier rebuilds the pair from a verifier received on its own.
func PKCEFromVerifier(verifier string) (*PKCE, error) {
	if err := ValidVerifier(verifier); err != nil {
		return nil, err
	}
	return &PKCE{
		Verifier:  verifier,
		Challenge: xoauth2.S256ChallengeFromVerifier(verifier),
		Method:    oauth2.CodeMethodTypeS256,
	}, nil
}

// Verify checks the verifier charset and length and that the challenge is
// its S256 transform.
func (p *PKCE) Verify() error {
	if p == nil {
		return ErrInvalidVerifier
	}
	if p.Method != oauth2.CodeMethodTypeS256 {
		return errors.Wrapf(ErrUnsupportedPKCEMode, "[PKCE.Verify] method %q", p.Method)
	}
	if err := ValidVerifier(p.Verifier); err != nil {
		return err
	}
	if xoauth2.S256ChallengeFromVerifier(p.Verifier) != p.Challenge {
		return ErrChallengeMismatch
	}
	return nil
}

// ValidVerifier checks a code_verifier against RFC 7636 section 4.1.
func ValidVerifier(v string) error {
	if len(v) < MinVerifierLength || len(v) > MaxVerifierLength {
		return errors.Wrapf(ErrInvalidVerifier, "length %d", len(v))
	}
	for i := 0; i < len(v); i++ {
		if !isUnreserved(v[i]) {
			return errors.Wrapf(ErrInvalidVerifier, "character %q at %d", v[i], i)
		}
	}
	return nil
}

// GenerateOpaqueToken returns a base64url (unpadded) value built from
// byteLength random bytes. Used for state and nonce.
func GenerateOpaqueToken(byteLength int) (string, error) {
	if byteLength < MinTokenBytes {
		return "", errors.Wrapf(ErrInvalidLength, "[GenerateOpaqueToken] %d bytes is below the %d byte minimum", byteLength, MinTokenBytes)
	}
	b := make([]byte, byteLength)
	if _, err := io.ReadFull(Random, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInsecureRandom, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewState and NewNonce use the default entropy.
func NewState() (string, error) { return GenerateOpaqueToken(DefaultTokenBytes) }

func NewNonce() (string, error) { return GenerateOpaqueToken(DefaultTokenBytes) }

func NewCorrelationID() string {
	return uuid.NewString()
}

func isUnreserved(c byte) bool {
	return ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// randomString draws n characters uniformly from alphabet, rejecting bytes
// that would bias the distribution.
func randomString(n int, alphabet string) (string, error) {
	limit := 256 - (256 % len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(Random, buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInsecureRandom, err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
