package grants

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrInvalidPrivateKey = errors.New("invalid RSA private key")

// Signer signs the JWTs the client presents: client assertions and JWT
// bearer grant assertions.
type Signer interface {
	Sign(claims jwt.MapClaims) (string, error)
	SigningMethod() jwt.SigningMethod
}

// HMACSigner signs with the client secret (client_secret_jwt).
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret)}
}

func (h *HMACSigner) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign assertion with HMAC")
	}
	return signed, nil
}

func (h *HMACSigner) SigningMethod() jwt.SigningMethod { return jwt.SigningMethodHS256 }

// RSASigner signs with a private key (private_key_jwt).
type RSASigner struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewRSASignerFromPEM accepts PKCS#1 or PKCS#8 encoded RSA keys.
func NewRSASignerFromPEM(pemData, keyID string) (*RSASigner, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.Wrap(ErrInvalidPrivateKey, "no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSASigner{key: key, keyID: keyID}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPrivateKey, err.Error())
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Wrap(ErrInvalidPrivateKey, "key is not RSA")
	}
	return &RSASigner{key: key, keyID: keyID}, nil
}

func (r *RSASigner) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if r.keyID != "" {
		token.Header["kid"] = r.keyID
	}
	signed, err := token.SignedString(r.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign assertion with RSA key")
	}
	return signed, nil
}

func (r *RSASigner) SigningMethod() jwt.SigningMethod { return jwt.SigningMethodRS256 }

func (r *RSASigner) PublicKey() *rsa.PublicKey { return &r.key.PublicKey }
