package webpush

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VAPIDKeys is the application server key pair used to self-identify
// against push services (RFC 8292). Keys are base64url-encoded raw
// P-256 material: 32-byte private scalar, 65-byte uncompressed public point.
type VAPIDKeys struct {
	Subject    string // mailto: or https: contact
	publicB64  string
	privateKey *ecdsa.PrivateKey
}

// NewVAPIDKeys parses the configured key pair.
func NewVAPIDKeys(subject, publicKey, privateKey string) (*VAPIDKeys, error) {
	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vapid private key: %w", err)
	}
	if len(priv) != 32 {
		return nil, fmt.Errorf("vapid private key must be 32 bytes, got %d", len(priv))
	}

	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vapid public key: %w", err)
	}
	if len(pub) != 65 || pub[0] != 4 {
		return nil, fmt.Errorf("vapid public key must be a 65-byte uncompressed point")
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(priv)
	x, y := curve.ScalarBaseMult(priv)

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}

	return &VAPIDKeys{
		Subject:    subject,
		publicB64:  publicKey,
		privateKey: key,
	}, nil
}

// AuthorizationHeader builds the `vapid t=...,k=...` header value for the
// push service that owns the given endpoint. The token audience is the
// endpoint origin, per RFC 8292 §2.
func (v *VAPIDKeys) AuthorizationHeader(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	claims := jwt.MapClaims{
		"aud": u.Scheme + "://" + u.Host,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": v.Subject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(v.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign vapid token: %w", err)
	}

	return "vapid t=" + signed + ", k=" + v.publicB64, nil
}
