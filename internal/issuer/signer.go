package issuer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// authPayload is the timestamped payload the issuer authenticates. Field
// order fixes the JSON key order, which the issuer verifies against.
type authPayload struct {
	Secret       string `json:"secret"`
	Timestamp    int64  `json:"timestamp"`
	IssuerUserID string `json:"issuerUserId,omitempty"`
}

// Signer produces the Authorization header value for issuer calls: the
// serialized payload and its RSA-SHA256 signature, each base64-encoded and
// joined with a dot.
type Signer struct {
	secret string
	key    *rsa.PrivateKey
	now    func() time.Time
}

func NewSigner(secret string, key *rsa.PrivateKey) *Signer {
	return &Signer{secret: secret, key: key, now: time.Now}
}

// LoadPrivateKey reads a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", path)
	}
	return key, nil
}

// Token signs a payload scoped to issuerUserID; pass "" for calls that are
// not user-scoped.
func (s *Signer) Token(issuerUserID string) (string, error) {
	payload, err := json.Marshal(authPayload{
		Secret:       s.secret,
		Timestamp:    s.now().Unix(),
		IssuerUserID: issuerUserID,
	})
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload) + "." + base64.StdEncoding.EncodeToString(sig), nil
}
