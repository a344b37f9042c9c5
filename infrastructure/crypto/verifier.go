// Package crypto verifies purchase payload signatures issued by the billing
// service.
package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// Verifier validates purchase payloads against the application's public key.
// The billing service signs the raw payload bytes with SHA1-with-RSA and
// delivers the signature base64-encoded alongside it.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier creates a verifier from a base64-encoded X.509
// SubjectPublicKeyInfo RSA key, the format the billing service console hands
// out.
func NewVerifier(base64Key string) (*Verifier, error) {
	der, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", parsed)
	}
	return &Verifier{publicKey: rsaKey}, nil
}

// NewVerifierWithKey creates a verifier with an already-parsed key.
func NewVerifierWithKey(publicKey *rsa.PublicKey) *Verifier {
	return &Verifier{publicKey: publicKey}
}

// Verify reports whether signature is a valid signature of payload.
func (v *Verifier) Verify(payload, signature string) bool {
	if payload == "" || signature == "" {
		return false
	}
	signatureBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha1.Sum([]byte(payload))
	return rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA1, digest[:], signatureBytes) == nil
}
