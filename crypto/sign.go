package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Domain separation contexts prepended to every signed message.
const (
	DomainSnapshot              = "secsync_snapshot"
	DomainUpdate                = "secsync_update"
	DomainEphemeralMessage      = "secsync_ephemeral_message"
	DomainEphemeralSessionProof = "secsync_ephemeral_session_proof"
)

// Canonicalize returns the RFC 8785 canonical JSON form of v.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling content: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing content: %w", err)
	}
	return out, nil
}

func signedMessage(content any, domainContext string) ([]byte, error) {
	canonical, err := Canonicalize(content)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(domainContext)+len(canonical))
	msg = append(msg, domainContext...)
	return append(msg, canonical...), nil
}

// Sign returns a detached Ed25519 signature over domainContext followed by
// the canonical JSON of content.
func Sign(content any, domainContext string, key *SigningKey) (string, error) {
	msg, err := signedMessage(content, domainContext)
	if err != nil {
		return "", err
	}
	sig, err := key.sign(msg)
	if err != nil {
		return "", err
	}
	return EncodeBase64(sig), nil
}

// VerifySignature reports whether signature is valid for content under
// publicKey. Malformed input yields false.
func VerifySignature(content any, domainContext, signature string, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := DecodeBase64(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg, err := signedMessage(content, domainContext)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig)
}
