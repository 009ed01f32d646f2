package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/secsync/internal/util"
)

// SigningKey is a client's Ed25519 identity. The private half is sealed in a
// memguard Enclave and only unsealed for the duration of a signature.
// Call Destroy when the key is no longer needed.
type SigningKey struct {
	mu        sync.Mutex
	public    ed25519.PublicKey
	private   *memguard.Enclave
	destroyed bool
}

// GenerateSigningKey creates a new random signing key.
func GenerateSigningKey() (*SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return NewSigningKey(priv)
}

// NewSigningKey seals an existing 64-byte Ed25519 private key. The caller's
// slice is wiped.
func NewSigningKey(priv ed25519.PrivateKey) (*SigningKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, ed25519.PrivateKeySize)
	}
	pub := util.CopyBytes(priv[ed25519.SeedSize:])
	return &SigningKey{
		public:  ed25519.PublicKey(pub),
		private: memguard.NewEnclave(priv),
	}, nil
}

// ParseSigningKey decodes a base64 private key as produced by Export.
func ParseSigningKey(s string) (*SigningKey, error) {
	priv, err := DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewSigningKey(priv)
}

// PublicKey returns a copy of the public key.
func (k *SigningKey) PublicKey() []byte {
	return util.CopyBytes(k.public)
}

// PublicKeyString returns the base64 public key used as pubKey in envelopes.
func (k *SigningKey) PublicKeyString() string {
	return EncodeBase64(k.public)
}

// Export returns the base64 private key. The result is sensitive.
func (k *SigningKey) Export() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return "", ErrKeyDestroyed
	}
	buf, err := k.private.Open()
	if err != nil {
		return "", fmt.Errorf("opening signing key: %w", err)
	}
	defer buf.Destroy()
	return EncodeBase64(buf.Bytes()), nil
}

func (k *SigningKey) sign(msg []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil, ErrKeyDestroyed
	}
	buf, err := k.private.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key: %w", err)
	}
	defer buf.Destroy()
	return ed25519.Sign(ed25519.PrivateKey(buf.Bytes()), msg), nil
}

// Destroy releases the sealed private key. Subsequent signatures fail with
// ErrKeyDestroyed.
func (k *SigningKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.private = nil
	k.destroyed = true
}
