package crypto

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jmcleod/secsync/internal/util"
)

const (
	// KeySize is the length of a document (snapshot) key.
	KeySize = chacha20poly1305.KeySize

	commitmentPrefixLength = 4
)

var commitmentPrefix [commitmentPrefixLength]byte

// GenerateKey returns a fresh random document key.
func GenerateKey() ([]byte, error) {
	return util.RandomBytes(KeySize)
}

// Encrypt seals message under key with additionalData bound as associated
// data. The plaintext is prefixed with four zero bytes which Decrypt
// requires.
func Encrypt(message []byte, additionalData string, key []byte) (ciphertext string, nonce string, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	n, err := util.RandomBytes(aead.NonceSize())
	if err != nil {
		return "", "", err
	}

	plaintext := make([]byte, commitmentPrefixLength+len(message))
	copy(plaintext[commitmentPrefixLength:], message)
	defer util.WipeBytes(plaintext)

	sealed := aead.Seal(nil, n, plaintext, []byte(additionalData))
	return EncodeBase64(sealed), EncodeBase64(n), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure, including a
// missing commitment prefix, is reported as ErrInvalidCiphertext.
func Decrypt(ciphertext, additionalData string, key []byte, nonce string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sealed, err := DecodeBase64(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext encoding", ErrInvalidCiphertext)
	}
	n, err := DecodeBase64(nonce)
	if err != nil || len(n) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: malformed nonce", ErrInvalidCiphertext)
	}

	plaintext, err := aead.Open(nil, n, sealed, []byte(additionalData))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(plaintext) < commitmentPrefixLength ||
		subtle.ConstantTimeCompare(plaintext[:commitmentPrefixLength], commitmentPrefix[:]) != 1 {
		util.WipeBytes(plaintext)
		return nil, fmt.Errorf("%w: missing commitment prefix", ErrInvalidCiphertext)
	}
	return plaintext[commitmentPrefixLength:], nil
}
