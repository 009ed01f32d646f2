package protocol

import (
	"fmt"

	"github.com/jmcleod/secsync/crypto"
)

// encodePublicData returns the base64 canonical JSON of publicData. The
// result is both the AEAD associated data and the signed publicData value.
func encodePublicData(publicData any) (string, error) {
	canonical, err := crypto.Canonicalize(publicData)
	if err != nil {
		return "", fmt.Errorf("encoding public data: %w", err)
	}
	return crypto.EncodeBase64(canonical), nil
}

func signingContent(nonce, ciphertext, publicData string) map[string]string {
	return map[string]string{
		"nonce":      nonce,
		"ciphertext": ciphertext,
		"publicData": publicData,
	}
}

type sealed struct {
	ciphertext string
	nonce      string
	signature  string
}

func seal(content []byte, publicData any, domainContext string, key []byte, signer *crypto.SigningKey) (*sealed, error) {
	ad, err := encodePublicData(publicData)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := crypto.Encrypt(content, ad, key)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(signingContent(nonce, ciphertext, ad), domainContext, signer)
	if err != nil {
		return nil, err
	}
	return &sealed{ciphertext: ciphertext, nonce: nonce, signature: signature}, nil
}

// verifyEnvelope checks signature over an envelope authored by pubKey and
// returns the associated data needed to decrypt it.
func verifyEnvelope(ciphertext, nonce, signature, pubKey string, publicData any, domainContext string) (string, error) {
	pk, err := crypto.DecodeBase64(pubKey)
	if err != nil {
		return "", ErrInvalidPublicKey
	}
	ad, err := encodePublicData(publicData)
	if err != nil {
		return "", ErrMalformedMessage
	}
	if !crypto.VerifySignature(signingContent(nonce, ciphertext, ad), domainContext, signature, pk) {
		return "", ErrInvalidSignature
	}
	return ad, nil
}

func hashCiphertext(ciphertext string) string {
	return crypto.Hash(ciphertext)
}
