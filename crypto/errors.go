package crypto

import "errors"

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrInvalidKey        = errors.New("invalid key")
	ErrKeyDestroyed      = errors.New("signing key destroyed")
)
