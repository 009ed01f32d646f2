package crypto

import (
	"golang.org/x/crypto/blake2b"

	"github.com/jmcleod/secsync/internal/util"
)

const idLength = 24

// Hash returns the base64 BLAKE2b-256 digest of data.
func Hash(data string) string {
	sum := blake2b.Sum256([]byte(data))
	return EncodeBase64(sum[:])
}

// GenerateID returns a random snapshot identifier.
func GenerateID() (string, error) {
	b, err := util.RandomBytes(idLength)
	if err != nil {
		return "", err
	}
	return EncodeBase64(b), nil
}
