package crypto

import "encoding/base64"

var encoding = base64.RawURLEncoding

// EncodeBase64 encodes b the way every envelope field is encoded.
func EncodeBase64(b []byte) string {
	return encoding.EncodeToString(b)
}

// DecodeBase64 is the inverse of EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return encoding.DecodeString(s)
}
