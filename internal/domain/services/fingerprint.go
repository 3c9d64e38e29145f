package services

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
)

// Fingerprint hashes s the way responders do: the string is taken as
// latin-1, carried as base64, and SHA-1 is computed over the decoded bytes.
// Strings outside latin-1 fall back to their UTF-8 bytes.
func Fingerprint(s string) string {
	encoded := base64.StdEncoding.EncodeToString(latin1(s))
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// unreachable: encoded was produced above
		raw = []byte(s)
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return []byte(s)
		}
		out = append(out, byte(r))
	}
	return out
}
