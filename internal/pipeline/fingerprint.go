package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Digest returns a hex sha256 over the file at path followed by parts. It
// returns "" when the file cannot be read, which disables result caching.
func Digest(path string, parts ...string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DigestParts is Digest without a file, for JSON-only requests.
func DigestParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
