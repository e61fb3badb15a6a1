package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Hash is a lowercase hex-encoded SHA-256 digest of an image.
type Hash string

// HashSize is the length of a Hash in hex characters.
const HashSize = 64

// HashBytes computes the SHA-256 of data and returns it as a Hash.
func HashBytes(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashReader streams r through SHA-256 and returns the Hash and byte count.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return Hash(hex.EncodeToString(h.Sum(nil))), n, nil
}

// ParseHash validates s as a full hash. Uppercase input is folded.
func ParseHash(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !isHexOfLen(s, HashSize) {
		return "", fmt.Errorf("invalid hash %q", s)
	}
	return Hash(s), nil
}

// Short returns the first n characters of h, or h itself when shorter.
func (h Hash) Short(n int) string {
	if n <= 0 || n >= len(h) {
		return string(h)
	}
	return string(h[:n])
}

func isHexOfLen(s string, expectedLen int) bool {
	if len(s) != expectedLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
