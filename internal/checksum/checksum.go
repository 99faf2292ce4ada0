package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Of returns the hex sha256 of a migration body. CRLF line endings are folded
// to LF first so a checkout on Windows does not register as drift.
func Of(body []byte) string {
	sum := sha256.Sum256(bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether a stored checksum agrees with a computed one.
// An empty stored value is unknown and always matches.
func Matches(stored, computed string) bool {
	if stored == "" {
		return true
	}
	return strings.EqualFold(stored, computed)
}

// Short trims a checksum for display.
func Short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
