package ads

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var gmailDomains = regexp.MustCompile(`^(gmail|googlemail)\.com$`)

// NormalizeAndHash lowercases and trims s and returns its SHA-256 hex
// digest. Customer identifiers must be hashed before upload.
func NormalizeAndHash(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}

// NormalizeAndHashEmail hashes an email address. Dots in the local part
// carry no meaning for gmail.com and googlemail.com inboxes and are
// stripped first, so the same inbox always yields the same digest.
func NormalizeAndHashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if at := strings.Index(normalized, "@"); at >= 0 && gmailDomains.MatchString(normalized[at+1:]) {
		normalized = strings.ReplaceAll(normalized[:at], ".", "") + normalized[at:]
	}
	return NormalizeAndHash(normalized)
}
