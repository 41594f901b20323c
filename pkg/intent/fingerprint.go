package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

// Fingerprint returns a hex SHA-256 digest of the catalog content, used
// purely as a change-detection key. The digest is computed over a
// canonical serialization with intents sorted by tag, so reordering
// intents does not change the fingerprint, while any change to a tag,
// pattern, or response does. Pattern and response order stays
// significant.
func (c Catalog) Fingerprint() string {
	canon := c.Clone()
	slices.SortStableFunc(canon.Intents, func(a, b Intent) int {
		return strings.Compare(a.Tag, b.Tag)
	})
	// Marshal of a catalog value cannot fail: the type contains only
	// strings and slices.
	data, err := json.Marshal(canon)
	if err != nil {
		panic("intent: fingerprint marshal: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Changed reports whether the catalog's fingerprint differs from a
// previously recorded one. An empty last fingerprint (nothing trained
// yet, or unknown after restart) always reports a change.
func (c Catalog) Changed(lastFingerprint string) bool {
	if lastFingerprint == "" {
		return true
	}
	return c.Fingerprint() != lastFingerprint
}
