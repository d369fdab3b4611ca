package cardlink

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// CardFingerprint returns a stable hex identifier for a card derived from its GDO
// (which carries the ICCSN). Raw card data never leaves the session; logs and the
// audit table only see this digest.
func CardFingerprint(gdo []byte) string {
	if len(gdo) == 0 {
		return ""
	}
	sum := blake2b.Sum256(gdo)
	return hex.EncodeToString(sum[:16])
}
