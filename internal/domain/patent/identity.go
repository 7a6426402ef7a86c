package patent

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 of the UTF-8 bytes of text.
func SHA256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives the stable content address of an evidence chunk:
//
//	sha256_hex(pub + "|" + section + "|" + key + "|" + sha256_hex(text))
//
// where key is the claim number for CLAIM chunks and the paragraph id
// otherwise. Text must already be normalized; two chunks with identical
// publication, section, key, and text bytes produce identical IDs.
func ChunkID(publicationNumber string, section SectionType, key, text string) string {
	payload := publicationNumber + "|" + string(section) + "|" + key + "|" + SHA256Hex(text)
	return SHA256Hex(payload)
}
