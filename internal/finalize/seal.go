package finalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SealMetadata is bound into the seal alongside the image hash.
type SealMetadata struct {
	ArtID     string
	CreatorID string
	Model     string
}

// Signer produces HMAC-SHA256 seals. The key version is stored with every art
// record so seals stay verifiable across key rotation.
type Signer struct {
	key     []byte
	version int
}

func NewSigner(key string, version int) Signer {
	if version <= 0 {
		version = 1
	}
	return Signer{key: []byte(key), version: version}
}

func (s Signer) Version() int { return s.version }

// Seal returns the seal signature and the generation hash of the image bytes.
func (s Signer) Seal(image []byte, meta SealMetadata) (signature, generationHash string) {
	sum := sha256.Sum256(image)
	generationHash = hex.EncodeToString(sum[:])
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s:%s:%s:%s:%d", generationHash, meta.ArtID, meta.CreatorID, meta.Model, s.version)
	return hex.EncodeToString(mac.Sum(nil)), generationHash
}

func (s Signer) Verify(image []byte, meta SealMetadata, signature string) bool {
	expected, _ := s.Seal(image, meta)
	return hmac.Equal([]byte(expected), []byte(signature))
}
