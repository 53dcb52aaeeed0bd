package services

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/mallardlabs/matsledger/internal/models"
)

const fieldSeparator = 0x00

// Fingerprint is the dedup key of a harvest event: base64 SHA-256 over the
// actor, the resource kind, the position JSON and the observation time.
// Re-delivered events hash to the same key and collapse into one row.
func Fingerprint(ev models.HarvestEvent) string {
	h := sha256.New()
	h.Write([]byte(ev.ActorID))
	h.Write([]byte{fieldSeparator})
	h.Write([]byte(ev.Kind))
	h.Write([]byte{fieldSeparator})
	h.Write([]byte(ev.Location.JSON()))
	h.Write([]byte{fieldSeparator})
	h.Write([]byte(ev.ObservedAt.UTC().Format(time.RFC3339Nano)))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
