package coordinator

import "github.com/google/uuid"

// clientPrefix identifies this engine in the Azureus-style peer id
// convention, the same 8-byte-prefix-plus-random-suffix shape
// torrent/utils.go's GeneratePeerID uses.
const clientPrefix = "-GT0001-"

// GeneratePeerID returns a fresh 20-byte peer id: the client prefix
// followed by 12 bytes drawn from a random (v4) UUID, which is a more
// standard source of per-run randomness than reading crypto/rand directly
// and matches the trailing segment of a UUID's own hex string length.
func GeneratePeerID() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)

	u := uuid.New()
	copy(id[len(clientPrefix):], u[:20-len(clientPrefix)])
	return id
}
