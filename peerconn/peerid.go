package peerconn

import (
	"github.com/google/uuid"

	"github.com/lvbealr/leecher/coordinator"
)

// clientPrefix is the fixed 8-byte Azureus-style client identifier
// prepended to every generated peer id.
const clientPrefix = "-GL0100-"

const alphanumerics = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GeneratePeerID builds a fresh 20-byte peer id: the fixed client prefix
// plus 12 random alphanumeric characters, per spec.md §3. uuid.New is
// used purely as a convenient source of 16 cryptographically random bytes
// — the generated value is never treated as an RFC 4122 UUID.
func GeneratePeerID() coordinator.PeerID {
	entropy := uuid.New() // 16 random bytes (version/variant bits included)

	var id coordinator.PeerID
	copy(id[:], clientPrefix)

	for i := 0; i < 12; i++ {
		id[len(clientPrefix)+i] = alphanumerics[entropy[i]%byte(len(alphanumerics))]
	}

	return id
}
