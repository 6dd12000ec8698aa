package scenario

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// IdentityBytes is the size of a handshake identifier (160 bits).
const IdentityBytes = 20

var identityPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Identity is the payload a client sends after HELLO.
type Identity struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`
}

// NewIdentity returns a fresh random identity with the given display name.
func NewIdentity(name string) (Identity, error) {
	var b [IdentityBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Identity{}, fmt.Errorf("generate identity: %w", err)
	}
	return Identity{ID: "0x" + hex.EncodeToString(b[:]), Name: name}, nil
}

// ValidID reports whether id is "0x" followed by exactly 40 lowercase hex digits.
func ValidID(id string) bool {
	return identityPattern.MatchString(id)
}
