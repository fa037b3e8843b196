package testutil

import (
	"crypto/sha256"
	"fmt"

	"github.com/roach88/roomgraph/internal/pdu"
)

// TestKeyID is the key ID used for every test server key.
const TestKeyID = "ed25519:test"

// ServerKey returns a deterministic signing key for a server. The seed is
// the SHA-256 of the server name, so every test run signs identically.
func ServerKey(server string) pdu.SigningKey {
	seed := sha256.Sum256([]byte(server))
	key, err := pdu.NewSigningKeyFromSeed(pdu.MustParseServerName(server), TestKeyID, seed[:])
	if err != nil {
		panic(fmt.Sprintf("testutil.ServerKey(%q): %v", server, err))
	}
	return key
}

// KeyRing returns a key ring holding the test keys of the given servers.
func KeyRing(servers ...string) pdu.StaticKeyRing {
	ring := pdu.StaticKeyRing{}
	for _, s := range servers {
		ring.AddSigningKey(ServerKey(s))
	}
	return ring
}

// UserKey returns the test key of the server a user belongs to.
func UserKey(user string) pdu.SigningKey {
	return ServerKey(pdu.MustParseUserID(user).Server().String())
}
