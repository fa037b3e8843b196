package pdu

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SigningKey is a server's ed25519 signing key.
type SigningKey struct {
	Server  ServerName
	KeyID   string
	Private ed25519.PrivateKey
}

// NewSigningKeyFromSeed derives a signing key from a 32-byte seed.
func NewSigningKeyFromSeed(server ServerName, keyID string, seed []byte) (SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKey{}, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if !strings.HasPrefix(keyID, "ed25519:") {
		return SigningKey{}, fmt.Errorf("key ID must have algorithm prefix \"ed25519:\": %q", keyID)
	}
	return SigningKey{Server: server, KeyID: keyID, Private: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public returns the verify key.
func (k SigningKey) Public() ed25519.PublicKey {
	return k.Private.Public().(ed25519.PublicKey)
}

// KeyRing resolves server verify keys.
type KeyRing interface {
	VerifyKey(server ServerName, keyID string) (ed25519.PublicKey, error)
}

// ErrUnknownKey is returned by a KeyRing that has no key for a server.
var ErrUnknownKey = errors.New("unknown verify key")

// StaticKeyRing is a KeyRing backed by a fixed map of server -> key ID ->
// public key.
type StaticKeyRing map[string]map[string]ed25519.PublicKey

// Add registers a key.
func (r StaticKeyRing) Add(server ServerName, keyID string, key ed25519.PublicKey) {
	keys, ok := r[server.String()]
	if !ok {
		keys = make(map[string]ed25519.PublicKey)
		r[server.String()] = keys
	}
	keys[keyID] = key
}

// AddSigningKey registers the public half of a signing key.
func (r StaticKeyRing) AddSigningKey(k SigningKey) {
	r.Add(k.Server, k.KeyID, k.Public())
}

// VerifyKey implements KeyRing.
func (r StaticKeyRing) VerifyKey(server ServerName, keyID string) (ed25519.PublicKey, error) {
	key, ok := r[server.String()][keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownKey, server, keyID)
	}
	return key, nil
}

// signingPayload is the canonical redacted form minus signatures and
// unsigned. Both signing and verification use it.
func signingPayload(obj map[string]any, rules VersionRules) ([]byte, error) {
	redacted := redactObject(obj, rules)
	return MarshalCanonical(withoutKeys(redacted, "signatures", "unsigned", "event_id"))
}

// signObject adds key's signature to obj["signatures"] in place.
func signObject(obj map[string]any, key SigningKey, rules VersionRules) error {
	payload, err := signingPayload(obj, rules)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	sig := ed25519.Sign(key.Private, payload)

	sigs, _ := obj["signatures"].(map[string]any)
	if sigs == nil {
		sigs = make(map[string]any)
	}
	serverSigs, _ := sigs[key.Server.String()].(map[string]any)
	if serverSigs == nil {
		serverSigs = make(map[string]any)
	}
	serverSigs[key.KeyID] = base64.RawStdEncoding.EncodeToString(sig)
	sigs[key.Server.String()] = serverSigs
	obj["signatures"] = sigs
	return nil
}

// Sign returns a copy of the event carrying an additional signature.
func Sign(e *Event, key SigningKey) (*Event, error) {
	obj, err := e.object()
	if err != nil {
		return nil, err
	}
	if err := signObject(obj, key, e.Rules()); err != nil {
		return nil, err
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, err
	}
	return ParseEvent(data, e.version)
}

// RequiredSigners lists the servers whose signatures an event must carry:
// the sender's server and, for restricted joins, the server of the
// authorising user.
func (e *Event) RequiredSigners() []ServerName {
	servers := []ServerName{e.Sender.Server()}
	if e.Type == TypeMember && e.Rules().RestrictedJoins && e.Membership() == MembershipJoin {
		if via := e.AuthorisingUser(); via != "" {
			if u, err := ParseUserID(via); err == nil && u.Server() != e.Sender.Server() {
				servers = append(servers, u.Server())
			}
		}
	}
	return servers
}

// VerifySignatures checks that every required signer produced at least one
// valid signature over the event.
func VerifySignatures(e *Event, ring KeyRing) error {
	obj, err := e.object()
	if err != nil {
		return err
	}
	payload, err := signingPayload(obj, e.Rules())
	if err != nil {
		return fmt.Errorf("verify signatures: %w", err)
	}

	for _, server := range e.RequiredSigners() {
		sigs := e.Signatures[server.String()]
		if len(sigs) == 0 {
			return fmt.Errorf("event %s has no signature from %s", e.EventID, server)
		}
		keyIDs := make([]string, 0, len(sigs))
		for id := range sigs {
			if strings.HasPrefix(id, "ed25519:") {
				keyIDs = append(keyIDs, id)
			}
		}
		sort.Strings(keyIDs)

		verified := false
		var lastErr error
		for _, keyID := range keyIDs {
			pub, err := ring.VerifyKey(server, keyID)
			if err != nil {
				lastErr = err
				continue
			}
			sig, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sigs[keyID], "="))
			if err != nil {
				lastErr = fmt.Errorf("decode signature %s: %w", keyID, err)
				continue
			}
			if ed25519.Verify(pub, payload, sig) {
				verified = true
				break
			}
			lastErr = fmt.Errorf("bad signature from %s %s", server, keyID)
		}
		if !verified {
			if lastErr == nil {
				lastErr = fmt.Errorf("no ed25519 signature from %s", server)
			}
			return fmt.Errorf("event %s: %w", e.EventID, lastErr)
		}
	}
	return nil
}
