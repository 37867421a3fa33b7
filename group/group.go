// Package group implements the key-exchange groups a client may offer in
// its ClientHello key_share extension, and the ephemeral key generation
// and shared-secret derivation for each.
package group

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ID is the wire identifier for a named group (RFC 8446 §4.2.7).
type ID uint16

const (
	X25519 ID = 0x001d
	P256   ID = 0x0017
	P384   ID = 0x0018
	P521   ID = 0x0019
)

func (id ID) String() string {
	switch id {
	case X25519:
		return "x25519"
	case P256:
		return "secp256r1"
	case P384:
		return "secp384r1"
	case P521:
		return "secp521r1"
	default:
		return fmt.Sprintf("group(0x%04x)", uint16(id))
	}
}

// KeyShare is a locally generated ephemeral key share, kept alive until
// the peer's share is known and the shared secret can be derived.
type KeyShare struct {
	Group ID

	// Public is the encoded public share sent on the wire.
	Public []byte

	x25519Priv [32]byte
	ecdhPriv   *ecdh.PrivateKey
}

// Generate produces a fresh ephemeral key share for the given group.
func Generate(id ID) (*KeyShare, error) {
	switch id {
	case X25519:
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, fmt.Errorf("group: generate x25519: %w", err)
		}
		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("group: derive x25519 public: %w", err)
		}
		return &KeyShare{Group: id, Public: pub, x25519Priv: priv}, nil
	case P256, P384, P521:
		curve := ecdhCurve(id)
		priv, err := curve.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("group: generate %s: %w", id, err)
		}
		return &KeyShare{Group: id, Public: priv.PublicKey().Bytes(), ecdhPriv: priv}, nil
	default:
		return nil, fmt.Errorf("group: unsupported group %s", id)
	}
}

// SharedSecret completes the exchange against the peer's encoded public
// share, returning the raw (EC)DH output ready to feed the key schedule.
func (k *KeyShare) SharedSecret(peerPublic []byte) ([]byte, error) {
	switch k.Group {
	case X25519:
		if len(peerPublic) != 32 {
			return nil, fmt.Errorf("group: x25519 peer share has length %d, want 32", len(peerPublic))
		}
		secret, err := curve25519.X25519(k.x25519Priv[:], peerPublic)
		if err != nil {
			return nil, fmt.Errorf("group: x25519 exchange: %w", err)
		}
		if isAllZero(secret) {
			return nil, fmt.Errorf("group: x25519 exchange produced all-zero secret")
		}
		return secret, nil
	case P256, P384, P521:
		curve := ecdhCurve(k.Group)
		peer, err := curve.NewPublicKey(peerPublic)
		if err != nil {
			return nil, fmt.Errorf("group: parse %s peer share: %w", k.Group, err)
		}
		secret, err := k.ecdhPriv.ECDH(peer)
		if err != nil {
			return nil, fmt.Errorf("group: %s exchange: %w", k.Group, err)
		}
		return secret, nil
	default:
		return nil, fmt.Errorf("group: unsupported group %s", k.Group)
	}
}

func ecdhCurve(id ID) ecdh.Curve {
	switch id {
	case P256:
		return ecdh.P256()
	case P384:
		return ecdh.P384()
	case P521:
		return ecdh.P521()
	default:
		panic("group: ecdhCurve called with non-NIST group")
	}
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Default returns the key-exchange groups a safe-default config offers,
// in preference order: X25519 first since it is cheapest and universally
// supported, NIST curves after for servers that require them.
func Default() []ID {
	return []ID{X25519, P256, P384}
}

// Contains reports whether id is present in groups.
func Contains(groups []ID, id ID) bool {
	for _, g := range groups {
		if g == id {
			return true
		}
	}
	return false
}
