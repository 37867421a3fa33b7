package keyschedule

import (
	"crypto"
	"crypto/hmac"
	"hash"
)

// PRF12 implements the TLS 1.2 pseudorandom function (RFC 5246 §5),
// P_hash applied to secret, label, and seed.
func PRF12(h crypto.Hash, secret []byte, label string, seed []byte, length int) []byte {
	ls := append([]byte(label), seed...)
	mac := hmac.New(h.New, secret)

	out := make([]byte, 0, length)
	a := aHMAC(mac, ls)
	for len(out) < length {
		mac.Reset()
		mac.Write(a)
		mac.Write(ls)
		out = append(out, mac.Sum(nil)...)
		a = aHMAC(mac, a)
	}
	return out[:length]
}

func aHMAC(mac hash.Hash, seed []byte) []byte {
	mac.Reset()
	mac.Write(seed)
	return mac.Sum(nil)
}

// MasterSecret12 derives the TLS 1.2 master secret from the (EC)DHE
// premaster secret and the two hello randoms (RFC 5246 §8.1).
func MasterSecret12(h crypto.Hash, preMasterSecret, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return PRF12(h, preMasterSecret, "master secret", seed, 48)
}

// KeyBlock12 holds the client/server write keys and IVs expanded from
// the master secret (RFC 5246 §6.3) for an AEAD cipher, which uses no
// MAC keys. The IV length is the suite's: the 4-byte implicit salt for
// GCM, the full 12-byte nonce mask for ChaCha20-Poly1305.
type KeyBlock12 struct {
	ClientWriteKey []byte
	ServerWriteKey []byte
	ClientWriteIV  []byte
	ServerWriteIV  []byte
}

func DeriveKeyBlock12(h crypto.Hash, masterSecret, clientRandom, serverRandom []byte, keyLen, ivLen int) KeyBlock12 {
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	total := 2*keyLen + 2*ivLen
	block := PRF12(h, masterSecret, "key expansion", seed, total)

	off := 0
	next := func(n int) []byte {
		v := block[off : off+n]
		off += n
		return v
	}
	return KeyBlock12{
		ClientWriteKey: next(keyLen),
		ServerWriteKey: next(keyLen),
		ClientWriteIV:  next(ivLen),
		ServerWriteIV:  next(ivLen),
	}
}

// VerifyData12 computes a TLS 1.2 Finished message's verify_data
// (RFC 5246 §7.4.9).
func VerifyData12(h crypto.Hash, masterSecret []byte, label string, handshakeHash []byte) []byte {
	return PRF12(h, masterSecret, label, handshakeHash, 12)
}
