// Package suite defines the cipher suites this client is willing to
// negotiate, along with the hash and AEAD each one carries.
package suite

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	_ "crypto/sha256" // register SHA-256/384 with the crypto package
	_ "crypto/sha512"
)

// Version identifies the protocol version a Suite belongs to.
type Version uint16

const (
	VersionTLS12 Version = 0x0303
	VersionTLS13 Version = 0x0304
)

// TLS_EMPTY_RENEGOTIATION_INFO_SCSV is not a real cipher suite; it is
// appended to the ClientHello's cipher list to signal that renegotiation
// is never offered, per RFC 5746.
const EmptyRenegotiationInfoSCSV uint16 = 0x00ff

// AEADFactory builds an AEAD cipher from a raw traffic key.
type AEADFactory func(key []byte) (cipher.AEAD, error)

// Suite describes one negotiable cipher suite.
type Suite struct {
	ID      uint16
	Name    string
	Version Version
	Hash    crypto.Hash
	KeyLen  int
	IVLen   int
	AEAD    AEADFactory
}

func (s *Suite) IsTLS13() bool { return s.Version == VersionTLS13 }

// ExplicitNonceTLS12 reports whether this suite, negotiated over TLS
// 1.2, sends an explicit per-record nonce (RFC 5288 GCM suites) rather
// than deriving the nonce implicitly from the sequence number
// (RFC 7905 ChaCha20-Poly1305 suites). Meaningless for TLS 1.3 suites,
// which are always implicit.
func (s *Suite) ExplicitNonceTLS12() bool { return s.IVLen == 4 }

func aesgcm(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var (
	TLS13_AES_128_GCM_SHA256 = &Suite{
		ID: 0x1301, Name: "TLS_AES_128_GCM_SHA256", Version: VersionTLS13,
		Hash: crypto.SHA256, KeyLen: 16, IVLen: 12, AEAD: aesgcm,
	}
	TLS13_AES_256_GCM_SHA384 = &Suite{
		ID: 0x1302, Name: "TLS_AES_256_GCM_SHA384", Version: VersionTLS13,
		Hash: crypto.SHA384, KeyLen: 32, IVLen: 12, AEAD: aesgcm,
	}
	TLS13_CHACHA20_POLY1305_SHA256 = &Suite{
		ID: 0x1303, Name: "TLS_CHACHA20_POLY1305_SHA256", Version: VersionTLS13,
		Hash: crypto.SHA256, KeyLen: chacha20poly1305.KeySize, IVLen: chacha20poly1305.NonceSize,
		AEAD: chacha20poly1305.New,
	}

	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256 = &Suite{
		ID: 0xc02b, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", Version: VersionTLS12,
		Hash: crypto.SHA256, KeyLen: 16, IVLen: 4, AEAD: aesgcm,
	}
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 = &Suite{
		ID: 0xc02f, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", Version: VersionTLS12,
		Hash: crypto.SHA256, KeyLen: 16, IVLen: 4, AEAD: aesgcm,
	}
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384 = &Suite{
		ID: 0xc02c, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", Version: VersionTLS12,
		Hash: crypto.SHA384, KeyLen: 32, IVLen: 4, AEAD: aesgcm,
	}
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384 = &Suite{
		ID: 0xc030, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", Version: VersionTLS12,
		Hash: crypto.SHA384, KeyLen: 32, IVLen: 4, AEAD: aesgcm,
	}
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 = &Suite{
		ID: 0xcca9, Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", Version: VersionTLS12,
		Hash: crypto.SHA256, KeyLen: chacha20poly1305.KeySize, IVLen: chacha20poly1305.NonceSize,
		AEAD: chacha20poly1305.New,
	}
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256 = &Suite{
		ID: 0xcca8, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", Version: VersionTLS12,
		Hash: crypto.SHA256, KeyLen: chacha20poly1305.KeySize, IVLen: chacha20poly1305.NonceSize,
		AEAD: chacha20poly1305.New,
	}
)

// DefaultTLS13 returns the TLS 1.3 suites in the order a safe default
// config offers them.
func DefaultTLS13() []*Suite {
	return []*Suite{TLS13_AES_128_GCM_SHA256, TLS13_AES_256_GCM_SHA384, TLS13_CHACHA20_POLY1305_SHA256}
}

// DefaultTLS12 returns the TLS 1.2 suites in the order a safe default
// config offers them. Only AEAD suites with forward secrecy are listed;
// CBC and non-ephemeral suites are low-strength and never offered.
func DefaultTLS12() []*Suite {
	return []*Suite{
		TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// CanResumeFrom reports whether a PSK negotiated under old may be used to
// resume a connection that ultimately selects suite new — both must be
// TLS 1.3 suites sharing the same hash algorithm (RFC 8446 §4.2.11).
func CanResumeFrom(new, old *Suite) bool {
	if new == nil || old == nil {
		return false
	}
	return new.IsTLS13() && old.IsTLS13() && new.Hash == old.Hash
}

// ByID looks up a suite by its wire identifier among the given set.
func ByID(suites []*Suite, id uint16) (*Suite, bool) {
	for _, s := range suites {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

func (s *Suite) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(0x%04x)", s.Name, s.ID)
}
