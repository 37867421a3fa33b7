// Package verify implements server identity verification: X.509 chain
// building and validation against a trust store, hostname matching,
// and the CertificateVerify signature check.
package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"
)

// RootStore supplies the trust anchors used to validate a server's
// certificate chain.
type RootStore interface {
	Pool() *x509.CertPool
}

type systemRootStore struct{ pool *x509.CertPool }

// SystemRoots loads the host's default CA trust store.
func SystemRoots() (RootStore, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("verify: load system roots: %w", err)
	}
	return &systemRootStore{pool: pool}, nil
}

func (s *systemRootStore) Pool() *x509.CertPool { return s.pool }

// StaticRoots wraps a caller-supplied certificate pool, used in tests
// and for pinned-CA deployments.
type StaticRoots struct{ pool *x509.CertPool }

func NewStaticRoots(pool *x509.CertPool) *StaticRoots { return &StaticRoots{pool: pool} }
func (s *StaticRoots) Pool() *x509.CertPool           { return s.pool }

// ServerVerifier authenticates a server's certificate chain for a given
// SNI, returning the parsed leaf certificate, whose public key the
// CertificateVerify signature check uses.
type ServerVerifier interface {
	VerifyServerCertificate(rawCerts [][]byte, serverName string, now time.Time) (*x509.Certificate, error)
}

// WebPKIVerifier validates the chain against a RootStore and checks the
// hostname, the standard path for a client talking to a public server.
type WebPKIVerifier struct {
	roots RootStore
}

func NewWebPKIVerifier(roots RootStore) *WebPKIVerifier {
	return &WebPKIVerifier{roots: roots}
}

func (v *WebPKIVerifier) VerifyServerCertificate(rawCerts [][]byte, serverName string, now time.Time) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("verify: server sent no certificates")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("verify: parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		DNSName:       serverName,
		Roots:         v.roots.Pool(),
		Intermediates: intermediates,
		CurrentTime:   now,
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return nil, fmt.Errorf("verify: certificate chain validation failed: %w", err)
	}
	return certs[0], nil
}

// AcceptAnyVerifier skips chain and hostname validation. It exists for
// testing against servers with self-signed or otherwise unverifiable
// certificates and must never be selected by a default config.
type AcceptAnyVerifier struct{}

func NewAcceptAnyVerifier() *AcceptAnyVerifier { return &AcceptAnyVerifier{} }

func (v *AcceptAnyVerifier) VerifyServerCertificate(rawCerts [][]byte, _ string, _ time.Time) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("verify: server sent no certificates")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("verify: parse certificate: %w", err)
	}
	return cert, nil
}

// SignatureScheme is a TLS 1.3 SignatureScheme value (RFC 8446 §4.2.3).
type SignatureScheme uint16

const (
	ECDSAWithP256AndSHA256 SignatureScheme = 0x0403
	ECDSAWithP384AndSHA384 SignatureScheme = 0x0503
	ECDSAWithP521AndSHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
	RSAPSSWithSHA256       SignatureScheme = 0x0804
	RSAPSSWithSHA384       SignatureScheme = 0x0805
	RSAPSSWithSHA512       SignatureScheme = 0x0806
	PKCS1WithSHA256        SignatureScheme = 0x0401
	PKCS1WithSHA384        SignatureScheme = 0x0501
	PKCS1WithSHA512        SignatureScheme = 0x0601
)

// DefaultSignatureSchemes is the set a safe-default config advertises
// in signature_algorithms, ordered most-preferred first.
func DefaultSignatureSchemes() []SignatureScheme {
	return []SignatureScheme{
		Ed25519,
		ECDSAWithP256AndSHA256,
		RSAPSSWithSHA256,
		ECDSAWithP384AndSHA384,
		RSAPSSWithSHA384,
		RSAPSSWithSHA512,
		PKCS1WithSHA256,
	}
}

// VerifySignature checks a CertificateVerify signature against the
// server's certificate public key, per RFC 8446 §4.4.3: the content
// signed is 64 spaces, a context string, a 0x00 separator, and the
// transcript hash.
func VerifySignature(pub crypto.PublicKey, scheme SignatureScheme, transcriptHash []byte, signature []byte) error {
	content := buildSignatureContent("TLS 1.3, server CertificateVerify", transcriptHash)

	switch scheme {
	case ECDSAWithP256AndSHA256, ECDSAWithP384AndSHA384, ECDSAWithP521AndSHA512:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("verify: scheme 0x%04x requires an ECDSA key, got %T", scheme, pub)
		}
		h := schemeHash(scheme)
		digest := h.New()
		digest.Write(content)
		if !ecdsa.VerifyASN1(key, digest.Sum(nil), signature) {
			return fmt.Errorf("verify: ECDSA signature verification failed")
		}
		return nil
	case Ed25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("verify: scheme Ed25519 requires an Ed25519 key, got %T", pub)
		}
		if !ed25519.Verify(key, content, signature) {
			return fmt.Errorf("verify: Ed25519 signature verification failed")
		}
		return nil
	case RSAPSSWithSHA256, RSAPSSWithSHA384, RSAPSSWithSHA512:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("verify: scheme 0x%04x requires an RSA key, got %T", scheme, pub)
		}
		h := schemeHash(scheme)
		digest := h.New()
		digest.Write(content)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
		if err := rsa.VerifyPSS(key, h, digest.Sum(nil), signature, opts); err != nil {
			return fmt.Errorf("verify: RSA-PSS signature verification failed: %w", err)
		}
		return nil
	case PKCS1WithSHA256, PKCS1WithSHA384, PKCS1WithSHA512:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("verify: scheme 0x%04x requires an RSA key, got %T", scheme, pub)
		}
		h := schemeHash(scheme)
		digest := h.New()
		digest.Write(content)
		if err := rsa.VerifyPKCS1v15(key, h, digest.Sum(nil), signature); err != nil {
			return fmt.Errorf("verify: RSA PKCS#1v1.5 signature verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("verify: unsupported signature scheme 0x%04x", scheme)
	}
}

// Sign produces a CertificateVerify signature over transcriptHash with
// signer, per RFC 8446 §4.4.3. context is the side-specific string
// ("TLS 1.3, server CertificateVerify" or "TLS 1.3, client
// CertificateVerify") wrapped around the transcript hash the same way
// VerifySignature expects it on the receiving end.
func Sign(signer crypto.Signer, scheme SignatureScheme, transcriptHash []byte, context string) ([]byte, error) {
	content := buildSignatureContent(context, transcriptHash)

	switch scheme {
	case ECDSAWithP256AndSHA256, ECDSAWithP384AndSHA384, ECDSAWithP521AndSHA512, PKCS1WithSHA256, PKCS1WithSHA384, PKCS1WithSHA512:
		h := schemeHash(scheme)
		digest := h.New()
		digest.Write(content)
		return signer.Sign(rand.Reader, digest.Sum(nil), h)
	case Ed25519:
		return signer.Sign(rand.Reader, content, crypto.Hash(0))
	case RSAPSSWithSHA256, RSAPSSWithSHA384, RSAPSSWithSHA512:
		h := schemeHash(scheme)
		digest := h.New()
		digest.Write(content)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
		return signer.Sign(rand.Reader, digest.Sum(nil), opts)
	default:
		return nil, fmt.Errorf("verify: unsupported signature scheme 0x%04x", scheme)
	}
}

// SchemeForKey picks the SignatureScheme this client uses when signing
// with signer's key type: Ed25519 as-is, ECDSA keyed to its curve's
// matching hash, and RSA-PSS (never legacy PKCS#1v1.5, which this
// client only ever verifies, not produces) for RSA.
func SchemeForKey(signer crypto.Signer) (SignatureScheme, error) {
	switch pub := signer.Public().(type) {
	case ed25519.PublicKey:
		return Ed25519, nil
	case *ecdsa.PublicKey:
		switch bits := pub.Curve.Params().BitSize; bits {
		case 256:
			return ECDSAWithP256AndSHA256, nil
		case 384:
			return ECDSAWithP384AndSHA384, nil
		case 521:
			return ECDSAWithP521AndSHA512, nil
		default:
			return 0, fmt.Errorf("verify: unsupported ECDSA curve bit size %d", bits)
		}
	case *rsa.PublicKey:
		return RSAPSSWithSHA256, nil
	default:
		return 0, fmt.Errorf("verify: unsupported client signing key type %T", pub)
	}
}

func buildSignatureContent(context string, transcriptHash []byte) []byte {
	out := make([]byte, 0, 64+len(context)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		out = append(out, ' ')
	}
	out = append(out, context...)
	out = append(out, 0)
	out = append(out, transcriptHash...)
	return out
}

func schemeHash(scheme SignatureScheme) crypto.Hash {
	switch scheme {
	case ECDSAWithP256AndSHA256, RSAPSSWithSHA256, PKCS1WithSHA256:
		return crypto.SHA256
	case ECDSAWithP384AndSHA384, RSAPSSWithSHA384, PKCS1WithSHA384:
		return crypto.SHA384
	case ECDSAWithP521AndSHA512, RSAPSSWithSHA512, PKCS1WithSHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
