package handshake

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldwire/tls13/config"
	"github.com/coldwire/tls13/group"
	"github.com/coldwire/tls13/keyschedule"
	"github.com/coldwire/tls13/session"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/transcript"
	"github.com/coldwire/tls13/verify"
	"github.com/coldwire/tls13/wire"
)

func newTLS13Config() *config.ClientConfig {
	return &config.ClientConfig{
		CipherSuitesTLS13: []*suite.Suite{suite.TLS13_AES_128_GCM_SHA256},
		KxGroups:          []group.ID{group.X25519},
		MinVersion:        suite.VersionTLS13,
		MaxVersion:        suite.VersionTLS13,
		EnableSNI:         true,
		Verifier:          verify.NewAcceptAnyVerifier(),
	}
}

func TestBuildClientHelloOffersConfiguredGroupsAndSuites(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	c := newCtx(newTLS13Config(), conn, "example.com")
	ch, psk, err := buildClientHello(c)
	require.NoError(t, err)
	require.Nil(t, psk)

	require.Equal(t, "example.com", ch.ServerName)
	require.Len(t, ch.KeyShares, 1)
	require.Equal(t, uint16(group.X25519), ch.KeyShares[0].Group)
	require.Contains(t, ch.CipherSuites, suite.TLS13_AES_128_GCM_SHA256.ID)
	require.Equal(t, suite.EmptyRenegotiationInfoSCSV, ch.CipherSuites[len(ch.CipherSuites)-1])
	require.Equal(t, crypto.Hash(0), c.tr.Algorithm())
}

func TestBuildClientHelloWithoutSNIOmitsServerName(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	cfg.EnableSNI = false
	c := newCtx(cfg, conn, "example.com")
	ch, _, err := buildClientHello(c)
	require.NoError(t, err)
	require.Empty(t, ch.ServerName)
}

func TestBuildClientHelloWithUsablePSKAttachesBinder(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	store, err := session.NewMemoryStore()
	require.NoError(t, err)
	require.NoError(t, store.Store(backgroundContext(), "example.com", &session.Ticket{
		ServerName:       "example.com",
		Identity:         []byte("opaque-ticket"),
		ResumptionSecret: make([]byte, 32),
		CipherSuiteID:    suite.TLS13_AES_128_GCM_SHA256.ID,
		ReceivedAt:       time.Now(),
		LifetimeSeconds:  3600,
		Nonce:            []byte{0x01},
	}))

	cfg := newTLS13Config()
	cfg.EnableTicketResumption = true
	cfg.SessionStore = store
	c := newCtx(cfg, conn, "example.com")

	ch, psk, err := buildClientHello(c)
	require.NoError(t, err)
	require.NotNil(t, psk)
	require.Len(t, ch.PSKIdentities, 1)
	require.Equal(t, []byte("opaque-ticket"), ch.PSKIdentities[0].Identity)
	require.Len(t, ch.PSKBinders, 1)
	require.Len(t, ch.PSKBinders[0], suite.TLS13_AES_128_GCM_SHA256.Hash.Size())
	require.Equal(t, suite.TLS13_AES_128_GCM_SHA256.Hash, c.tr.Algorithm())
}

func TestBuildClientHelloSkipsExpiredTicket(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	store, err := session.NewMemoryStore()
	require.NoError(t, err)
	require.NoError(t, store.Store(backgroundContext(), "example.com", &session.Ticket{
		ServerName:       "example.com",
		Identity:         []byte("opaque-ticket"),
		ResumptionSecret: make([]byte, 32),
		CipherSuiteID:    suite.TLS13_AES_128_GCM_SHA256.ID,
		ReceivedAt:       time.Now().Add(-2 * time.Hour),
		LifetimeSeconds:  60,
	}))

	cfg := newTLS13Config()
	cfg.EnableTicketResumption = true
	cfg.SessionStore = store
	c := newCtx(cfg, conn, "example.com")

	ch, psk, err := buildClientHello(c)
	require.NoError(t, err)
	require.Nil(t, psk)
	require.Empty(t, ch.PSKIdentities)
}

func TestRandomSessionIDIsThirtyTwoBytes(t *testing.T) {
	id := randomSessionID()
	require.Len(t, id, 32)
}

func TestProcessServerHelloRejectsNonTLS13Suite(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	c := newCtx(newTLS13Config(), conn, "example.com")
	_, _, err := buildClientHello(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		sh := &wire.ServerHello{CipherSuite: suite.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256.ID}
		done <- processServerHello(c, sh, nil)
	}()

	buf := make([]byte, 64)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessServerHelloRejectsMissingKeyShare(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	c := newCtx(newTLS13Config(), conn, "example.com")
	_, _, err := buildClientHello(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		sh := &wire.ServerHello{CipherSuite: suite.TLS13_AES_128_GCM_SHA256.ID, SupportedVersion: uint16(suite.VersionTLS13)}
		done <- processServerHello(c, sh, nil)
	}()

	buf := make([]byte, 64)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessServerHelloRejectsNonNullCompressionMethod(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	c := newCtx(newTLS13Config(), conn, "example.com")
	_, _, err := buildClientHello(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		sh := &wire.ServerHello{CipherSuite: suite.TLS13_AES_128_GCM_SHA256.ID, CompressionMethod: 1}
		done <- processServerHello(c, sh, nil)
	}()

	buf := make([]byte, 64)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessServerHelloRejectsUnsolicitedExtension(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	c := newCtx(newTLS13Config(), conn, "example.com")
	_, _, err := buildClientHello(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		sh := &wire.ServerHello{
			CipherSuite: suite.TLS13_AES_128_GCM_SHA256.ID,
			Extensions:  []wire.Extension{{Type: wire.ExtALPN, Body: []byte{0}}},
		}
		done <- processServerHello(c, sh, nil)
	}()

	buf := make([]byte, 64)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessServerHelloRejectsECPointFormatsWithoutUncompressed(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	c := newCtx(newTLS13Config(), conn, "example.com")
	_, _, err := buildClientHello(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		sh := &wire.ServerHello{
			CipherSuite: suite.TLS13_AES_128_GCM_SHA256.ID,
			Extensions:  []wire.Extension{{Type: wire.ExtECPointFormats, Body: []byte{1, 1}}}, // ansiX962_compressed_prime only
		}
		done <- processServerHello(c, sh, nil)
	}()

	buf := make([]byte, 64)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

// TestParseServerHelloRejectsDuplicateExtension exercises the §8 property
// that a ServerHello repeating an extension type is a DecodeError abort
// before any key is installed (scenario #5): the decode itself fails,
// so processServerHello is never reached.
func TestParseServerHelloRejectsDuplicateExtension(t *testing.T) {
	sh := &wire.ServerHello{SupportedVersion: uint16(suite.VersionTLS13)}
	body := wire.NewBuilder()
	body.AddUint16(sh.SupportedVersion)
	body.AddBytes(make([]byte, 32)) // random
	body.AddUint8LengthPrefixed(func(*wire.Builder) {})
	body.AddUint16(suite.TLS13_AES_128_GCM_SHA256.ID)
	body.AddUint8(0)
	body.AddUint16LengthPrefixed(func(ext *wire.Builder) {
		wire.AddExtension(ext, wire.ExtSupportedVersions, func(inner *wire.Builder) { inner.AddUint16(sh.SupportedVersion) })
		wire.AddExtension(ext, wire.ExtSupportedVersions, func(inner *wire.Builder) { inner.AddUint16(sh.SupportedVersion) })
	})

	_, err := wire.ParseServerHello(body.Bytes())
	require.Error(t, err)
}

func TestProcessEncryptedExtensionsRejectsPlaintextOnlyExtension(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	c := newCtx(cfg, conn, "example.com")
	c.offeredExtensions = map[wire.ExtensionType]bool{}

	ext := wire.NewBuilder()
	wire.AddExtension(ext, wire.ExtSupportedVersions, func(inner *wire.Builder) { inner.AddUint16(uint16(suite.VersionTLS13)) })
	b := wire.NewBuilder()
	b.AddUint16LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(ext.Bytes()) })

	done := make(chan error, 1)
	go func() { done <- processEncryptedExtensions(c, b.Bytes()) }()

	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessEncryptedExtensionsRejectsDisallowedExtension(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	c := newCtx(cfg, conn, "example.com")
	c.offeredExtensions = map[wire.ExtensionType]bool{}

	ext := wire.NewBuilder()
	wire.AddExtension(ext, wire.ExtRenegotiationInfo, func(inner *wire.Builder) { inner.AddUint8LengthPrefixed(func(*wire.Builder) {}) })
	b := wire.NewBuilder()
	b.AddUint16LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(ext.Bytes()) })

	done := make(chan error, 1)
	go func() { done <- processEncryptedExtensions(c, b.Bytes()) }()

	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessEncryptedExtensionsRejectsUnofferedExtension(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	c := newCtx(cfg, conn, "example.com")
	c.offeredExtensions = map[wire.ExtensionType]bool{} // client never offered status_request

	ext := wire.NewBuilder()
	wire.AddExtension(ext, wire.ExtStatusRequest, func(inner *wire.Builder) {})
	b := wire.NewBuilder()
	b.AddUint16LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(ext.Bytes()) })

	done := make(chan error, 1)
	go func() { done <- processEncryptedExtensions(c, b.Bytes()) }()

	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessCertificateRequestRejectsNonEmptyContext(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	c := newCtx(newTLS13Config(), conn, "example.com")

	body := wire.NewBuilder()
	body.AddUint8LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes([]byte{0x01}) })
	body.AddUint16LengthPrefixed(func(*wire.Builder) {})

	done := make(chan error, 1)
	go func() { done <- processCertificateRequest(c, body.Bytes()) }()

	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessCertificateRequestAcceptsEmptyContextAndMatchingScheme(t *testing.T) {
	conn, _ := net.Pipe()
	defer conn.Close()

	cfg := newTLS13Config()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cfg.ClientAuth = &config.ClientAuthConfig{
		Certificates: []tls.Certificate{{PrivateKey: priv}},
	}
	c := newCtx(cfg, conn, "example.com")

	body := wire.NewBuilder()
	body.AddUint8LengthPrefixed(func(*wire.Builder) {})
	body.AddUint16LengthPrefixed(func(ext *wire.Builder) {
		wire.AddExtension(ext, wire.ExtSignatureAlgorithms, func(inner *wire.Builder) {
			inner.AddUint16LengthPrefixed(func(list *wire.Builder) {
				list.AddUint16(uint16(verify.ECDSAWithP256AndSHA256))
			})
		})
	})

	require.NoError(t, processCertificateRequest(c, body.Bytes()))
	require.True(t, c.clientAuthRequested)
}

func TestProcessCertificateRequestRejectsIncompatibleScheme(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cfg.ClientAuth = &config.ClientAuthConfig{
		Certificates: []tls.Certificate{{PrivateKey: priv}},
	}
	c := newCtx(cfg, conn, "example.com")

	body := wire.NewBuilder()
	body.AddUint8LengthPrefixed(func(*wire.Builder) {})
	body.AddUint16LengthPrefixed(func(ext *wire.Builder) {
		wire.AddExtension(ext, wire.ExtSignatureAlgorithms, func(inner *wire.Builder) {
			inner.AddUint16LengthPrefixed(func(list *wire.Builder) {
				list.AddUint16(uint16(verify.RSAPSSWithSHA256)) // client key is ECDSA P-256
			})
		})
	})

	done := make(chan error, 1)
	go func() { done <- processCertificateRequest(c, body.Bytes()) }()

	buf := make([]byte, 64)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessEncryptedExtensionsAcceptsMatchingALPN(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	cfg.ALPN = []string{"h2", "http/1.1"}
	c := newCtx(cfg, conn, "example.com")
	c.offeredExtensions = map[wire.ExtensionType]bool{wire.ExtALPN: true}

	body := marshalEncryptedExtensions(t, "h2", false)
	require.NoError(t, processEncryptedExtensions(c, body))
	require.Equal(t, "h2", c.alpnSelected)
}

func TestProcessEncryptedExtensionsRejectsUnofferedALPN(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	cfg.ALPN = []string{"h2"}
	c := newCtx(cfg, conn, "example.com")
	c.offeredExtensions = map[wire.ExtensionType]bool{wire.ExtALPN: true}

	done := make(chan error, 1)
	go func() {
		body := marshalEncryptedExtensions(t, "spdy/3", false)
		done <- processEncryptedExtensions(c, body)
	}()

	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

func TestProcessEncryptedExtensionsRequiresALPNWhenConfigured(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	cfg := newTLS13Config()
	cfg.ALPN = []string{"h2"}
	c := newCtx(cfg, conn, "example.com")
	c.offeredExtensions = map[wire.ExtensionType]bool{wire.ExtALPN: true}

	done := make(chan error, 1)
	go func() {
		done <- processEncryptedExtensions(c, marshalEncryptedExtensions(t, "", false))
	}()

	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.NoError(t, err)
	require.Error(t, <-done)
}

// marshalEncryptedExtensions builds an EncryptedExtensions message body
// with an optional ALPN response, mirroring what a server would send.
func marshalEncryptedExtensions(t *testing.T, alpnProtocol string, earlyData bool) []byte {
	t.Helper()
	ext := wire.NewBuilder()
	if alpnProtocol != "" {
		wire.AddExtension(ext, wire.ExtALPN, func(b *wire.Builder) {
			b.AddUint16LengthPrefixed(func(list *wire.Builder) {
				list.AddUint8LengthPrefixed(func(proto *wire.Builder) { proto.AddBytes([]byte(alpnProtocol)) })
			})
		})
	}
	if earlyData {
		wire.AddExtension(ext, wire.ExtEarlyData, func(b *wire.Builder) {})
	}
	b := wire.NewBuilder()
	b.AddUint16LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(ext.Bytes()) })
	return b.Bytes()
}

// marshalFullServerHello builds a ServerHello message body carrying a
// full key_share entry (group and public key), the form ParseServerHello
// expects outside a HelloRetryRequest.
func marshalFullServerHello(sh *wire.ServerHello) []byte {
	b := wire.NewBuilder()
	b.AddUint16(sh.LegacyVersion)
	b.AddBytes(sh.Random[:])
	b.AddUint8LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(sh.SessionIDEcho) })
	b.AddUint16(sh.CipherSuite)
	b.AddUint8(sh.CompressionMethod)
	b.AddUint16LengthPrefixed(func(ext *wire.Builder) {
		wire.AddExtension(ext, wire.ExtSupportedVersions, func(inner *wire.Builder) { inner.AddUint16(sh.SupportedVersion) })
		if sh.KeyShare != nil {
			wire.AddExtension(ext, wire.ExtKeyShare, func(inner *wire.Builder) {
				inner.AddUint16(sh.KeyShare.Group)
				inner.AddUint16LengthPrefixed(func(kx *wire.Builder) { kx.AddBytes(sh.KeyShare.KeyExchange) })
			})
		}
	})
	return b.Bytes()
}

func marshalServerCertificateMessage(der []byte) []byte {
	b := wire.NewBuilder()
	b.AddUint8LengthPrefixed(func(inner *wire.Builder) {})
	b.AddUint24LengthPrefixed(func(list *wire.Builder) {
		list.AddUint24LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(der) })
		list.AddUint16(0)
	})
	return b.Bytes()
}

func selfSignedServerCert(t *testing.T, dnsName string) (der []byte, priv *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: dnsName},
		DNSNames:     []string{dnsName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return der, priv
}

// TestFullTLS13HandshakeEndToEnd drives the client's state machine
// against a hand-rolled server loop over a net.Pipe, exercising
// buildClientHello, processServerHello, processEncryptedExtensions,
// processCertificate, processCertificateVerify, processServerFinished,
// and sendClientFlightAndFinish together so the derived secrets are
// cross-checked from both sides rather than asserted in isolation.
func TestFullTLS13HandshakeEndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	certDER, certPriv := selfSignedServerCert(t, "example.com")
	s := suite.TLS13_AES_128_GCM_SHA256

	cfg := newTLS13Config()
	cfg.ALPN = []string{"h2"}
	c := newCtx(cfg, clientConn, "example.com")

	clientDone := make(chan error, 1)
	go func() { clientDone <- runTLS13(c, nil) }()

	srv := newCtx(&config.ClientConfig{}, serverConn, "")
	srv.negotiatedSuite = s
	srv.negotiatedVersion = suite.VersionTLS13
	srv.tr = transcript.New(s.Hash)
	buf := &readRecordBuf{}

	msgType, body, err := srv.readHandshakeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, wire.TypeClientHello, msgType)
	ch, err := wire.ParseClientHello(body)
	require.NoError(t, err)
	require.Len(t, ch.KeyShares, 1)
	require.Equal(t, uint16(group.X25519), ch.KeyShares[0].Group)

	// Drain the middlebox-compatibility fake ChangeCipherSpec the client
	// sends right after ClientHello; net.Pipe has no OS-level send buffer,
	// so leaving it unread would block the client's next write forever.
	_, _, err = readOneRawRecordNoFail(serverConn, buf)
	require.NoError(t, err)

	serverKS, err := group.Generate(group.X25519)
	require.NoError(t, err)
	dheSecret, err := serverKS.SharedSecret(ch.KeyShares[0].KeyExchange)
	require.NoError(t, err)

	random, err := wire.NewRandom()
	require.NoError(t, err)
	sh := &wire.ServerHello{
		LegacyVersion:     0x0303,
		Random:            random,
		CipherSuite:       s.ID,
		CompressionMethod: 0,
		SupportedVersion:  uint16(suite.VersionTLS13),
		KeyShare:          &wire.KeyShareEntry{Group: uint16(group.X25519), KeyExchange: serverKS.Public},
	}
	require.NoError(t, srv.writeHandshakeMessage(wire.TypeServerHello, marshalFullServerHello(sh)))

	ks := keyschedule.New(s)
	ks.StartEarly(nil)
	ks.StartHandshake(dheSecret)
	th := srv.tr.Sum()
	serverHSSecret := ks.ServerHandshakeTrafficSecret(th)
	clientHSSecret := ks.ClientHandshakeTrafficSecret(th)
	serverFinishedKey := keyschedule.FinishedKey(s.Hash, serverHSSecret)
	clientFinishedKey := keyschedule.FinishedKey(s.Hash, clientHSSecret)

	writeKeys := ks.DeriveTrafficKeys(serverHSSecret)
	readKeys := ks.DeriveTrafficKeys(clientHSSecret)
	require.NoError(t, srv.installWriteKeys(&writeKeys))
	require.NoError(t, srv.installReadKeys(&readKeys))

	require.NoError(t, srv.writeHandshakeMessage(wire.TypeEncryptedExtensions, marshalEncryptedExtensions(t, "h2", false)))
	require.NoError(t, srv.writeHandshakeMessage(wire.TypeCertificate, marshalServerCertificateMessage(certDER)))

	cvHash := srv.tr.Sum()
	scheme, err := verify.SchemeForKey(certPriv)
	require.NoError(t, err)
	sig, err := verify.Sign(certPriv, scheme, cvHash, "TLS 1.3, server CertificateVerify")
	require.NoError(t, err)
	cv := &wire.CertificateVerify{Algorithm: uint16(scheme), Signature: sig}
	require.NoError(t, srv.writeHandshakeMessage(wire.TypeCertificateVerify, cv.Marshal()))

	finishedHash := srv.tr.Sum()
	serverVerifyData := hmacSum(s.Hash, serverFinishedKey, finishedHash)
	require.NoError(t, srv.writeHandshakeMessage(wire.TypeFinished, (&wire.Finished{VerifyData: serverVerifyData}).Marshal()))

	expectedClientVerifyData := hmacSum(s.Hash, clientFinishedKey, srv.tr.Sum())
	msgType, body, err = srv.readHandshakeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, wire.TypeFinished, msgType)
	require.True(t, hmacEqual(expectedClientVerifyData, body))

	require.NoError(t, <-clientDone)
	require.Equal(t, s, c.negotiatedSuite)
	require.Equal(t, "h2", c.alpnSelected)
	require.NotEmpty(t, c.exporterMasterSecret)
	require.NotEmpty(t, c.resumptionMasterSecret)
	require.Len(t, c.lastReadSecret, s.Hash.Size())
	require.Len(t, c.lastWriteSecret, s.Hash.Size())
}
