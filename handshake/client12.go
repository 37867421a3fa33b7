package handshake

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/coldwire/tls13/group"
	"github.com/coldwire/tls13/keyschedule"
	"github.com/coldwire/tls13/record"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/transcript"
	"github.com/coldwire/tls13/verify"
	"github.com/coldwire/tls13/wire"
)

// runTLS12 drives a full TLS 1.2 client handshake (RFC 5246), restricted
// to ephemeral ECDHE key exchange with an AEAD cipher, matching the
// suites suite.DefaultTLS12 offers. Static RSA key exchange and CBC
// suites are not implemented, since the client never offers them.
func runTLS12(c *ctx) error {
	buf := &readRecordBuf{}
	c.tr = transcript.NewDeferred()

	ch, err := buildClientHello12(c)
	if err != nil {
		return err
	}
	if err := sendClientHello(c, ch, record.LegacyVersionInitial); err != nil {
		return err
	}

	sh, err := readServerHello(c, buf)
	if err != nil {
		return err
	}
	if sh.IsHelloRetryRequest() {
		return c.sendAlert(wire.AlertUnexpectedMessage)
	}
	if err := processServerHello12(c, sh); err != nil {
		return err
	}
	serverRandom := sh.Random

	var leafPub any
	var serverECDHE *serverKeyExchange12

	for {
		msgType, body, err := c.readHandshakeMessage(buf)
		if err != nil {
			return err
		}
		switch msgType {
		case wire.TypeCertificate:
			cert, err := wire.ParseCertificate(body)
			if err != nil {
				return c.sendAlert(wire.AlertDecodeError)
			}
			raw := make([][]byte, len(cert.CertList))
			for i, e := range cert.CertList {
				raw[i] = e.Data
			}
			leaf, err := c.cfg.Verifier.VerifyServerCertificate(raw, c.serverName, c.now())
			if err != nil {
				return c.sendAlert(wire.AlertBadCertificate)
			}
			leafPub = leaf.PublicKey
		case wire.TypeServerKeyExchange:
			ske, err := parseServerKeyExchange12(body)
			if err != nil {
				return c.sendAlert(wire.AlertDecodeError)
			}
			if leafPub == nil {
				return c.sendAlert(wire.AlertUnexpectedMessage)
			}
			signed := append(append(append([]byte{}, c.clientRandom[:]...), serverRandom[:]...), ske.signedParams...)
			if err := verifyServerKeyExchangeSignature12(leafPub, ske.signatureScheme, signed, ske.signature); err != nil {
				return c.sendAlert(wire.AlertDecryptError)
			}
			serverECDHE = ske
		case wire.TypeServerHelloDone:
			goto doneWithServerFlight
		case wire.TypeCertificateRequest:
			continue
		default:
			return c.sendAlert(wire.AlertUnexpectedMessage)
		}
	}

doneWithServerFlight:
	if serverECDHE == nil {
		return c.sendAlert(wire.AlertHandshakeFailure)
	}

	clientShare, err := group.Generate(serverECDHE.group)
	if err != nil {
		return fmt.Errorf("handshake: generate tls 1.2 key share: %w", err)
	}
	preMaster, err := clientShare.SharedSecret(serverECDHE.publicKey)
	if err != nil {
		return c.sendAlert(wire.AlertIllegalParameter)
	}

	cke := wire.NewBuilder()
	cke.AddUint8LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(clientShare.Public) })
	if err := c.writeHandshakeMessage(wire.TypeClientKeyExchange, cke.Bytes()); err != nil {
		return err
	}

	masterSecret := keyschedule.MasterSecret12(c.negotiatedSuite.Hash, preMaster, c.clientRandom[:], serverRandom[:])
	block := keyschedule.DeriveKeyBlock12(c.negotiatedSuite.Hash, masterSecret, c.clientRandom[:], serverRandom[:], c.negotiatedSuite.KeyLen, c.negotiatedSuite.IVLen)

	clientAEAD, err := c.negotiatedSuite.AEAD(block.ClientWriteKey)
	if err != nil {
		return fmt.Errorf("handshake: build tls 1.2 client AEAD: %w", err)
	}
	serverAEAD, err := c.negotiatedSuite.AEAD(block.ServerWriteKey)
	if err != nil {
		return fmt.Errorf("handshake: build tls 1.2 server AEAD: %w", err)
	}
	c.writeSeq = record.NewSequenceAEAD(clientAEAD, block.ClientWriteIV)
	pendingReadSeq := record.NewSequenceAEAD(serverAEAD, block.ServerWriteIV)

	if _, err := c.conn.Write(record.FakeChangeCipherSpec); err != nil {
		return fmt.Errorf("handshake: write change_cipher_spec: %w", err)
	}

	clientFinishedHash := c.tr.Sum()
	verifyData := keyschedule.VerifyData12(c.negotiatedSuite.Hash, masterSecret, "client finished", clientFinishedHash)
	if err := c.writeHandshakeMessage(wire.TypeFinished, (&wire.Finished{VerifyData: verifyData}).Marshal()); err != nil {
		return err
	}

	// The server's ChangeCipherSpec+Finished are read only now, so the
	// read-direction AEAD built above is installed only once the CCS arrives: the
	// record layer otherwise cannot tell a plaintext CCS from a sealed
	// record under it.
	for {
		typ, fragment, err := c.readRecord(buf)
		if err != nil {
			return err
		}
		if typ == record.ContentChangeCipherSpec {
			c.readSeq = pendingReadSeq
			continue
		}
		if typ != record.ContentHandshake {
			return c.sendAlert(wire.AlertUnexpectedMessage)
		}
		preFinishedHash := c.tr.Sum()
		r := wire.NewReader(fragment)
		msgType, body, perr := wire.ReadHandshakeHeader(r)
		if perr != nil {
			return c.sendAlert(wire.AlertDecodeError)
		}
		if msgType != wire.TypeFinished {
			return c.sendAlert(wire.AlertUnexpectedMessage)
		}
		c.tr.Write(fragment)
		fin, perr := wire.ParseFinished(body.Remaining())
		if perr != nil {
			return c.sendAlert(wire.AlertDecodeError)
		}
		expected := keyschedule.VerifyData12(c.negotiatedSuite.Hash, masterSecret, "server finished", preFinishedHash)
		if !hmacEqual(expected, fin.VerifyData) {
			return c.sendAlert(wire.AlertDecryptError)
		}
		break
	}

	c.lastReadSecret, c.lastWriteSecret = nil, nil // TLS 1.2 has no traffic-secret ratchet
	return nil
}

func buildClientHello12(c *ctx) (*wire.ClientHello, error) {
	random, err := wire.NewRandom()
	if err != nil {
		return nil, err
	}
	c.clientRandom = random
	c.offeredGroups = append([]group.ID{}, c.cfg.KxGroups...)

	ch := &wire.ClientHello{
		LegacyVersion:      uint16(suite.VersionTLS12),
		Random:             random,
		LegacySessionID:    randomSessionID(),
		CompressionMethods: []byte{0},
	}
	for _, s := range c.cfg.CipherSuitesTLS12 {
		ch.CipherSuites = append(ch.CipherSuites, s.ID)
	}
	ch.CipherSuites = append(ch.CipherSuites, suite.EmptyRenegotiationInfoSCSV)

	if c.cfg.EnableSNI {
		ch.ServerName = c.serverName
	}
	for _, g := range c.offeredGroups {
		ch.SupportedGroups = append(ch.SupportedGroups, uint16(g))
	}
	ch.ECPointFormats = []uint8{0}
	for _, s := range verify.DefaultSignatureSchemes() {
		ch.SignatureAlgorithms = append(ch.SignatureAlgorithms, uint16(s))
	}
	if len(c.cfg.ALPN) > 0 {
		ch.ALPNProtocols = c.cfg.ALPN
	}
	return ch, nil
}

func processServerHello12(c *ctx, sh *wire.ServerHello) error {
	if sh.LegacyVersion != uint16(suite.VersionTLS12) {
		return c.sendAlert(wire.AlertProtocolVersion)
	}
	chosen, ok := suite.ByID(c.cfg.CipherSuitesTLS12, sh.CipherSuite)
	if !ok || chosen.IsTLS13() {
		return c.sendAlert(wire.AlertHandshakeFailure)
	}
	c.negotiatedSuite = chosen
	c.negotiatedVersion = suite.VersionTLS12
	return c.tr.SelectAlgorithm(chosen.Hash)
}

// serverKeyExchange12 is the parsed ECDHE ServerKeyExchange body
// (RFC 4492 §5.4): the named curve, the server's ephemeral public
// point, and the signature over client_random||server_random||params.
type serverKeyExchange12 struct {
	group            group.ID
	publicKey        []byte
	signatureScheme  uint16
	signature        []byte
	signedParams     []byte
}

func parseServerKeyExchange12(body []byte) (*serverKeyExchange12, error) {
	r := wire.NewReader(body)
	curveType, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if curveType != 3 { // named_curve
		return nil, fmt.Errorf("handshake: tls 1.2 server key exchange uses unsupported curve type %d", curveType)
	}
	namedGroup, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	pub, err := r.ReadUint8LengthPrefixed()
	if err != nil {
		return nil, err
	}
	paramsLen := 1 + 2 + 1 + len(pub.Remaining())
	signatureScheme, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	sig, err := r.ReadUint16LengthPrefixed()
	if err != nil {
		return nil, err
	}
	return &serverKeyExchange12{
		group:           group.ID(namedGroup),
		publicKey:       pub.Remaining(),
		signatureScheme: signatureScheme,
		signature:       sig.Remaining(),
		signedParams:    body[:paramsLen],
	}, nil
}

// verifyServerKeyExchangeSignature12 checks a TLS 1.2 ServerKeyExchange
// signature (RFC 5246 §7.4.3): unlike TLS 1.3's CertificateVerify, the
// signed content is the raw client_random||server_random||params bytes
// with no context-string wrapper, hashed by the scheme's own algorithm.
// The wire encoding of the legacy SignatureAndHashAlgorithm pair
// (hash byte, signature byte) is numerically identical to the
// TLS 1.3 SignatureScheme values this client advertises for the
// ECDSA/RSA-PKCS1 combinations TLS 1.2 servers actually send.
func verifyServerKeyExchangeSignature12(pub any, scheme uint16, signed, signature []byte) error {
	h := schemeHash12(scheme)
	digest := h.New()
	digest.Write(signed)
	sum := digest.Sum(nil)

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, sum, signature) {
			return fmt.Errorf("handshake: tls 1.2 ECDSA server key exchange signature invalid")
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, h, sum, signature); err != nil {
			return fmt.Errorf("handshake: tls 1.2 RSA server key exchange signature invalid: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("handshake: unsupported server key exchange public key type %T", pub)
	}
}

func schemeHash12(scheme uint16) crypto.Hash {
	switch scheme {
	case uint16(verify.ECDSAWithP384AndSHA384), uint16(verify.PKCS1WithSHA384):
		return crypto.SHA384
	case uint16(verify.ECDSAWithP521AndSHA512), uint16(verify.PKCS1WithSHA512):
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
