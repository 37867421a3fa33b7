package handshake

import (
	"context"
	"crypto"
	"fmt"

	"github.com/coldwire/tls13/group"
	"github.com/coldwire/tls13/keylog"
	"github.com/coldwire/tls13/keyschedule"
	"github.com/coldwire/tls13/record"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/transcript"
	"github.com/coldwire/tls13/verify"
	"github.com/coldwire/tls13/wire"
)

// runTLS13 drives the full TLS 1.3 client handshake to completion,
// returning once application traffic keys are installed in both
// directions. earlyDataPayload, if non-nil, is sent as 0-RTT
// application data immediately after the ClientHello.
func runTLS13(c *ctx, earlyDataPayload []byte) error {
	buf := &readRecordBuf{}

	ch, pskEarlySecret, err := buildClientHello(c)
	if err != nil {
		return err
	}
	if err := sendClientHello(c, ch, record.LegacyVersionInitial); err != nil {
		return err
	}
	if err := c.writeFakeChangeCipherSpec(); err != nil {
		return fmt.Errorf("handshake: write fake change_cipher_spec: %w", err)
	}

	wantEarlyData := earlyDataPayload != nil && c.cfg.EnableEarlyData && pskEarlySecret != nil
	if wantEarlyData {
		if err := sendEarlyData(c, pskEarlySecret, earlyDataPayload); err != nil {
			return err
		}
	}

	sh, err := readServerHello(c, buf)
	if err != nil {
		return err
	}

	if sh.IsHelloRetryRequest() {
		ch, pskEarlySecret, err = handleHelloRetryRequest(c, sh, ch)
		if err != nil {
			return err
		}
		if wantEarlyData {
			// Early data is never valid after a HelloRetryRequest
			// (RFC 8446 §4.1.2); the client must not have sent it, so
			// if it already did the connection cannot continue.
			return c.sendAlert(wire.AlertIllegalParameter)
		}
		if err := sendClientHello(c, ch, record.LegacyVersionTLS12); err != nil {
			return err
		}
		sh, err = readServerHello(c, buf)
		if err != nil {
			return err
		}
		if sh.IsHelloRetryRequest() {
			return c.sendAlert(wire.AlertUnexpectedMessage)
		}
	}

	if err := processServerHello(c, sh, pskEarlySecret); err != nil {
		return err
	}
	if wantEarlyData && c.earlyData != EarlyDataAccepted {
		c.earlyData = EarlyDataRejected
	}
	if err := c.installReadKeys(&c.readKeys); err != nil {
		return err
	}

	for {
		preHash := c.tr.Sum()
		msgType, body, err := c.readHandshakeMessage(buf)
		if err != nil {
			return err
		}
		switch msgType {
		case wire.TypeEncryptedExtensions:
			if err := processEncryptedExtensions(c, body); err != nil {
				return err
			}
			if err := finishEarlyDataPhase(c, wantEarlyData); err != nil {
				return err
			}
		case wire.TypeCertificateRequest:
			if err := processCertificateRequest(c, body); err != nil {
				return err
			}
			continue
		case wire.TypeCertificate:
			if err := processCertificate(c, body); err != nil {
				return err
			}
		case wire.TypeCertificateVerify:
			if err := processCertificateVerify(c, body, preHash); err != nil {
				return err
			}
		case wire.TypeFinished:
			if err := processServerFinished(c, body, preHash); err != nil {
				return err
			}
			return sendClientFlightAndFinish(c)
		default:
			return c.sendAlert(wire.AlertUnexpectedMessage)
		}
	}
}

func readServerHello(c *ctx, buf *readRecordBuf) (*wire.ServerHello, error) {
	msgType, body, err := c.readHandshakeMessage(buf)
	if err != nil {
		return nil, err
	}
	if msgType != wire.TypeServerHello {
		return nil, c.sendAlert(wire.AlertUnexpectedMessage)
	}
	sh, err := wire.ParseServerHello(body)
	if err != nil {
		return nil, c.sendAlert(wire.AlertDecodeError)
	}
	return sh, nil
}

// buildClientHello assembles the ClientHello and, if a cached ticket is
// usable, computes and attaches its PSK binder. It returns the PSK
// (the resumption secret expanded per RFC 8446 §4.6.1) whenever a
// TLS 1.3 ticket is offered, and nil otherwise; whether 0-RTT is
// attempted with it is decided by the caller.
func buildClientHello(c *ctx) (*wire.ClientHello, []byte, error) {
	random, err := wire.NewRandom()
	if err != nil {
		return nil, nil, err
	}
	c.clientRandom = random

	c.offeredGroups = append([]group.ID{}, c.cfg.KxGroups...)
	ch := &wire.ClientHello{
		LegacyVersion:      0x0303,
		Random:             random,
		LegacySessionID:    randomSessionID(),
		CompressionMethods: []byte{0},
	}
	for _, s := range c.cfg.AllSuites() {
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

	var versions []uint16
	if c.cfg.MaxVersion >= suite.VersionTLS13 {
		versions = append(versions, uint16(suite.VersionTLS13))
	}
	if c.cfg.MinVersion <= suite.VersionTLS12 {
		versions = append(versions, uint16(suite.VersionTLS12))
	}
	ch.SupportedVersions = versions

	c.keyShares = newPendingKeyShares()
	for _, g := range c.offeredGroups {
		ks, err := group.Generate(g)
		if err != nil {
			return nil, nil, fmt.Errorf("handshake: generate key share for %s: %w", g, err)
		}
		c.keyShares.add(ks)
		ch.KeyShares = append(ch.KeyShares, wire.KeyShareEntry{Group: uint16(g), KeyExchange: ks.Public})
	}

	if c.cfg.EnableTicketResumption {
		ch.PSKModes = []uint8{1} // psk_dhe_ke
	}

	var psk []byte
	if c.cfg.SessionStore != nil {
		ticket, found, loadErr := c.cfg.SessionStore.Load(backgroundContext(), c.serverName)
		if loadErr == nil && found && !ticket.Expired(c.now()) {
			if resolvedSuite, ok := suite.ByID(c.cfg.AllSuites(), ticket.CipherSuiteID); ok && resolvedSuite.IsTLS13() {
				c.offeredTicket = ticket
				c.pskBinderHash = resolvedSuite.Hash

				if c.cfg.EnableEarlyData && ticket.MaxEarlyData > 0 {
					ch.EarlyDataIndication = true
				}
				ch.PSKIdentities = []wire.PSKIdentity{{
					Identity:            ticket.Identity,
					ObfuscatedTicketAge: ticket.ObfuscatedAge(c.now()),
				}}
				binderLen := c.pskBinderHash.Size()
				ch.PSKBinders = [][]byte{make([]byte, binderLen)}

				psk = keyschedule.ResumptionPSK(c.pskBinderHash, ticket.ResumptionSecret, ticket.Nonce)
				earlySecret := keyschedule.ExtractEarlySecret(c.pskBinderHash, psk)
				binderKey := keyschedule.ExpandLabel(c.pskBinderHash, earlySecret, "res binder", emptyTranscriptHash(c.pskBinderHash), c.pskBinderHash.Size())
				finishedKey := keyschedule.FinishedKey(c.pskBinderHash, binderKey)

				c.tr = transcript.New(c.pskBinderHash)
				_, bindersOffset := ch.MarshalWithBinderOffset()
				partial := ch.Marshal()
				msg := wire.Handshake(wire.TypeClientHello, partial)
				c.tr.Write(msg[:4+bindersOffset])

				binder := hmacSum(c.pskBinderHash, finishedKey, c.tr.Sum())
				ch.PSKBinders = [][]byte{binder}

				c.tr = transcript.New(c.pskBinderHash)
			}
		}
	}

	if c.tr == nil {
		c.tr = transcript.NewDeferred()
	}

	c.offeredExtensions = map[wire.ExtensionType]bool{
		wire.ExtSupportedGroups:     true,
		wire.ExtECPointFormats:      true,
		wire.ExtSignatureAlgorithms: true,
		wire.ExtSupportedVersions:   true,
		wire.ExtKeyShare:            true,
	}
	if c.cfg.EnableSNI {
		c.offeredExtensions[wire.ExtServerName] = true
	}
	if len(c.cfg.ALPN) > 0 {
		c.offeredExtensions[wire.ExtALPN] = true
	}
	if c.cfg.EnableTicketResumption {
		c.offeredExtensions[wire.ExtPSKKeyExchangeModes] = true
	}
	if len(ch.PSKIdentities) > 0 {
		c.offeredExtensions[wire.ExtPreSharedKey] = true
	}
	if ch.EarlyDataIndication {
		c.offeredExtensions[wire.ExtEarlyData] = true
	}
	return ch, psk, nil
}

func randomSessionID() []byte {
	// A non-empty legacy_session_id triggers the middlebox-compatibility
	// fake ChangeCipherSpec exchange (RFC 8446 §4.1.2).
	id := make([]byte, 32)
	_, _ = readFullRandom(id)
	return id
}

// sendClientHello frames and sends a ClientHello, using the TLS 1.0
// legacy record version for the very first one and TLS 1.2 for any
// retry sent after a HelloRetryRequest (RFC 8446 §5.1).
func sendClientHello(c *ctx, ch *wire.ClientHello, legacyRecordVersion uint16) error {
	full := ch.Marshal()
	msg := wire.Handshake(wire.TypeClientHello, full)
	c.tr.Write(msg)
	_, err := c.conn.Write(record.PlaintextRecord(record.ContentHandshake, msg, legacyRecordVersion))
	return err
}

func handleHelloRetryRequest(c *ctx, hrr *wire.ServerHello, firstCH *wire.ClientHello) (*wire.ClientHello, []byte, error) {
	// RFC 8446 §4.4.1: once the negotiated suite (and hence hash) is
	// known from the HRR's cipher_suite field, replace the transcript
	// with a synthetic message_hash wrapping the hash of the first
	// ClientHello, then append the literal HRR bytes.
	chosen, ok := suite.ByID(c.cfg.CipherSuitesTLS13, hrr.CipherSuite)
	if !ok {
		return nil, nil, c.sendAlert(wire.AlertHandshakeFailure)
	}
	if err := c.tr.SelectAlgorithm(chosen.Hash); err != nil {
		return nil, nil, c.sendAlert(wire.AlertIllegalParameter)
	}
	firstHash := c.tr.Sum()
	c.tr = transcript.ResetToMessageHash(chosen.Hash, firstHash)
	c.tr.Write(wire.Handshake(wire.TypeServerHello, marshalServerHelloForTranscript(hrr)))
	c.retrySuite = chosen

	next := *firstCH
	if hrr.SelectedGroup != 0 {
		g := group.ID(hrr.SelectedGroup)
		if !group.Contains(c.offeredGroups, g) {
			return nil, nil, c.sendAlert(wire.AlertIllegalParameter)
		}
		c.retryGroup = &g
		ks, err := group.Generate(g)
		if err != nil {
			return nil, nil, fmt.Errorf("handshake: regenerate key share for %s: %w", g, err)
		}
		c.keyShares.add(ks)
		next.KeyShares = []wire.KeyShareEntry{{Group: uint16(g), KeyExchange: ks.Public}}
	}
	if hrr.Cookie != nil {
		next.Cookie = hrr.Cookie
	}

	var psk []byte
	if len(next.PSKIdentities) > 0 && c.offeredTicket != nil {
		next.PSKIdentities[0].ObfuscatedTicketAge = c.offeredTicket.ObfuscatedAge(c.now())
		psk = keyschedule.ResumptionPSK(c.pskBinderHash, c.offeredTicket.ResumptionSecret, c.offeredTicket.Nonce)
		earlySecret := keyschedule.ExtractEarlySecret(c.pskBinderHash, psk)
		binderKey := keyschedule.ExpandLabel(c.pskBinderHash, earlySecret, "res binder", emptyTranscriptHash(c.pskBinderHash), c.pskBinderHash.Size())
		finishedKey := keyschedule.FinishedKey(c.pskBinderHash, binderKey)

		next.PSKBinders = [][]byte{make([]byte, c.pskBinderHash.Size())}
		_, bindersOffset := next.MarshalWithBinderOffset()
		partial := next.Marshal()
		msg := wire.Handshake(wire.TypeClientHello, partial)

		trial, err := c.tr.Clone()
		if err != nil {
			return nil, nil, fmt.Errorf("handshake: clone transcript for binder: %w", err)
		}
		trial.Write(msg[:4+bindersOffset])
		binder := hmacSum(c.pskBinderHash, finishedKey, trial.Sum())
		next.PSKBinders = [][]byte{binder}
	}
	return &next, psk, nil
}

func marshalServerHelloForTranscript(sh *wire.ServerHello) []byte {
	b := wire.NewBuilder()
	b.AddUint16(sh.LegacyVersion)
	b.AddBytes(sh.Random[:])
	b.AddUint8LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(sh.SessionIDEcho) })
	b.AddUint16(sh.CipherSuite)
	b.AddUint8(sh.CompressionMethod)
	b.AddUint16LengthPrefixed(func(ext *wire.Builder) {
		wire.AddExtension(ext, wire.ExtSupportedVersions, func(inner *wire.Builder) { inner.AddUint16(sh.SupportedVersion) })
		if sh.SelectedGroup != 0 {
			wire.AddExtension(ext, wire.ExtKeyShare, func(inner *wire.Builder) { inner.AddUint16(sh.SelectedGroup) })
		}
		if sh.Cookie != nil {
			wire.AddExtension(ext, wire.ExtCookie, func(inner *wire.Builder) {
				inner.AddUint16LengthPrefixed(func(cbody *wire.Builder) { cbody.AddBytes(sh.Cookie) })
			})
		}
	})
	return b.Bytes()
}

// serverHelloAllowedExtensions are the only extension types a TLS 1.3
// ServerHello may carry (RFC 8446 §4.1.3, §4.2): supported_versions,
// key_share, and pre_shared_key negotiate the handshake itself, while
// renegotiation_info and ec_point_formats are tolerated as pre-TLS-1.3
// interop signals some servers still echo (ec_point_formats only when
// it lists the uncompressed format).
var serverHelloAllowedExtensions = map[wire.ExtensionType]bool{
	wire.ExtSupportedVersions: true,
	wire.ExtKeyShare:          true,
	wire.ExtPreSharedKey:      true,
	wire.ExtRenegotiationInfo: true,
	wire.ExtECPointFormats:    true,
}

func processServerHello(c *ctx, sh *wire.ServerHello, psk []byte) error {
	if sh.CompressionMethod != 0 {
		return c.sendAlert(wire.AlertIllegalParameter)
	}
	for _, e := range sh.Extensions {
		if !serverHelloAllowedExtensions[e.Type] {
			return c.sendAlert(wire.AlertUnsupportedExtension)
		}
		if e.Type == wire.ExtECPointFormats {
			er := wire.NewReader(e.Body)
			formats, err := er.ReadUint8LengthPrefixed()
			if err != nil {
				return c.sendAlert(wire.AlertDecodeError)
			}
			if !bytesContain(formats.Remaining(), 0) {
				return c.sendAlert(wire.AlertIllegalParameter)
			}
		}
	}

	chosen, ok := suite.ByID(c.cfg.AllSuites(), sh.CipherSuite)
	if !ok || !chosen.IsTLS13() {
		return c.sendAlert(wire.AlertHandshakeFailure)
	}
	if c.retrySuite != nil && chosen.ID != c.retrySuite.ID {
		return c.sendAlert(wire.AlertIllegalParameter)
	}
	c.negotiatedSuite = chosen
	c.negotiatedVersion = chosen.Version

	if err := c.tr.SelectAlgorithm(chosen.Hash); err != nil {
		return c.sendAlert(wire.AlertIllegalParameter)
	}
	if sh.KeyShare == nil {
		return c.sendAlert(wire.AlertMissingExtension)
	}
	ks, ok := c.keyShares.get(group.ID(sh.KeyShare.Group))
	if !ok {
		return c.sendAlert(wire.AlertIllegalParameter)
	}
	dheSecret, err := ks.SharedSecret(sh.KeyShare.KeyExchange)
	if err != nil {
		return c.sendAlert(wire.AlertIllegalParameter)
	}

	offeredPSK := psk
	if sh.PSKSelected != nil {
		if offeredPSK == nil || *sh.PSKSelected != 0 {
			return c.sendAlert(wire.AlertIllegalParameter)
		}
		ticketSuite, ok := suite.ByID(c.cfg.AllSuites(), c.offeredTicket.CipherSuiteID)
		if !ok || !suite.CanResumeFrom(chosen, ticketSuite) {
			return c.sendAlert(wire.AlertIllegalParameter)
		}
		c.usingPSK = true
	} else {
		offeredPSK = nil
	}

	c.ks = keyschedule.New(chosen)
	c.ks.StartEarly(offeredPSK)
	c.ks.StartHandshake(dheSecret)

	th := c.tr.Sum()
	serverHSSecret := c.ks.ServerHandshakeTrafficSecret(th)
	clientHSSecret := c.ks.ClientHandshakeTrafficSecret(th)
	c.readKeys = c.ks.DeriveTrafficKeys(serverHSSecret)
	c.writeKeys = c.ks.DeriveTrafficKeys(clientHSSecret)
	c.clientFinishedKey = keyschedule.FinishedKey(chosen.Hash, clientHSSecret)
	c.serverFinishedKey = keyschedule.FinishedKey(chosen.Hash, serverHSSecret)
	c.logKey(keylog.ClientHandshakeTrafficSecret, clientHSSecret)
	c.logKey(keylog.ServerHandshakeTrafficSecret, serverHSSecret)
	return nil
}

// finishEarlyDataPhase closes out 0-RTT, if any was attempted, by
// sending EndOfEarlyData under the early traffic write keys still in
// effect (RFC 8446 §4.5), then switches the client's write direction
// to the handshake traffic keys for the rest of the flight regardless
// of whether early data was sent.
func finishEarlyDataPhase(c *ctx, wantEarlyData bool) error {
	if wantEarlyData {
		if err := c.writeHandshakeMessage(wire.TypeEndOfEarlyData, nil); err != nil {
			return err
		}
	}
	return c.installWriteKeys(&c.writeKeys)
}

func sendEarlyData(c *ctx, psk []byte, payload []byte) error {
	s, ok := suite.ByID(c.cfg.AllSuites(), c.offeredTicket.CipherSuiteID)
	if !ok {
		return nil
	}
	ks := keyschedule.New(s)
	ks.StartEarly(psk)
	secret := ks.ClientEarlyTrafficSecret(c.tr.Sum())
	c.logKey(keylog.ClientEarlyTrafficSecret, secret)
	keys := ks.DeriveTrafficKeys(secret)
	aead, err := s.AEAD(keys.Key)
	if err != nil {
		return fmt.Errorf("handshake: build early data AEAD: %w", err)
	}
	// Kept installed as the write direction until finishEarlyDataPhase
	// switches it to the handshake traffic keys, since EndOfEarlyData
	// itself must still be sent under the early traffic secret.
	c.writeSeq = record.NewSequenceAEAD(aead, keys.IV)
	if _, err := c.conn.Write(record.SealRecord(c.writeSeq, record.ContentApplicationData, payload, 0)); err != nil {
		return err
	}
	c.earlyData = EarlyDataAccepted // optimistic; corrected once EncryptedExtensions is seen
	return nil
}

// encryptedExtensionsPlaintextOnly are extensions that belong in the
// plaintext ServerHello, never in EncryptedExtensions (RFC 8446 §4.3.1).
var encryptedExtensionsPlaintextOnly = map[wire.ExtensionType]bool{
	wire.ExtKeyShare:          true,
	wire.ExtPreSharedKey:      true,
	wire.ExtSupportedVersions: true,
}

// encryptedExtensionsDisallowed are extensions tied to TLS 1.2 or
// earlier that a TLS 1.3 EncryptedExtensions message must never carry.
var encryptedExtensionsDisallowed = map[wire.ExtensionType]bool{
	wire.ExtECPointFormats:       true,
	wire.ExtSessionTicket:        true,
	wire.ExtRenegotiationInfo:    true,
	wire.ExtExtendedMasterSecret: true,
}

func processEncryptedExtensions(c *ctx, body []byte) error {
	ee, err := wire.ParseEncryptedExtensions(body)
	if err != nil {
		return c.sendAlert(wire.AlertDecodeError)
	}
	for _, e := range ee.Extensions {
		if encryptedExtensionsPlaintextOnly[e.Type] || encryptedExtensionsDisallowed[e.Type] {
			return c.sendAlert(wire.AlertIllegalParameter)
		}
		if !c.offeredExtensions[e.Type] {
			return c.sendAlert(wire.AlertUnsupportedExtension)
		}
	}
	if len(c.cfg.ALPN) > 0 {
		if ee.ALPNProtocol == "" {
			return c.sendAlert(wire.AlertNoApplicationProtocol)
		}
		found := false
		for _, p := range c.cfg.ALPN {
			if p == ee.ALPNProtocol {
				found = true
				break
			}
		}
		if !found {
			return c.sendAlert(wire.AlertIllegalParameter)
		}
		c.alpnSelected = ee.ALPNProtocol
	}
	if c.earlyData == EarlyDataAccepted && !ee.EarlyDataAccepted {
		c.earlyData = EarlyDataRejected
	}
	return nil
}

// processCertificateRequest validates the server's request for client
// authentication (RFC 8446 §4.3.2): the request context must be empty
// (a non-empty context only appears on post-handshake auth, which this
// client never initiates), and if the client has a certificate
// configured, its signing key's scheme must appear among the server's
// offered signature_algorithms or the certificate cannot be used.
func processCertificateRequest(c *ctx, body []byte) error {
	cr, err := wire.ParseCertificateRequest(body)
	if err != nil {
		return c.sendAlert(wire.AlertDecodeError)
	}
	if len(cr.RequestContext) != 0 {
		return c.sendAlert(wire.AlertIllegalParameter)
	}
	if c.cfg.ClientAuth != nil && len(c.cfg.ClientAuth.Certificates) > 0 {
		signer, ok := c.cfg.ClientAuth.Certificates[0].PrivateKey.(crypto.Signer)
		if !ok {
			return c.sendAlert(wire.AlertInternalError)
		}
		scheme, err := verify.SchemeForKey(signer)
		if err != nil {
			return c.sendAlert(wire.AlertInternalError)
		}
		if !uint16sContain(cr.SignatureSchemes, uint16(scheme)) {
			return c.sendAlert(wire.AlertHandshakeFailure)
		}
	}
	c.clientAuthRequested = true
	return nil
}

func processCertificate(c *ctx, body []byte) error {
	if c.usingPSK {
		return c.sendAlert(wire.AlertUnexpectedMessage)
	}
	cert, err := wire.ParseCertificate(body)
	if err != nil {
		return c.sendAlert(wire.AlertDecodeError)
	}
	if len(cert.CertList) == 0 {
		return c.sendAlert(wire.AlertBadCertificate)
	}
	raw := make([][]byte, len(cert.CertList))
	for i, entry := range cert.CertList {
		raw[i] = entry.Data
	}
	leaf, err := c.cfg.Verifier.VerifyServerCertificate(raw, c.serverName, c.now())
	if err != nil {
		return c.sendAlert(wire.AlertBadCertificate)
	}
	c.serverCert = &serverIdentity{leafPublicKey: leaf.PublicKey}
	return nil
}

func processCertificateVerify(c *ctx, body []byte, preMessageHash []byte) error {
	if c.usingPSK {
		return c.sendAlert(wire.AlertUnexpectedMessage)
	}
	if c.serverCert == nil {
		return c.sendAlert(wire.AlertUnexpectedMessage)
	}
	cv, err := wire.ParseCertificateVerify(body)
	if err != nil {
		return c.sendAlert(wire.AlertDecodeError)
	}
	if err := verify.VerifySignature(c.serverCert.leafPublicKey, verify.SignatureScheme(cv.Algorithm), preMessageHash, cv.Signature); err != nil {
		return c.sendAlert(wire.AlertDecryptError)
	}
	return nil
}

func processServerFinished(c *ctx, body []byte, preMessageHash []byte) error {
	fin, err := wire.ParseFinished(body)
	if err != nil {
		return c.sendAlert(wire.AlertDecodeError)
	}
	expected := hmacSum(c.negotiatedSuite.Hash, c.serverFinishedKey, preMessageHash)
	if !hmacEqual(expected, fin.VerifyData) {
		return c.sendAlert(wire.AlertDecryptError)
	}

	th := c.tr.Sum() // transcript through server Finished
	c.ks.StartMaster()
	serverAppSecret := c.ks.ServerApplicationTrafficSecret0(th)
	clientAppSecret := c.ks.ClientApplicationTrafficSecret0(th)
	c.readKeys = c.ks.DeriveTrafficKeys(serverAppSecret)
	c.writeKeys = c.ks.DeriveTrafficKeys(clientAppSecret)
	c.lastReadSecret = serverAppSecret
	c.lastWriteSecret = clientAppSecret
	c.exporterMasterSecret = c.ks.ExporterMasterSecret(th)
	c.logKey(keylog.ServerTrafficSecret0, serverAppSecret)
	c.logKey(keylog.ClientTrafficSecret0, clientAppSecret)
	c.logKey(keylog.ExporterSecret, c.exporterMasterSecret)

	// The server's next record is under the application traffic secret
	// even though the client's own Finished still goes out under the
	// handshake write keys, so the read direction switches immediately.
	return c.installReadKeys(&c.readKeys)
}

func sendClientFlightAndFinish(c *ctx) error {
	if c.clientAuthRequested && c.cfg.ClientAuth != nil && len(c.cfg.ClientAuth.Certificates) > 0 {
		if err := sendClientCertificate(c); err != nil {
			return err
		}
	}

	preFinishedHash := c.tr.Sum()
	verifyData := hmacSum(c.negotiatedSuite.Hash, c.clientFinishedKey, preFinishedHash)
	if err := c.writeHandshakeMessage(wire.TypeFinished, (&wire.Finished{VerifyData: verifyData}).Marshal()); err != nil {
		return err
	}

	resumptionHash := c.tr.Sum()
	c.resumptionMasterSecret = c.ks.ResumptionMasterSecret(resumptionHash)
	return c.installWriteKeys(&c.writeKeys)
}

func sendClientCertificate(c *ctx) error {
	cert := &wire.Certificate{}
	for _, tlsCert := range c.cfg.ClientAuth.Certificates {
		for _, der := range tlsCert.Certificate {
			cert.CertList = append(cert.CertList, wire.CertificateEntry{Data: der})
		}
	}
	b := wire.NewBuilder()
	b.AddUint8LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(cert.RequestContext) })
	b.AddUint24LengthPrefixed(func(list *wire.Builder) {
		for _, entry := range cert.CertList {
			list.AddUint24LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(entry.Data) })
			list.AddUint16(0) // no per-certificate extensions
		}
	})
	if err := c.writeHandshakeMessage(wire.TypeCertificate, b.Bytes()); err != nil {
		return err
	}
	if len(cert.CertList) == 0 {
		return nil
	}

	signer, ok := c.cfg.ClientAuth.Certificates[0].PrivateKey.(crypto.Signer)
	if !ok {
		return fmt.Errorf("handshake: client certificate private key does not implement crypto.Signer")
	}
	scheme, err := verify.SchemeForKey(signer)
	if err != nil {
		return err
	}
	sig, err := verify.Sign(signer, scheme, c.tr.Sum(), "TLS 1.3, client CertificateVerify")
	if err != nil {
		return fmt.Errorf("handshake: sign client CertificateVerify: %w", err)
	}
	cv := &wire.CertificateVerify{Algorithm: uint16(scheme), Signature: sig}
	return c.writeHandshakeMessage(wire.TypeCertificateVerify, cv.Marshal())
}

func emptyTranscriptHash(h crypto.Hash) []byte {
	return h.New().Sum(nil)
}

func backgroundContext() context.Context { return context.Background() }
