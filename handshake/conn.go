package handshake

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldwire/tls13/config"
	"github.com/coldwire/tls13/keyschedule"
	"github.com/coldwire/tls13/record"
	"github.com/coldwire/tls13/session"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/wire"
)

// ConnectionState reports the negotiated parameters of a completed
// handshake, the information a caller typically logs or branches on.
type ConnectionState struct {
	Version       suite.Version
	CipherSuite   *suite.Suite
	ALPNProtocol  string
	ServerName    string
	EarlyData     EarlyDataStatus
	ResumedPSK    bool
}

// Conn wraps a net.Conn once the TLS handshake has completed, servicing
// application data and post-handshake messages (NewSessionTicket,
// KeyUpdate) over the negotiated record protection.
type Conn struct {
	c   *ctx
	buf *readRecordBuf

	mu        sync.Mutex
	appBuffer bytes.Buffer

	keyUpdatesSent uint64

	// wantWriteKeyUpdate is set by handleKeyUpdate when the peer's
	// KeyUpdate carries UpdateRequested, and drained by the next Write
	// (RFC 8446 §4.6.3): the reply goes out lazily, ahead of the next
	// application data record, rather than interleaved into the read path
	// that observed the request.
	wantWriteKeyUpdate atomic.Bool
}

// Handshake dials the client-side TLS handshake over conn and returns a
// ready-to-use Conn once application traffic keys are installed in both
// directions. earlyDataPayload, when non-nil, is offered as 0-RTT data;
// its delivery is only guaranteed once ConnectionState().EarlyData
// reports EarlyDataAccepted.
func Handshake(ctx context.Context, conn net.Conn, cfg *config.ClientConfig, serverName string, earlyDataPayload []byte) (*Conn, error) {
	c := newCtx(cfg, conn, serverName)

	var g errgroup.Group
	g.Go(func() error {
		if cfg.MaxVersion >= suite.VersionTLS13 {
			return runTLS13(c, earlyDataPayload)
		}
		return runTLS12(c)
	})

	// runTLS13/runTLS12 only know how to block on conn.Read; the only
	// way to interrupt them on ctx cancellation is to close the
	// connection out from under them.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	err := g.Wait()
	close(done)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return &Conn{c: c, buf: &readRecordBuf{}}, nil
}

// ConnectionState reports the negotiated handshake parameters.
func (conn *Conn) ConnectionState() ConnectionState {
	c := conn.c
	return ConnectionState{
		Version:      c.negotiatedVersion,
		CipherSuite:  c.negotiatedSuite,
		ALPNProtocol: c.alpnSelected,
		ServerName:   c.serverName,
		EarlyData:    c.earlyData,
		ResumedPSK:   c.usingPSK,
	}
}

// ExportKeyingMaterial derives RFC 8446 §7.5 exported keying material
// from this connection's exporter master secret. It is only meaningful
// for TLS 1.3 connections; TLS 1.2 connections return an error.
func (conn *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	c := conn.c
	if c.negotiatedVersion != suite.VersionTLS13 {
		return nil, fmt.Errorf("handshake: exported keying material requires TLS 1.3")
	}
	return keyschedule.Export(c.negotiatedSuite.Hash, c.exporterMasterSecret, label, context, length), nil
}

// Write seals and sends application data.
func (conn *Conn) Write(p []byte) (int, error) {
	c := conn.c
	if c.writeSeq == nil {
		return 0, fmt.Errorf("handshake: no write keys installed")
	}
	if err := conn.perhapsWriteKeyUpdate(); err != nil {
		return 0, err
	}
	if c.negotiatedVersion == suite.VersionTLS12 {
		seal := record.SealRecord12
		if !c.negotiatedSuite.ExplicitNonceTLS12() {
			seal = record.SealRecord12Implicit
		}
		if _, err := c.conn.Write(seal(c.writeSeq, record.ContentApplicationData, p)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if _, err := c.conn.Write(record.SealRecord(c.writeSeq, record.ContentApplicationData, p, 0)); err != nil {
		return 0, err
	}
	conn.maybeUpdateKeys()
	return len(p), nil
}

// Read returns application data, transparently servicing any
// post-handshake NewSessionTicket or KeyUpdate messages it encounters
// along the way.
func (conn *Conn) Read(p []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	for conn.appBuffer.Len() == 0 {
		if err := conn.readOnePostHandshakeRecord(); err != nil {
			return 0, err
		}
	}
	return conn.appBuffer.Read(p)
}

func (conn *Conn) readOnePostHandshakeRecord() error {
	c := conn.c
	typ, content, err := c.readRecord(conn.buf)
	if err != nil {
		return err
	}
	switch typ {
	case record.ContentChangeCipherSpec:
		return nil
	case record.ContentApplicationData:
		conn.appBuffer.Write(content)
		return nil
	case record.ContentAlert:
		alert, aerr := wire.ParseAlert(content)
		if aerr != nil {
			return fmt.Errorf("handshake: malformed alert: %w", aerr)
		}
		return fmt.Errorf("handshake: received %w", alert)
	case record.ContentHandshake:
		return conn.servicePostHandshakeMessage(content)
	default:
		return fmt.Errorf("handshake: unexpected post-handshake record type %d", typ)
	}
}

// servicePostHandshakeMessage handles the handshake-layer messages a
// server may send after the handshake completes: NewSessionTicket
// (TLS 1.3 resumption issuance) and KeyUpdate (traffic secret ratchet).
// Unlike the handshake phase this never feeds bytes into a transcript,
// since the transcript's job ends at client Finished.
func (conn *Conn) servicePostHandshakeMessage(content []byte) error {
	c := conn.c
	for len(content) >= 4 {
		msgType := wire.HandshakeType(content[0])
		length := int(content[1])<<16 | int(content[2])<<8 | int(content[3])
		if len(content) < 4+length {
			return fmt.Errorf("handshake: truncated post-handshake message")
		}
		body := content[4 : 4+length]
		content = content[4+length:]

		switch msgType {
		case wire.TypeNewSessionTicket:
			if err := conn.handleNewSessionTicket(body); err != nil {
				return err
			}
		case wire.TypeKeyUpdate:
			if err := conn.handleKeyUpdate(body); err != nil {
				return err
			}
		default:
			return fmt.Errorf("handshake: unexpected post-handshake message type %d", msgType)
		}
	}
	return nil
}

func (conn *Conn) handleNewSessionTicket(body []byte) error {
	c := conn.c
	if c.cfg.SessionStore == nil || c.negotiatedVersion != suite.VersionTLS13 {
		return nil
	}
	nst, err := wire.ParseNewSessionTicket(body)
	if err != nil {
		return fmt.Errorf("handshake: parse new session ticket: %w", err)
	}
	// ResumptionSecret stores resumption_master_secret itself; the PSK
	// for a future ClientHello is derived from it plus the ticket's own
	// nonce at offer time (RFC 8446 §4.6.1), not here.
	ticket := &session.Ticket{
		ServerName:       c.serverName,
		Identity:         nst.Ticket,
		ResumptionSecret: c.resumptionMasterSecret,
		CipherSuiteID:    c.negotiatedSuite.ID,
		ReceivedAt:       c.now(),
		LifetimeSeconds:  nst.LifetimeSeconds,
		AgeAdd:           nst.AgeAdd,
		Nonce:            nst.Nonce,
		MaxEarlyData:     nst.MaxEarlyData,
		ALPNProtocol:     c.alpnSelected,
	}
	if err := c.cfg.SessionStore.Store(backgroundContext(), c.serverName, ticket); err != nil {
		c.log.Warn("store session ticket", zap.Error(err))
	}
	return nil
}

func (conn *Conn) handleKeyUpdate(body []byte) error {
	c := conn.c
	ku, err := wire.ParseKeyUpdate(body)
	if err != nil {
		return fmt.Errorf("handshake: parse key update: %w", err)
	}

	nextSecret := c.ks.NextGeneration(conn.currentReadSecret())
	conn.installNextReadSecret(nextSecret)

	if ku.RequestUpdate == wire.UpdateRequested {
		conn.wantWriteKeyUpdate.Store(true)
	}
	return nil
}

// perhapsWriteKeyUpdate sends a pending KeyUpdate(notify) queued by
// handleKeyUpdate, if any, before the caller's own data goes out.
func (conn *Conn) perhapsWriteKeyUpdate() error {
	if !conn.wantWriteKeyUpdate.CompareAndSwap(true, false) {
		return nil
	}
	return conn.sendKeyUpdate(wire.UpdateNotRequested)
}

// sendKeyUpdate ratchets the client's own write traffic secret and
// announces it, either unprompted or in reply to a peer's request
// (RFC 8446 §4.6.3).
func (conn *Conn) sendKeyUpdate(request wire.KeyUpdateRequest) error {
	c := conn.c
	nextSecret := c.ks.NextGeneration(conn.currentWriteSecret())
	msg := wire.Handshake(wire.TypeKeyUpdate, (&wire.KeyUpdate{RequestUpdate: request}).Marshal())
	if _, err := c.conn.Write(record.SealRecord(c.writeSeq, record.ContentHandshake, msg, 0)); err != nil {
		return err
	}
	conn.installNextWriteSecret(nextSecret)
	conn.keyUpdatesSent++
	return nil
}

// maybeUpdateKeys ratchets the write secret once its sequence number
// approaches the per-suite-agnostic safety margin this client enforces
// for long-lived connections, well short of the AEAD's real limit.
func (conn *Conn) maybeUpdateKeys() {
	const ratchetAfter = 1 << 24
	if conn.c.writeSeq.Seq() < ratchetAfter {
		return
	}
	_ = conn.sendKeyUpdate(wire.UpdateNotRequested)
}

// currentReadSecret/currentWriteSecret and the install* helpers track
// only the most recent traffic secret per direction, which is all the
// ratchet in §7.2 needs: each generation is derived solely from the
// previous one's secret, not from the AEAD key/IV that secret produced.
func (conn *Conn) currentReadSecret() []byte  { return conn.c.lastReadSecret }
func (conn *Conn) currentWriteSecret() []byte { return conn.c.lastWriteSecret }

func (conn *Conn) installNextReadSecret(secret []byte) {
	c := conn.c
	c.lastReadSecret = secret
	keys := c.ks.DeriveTrafficKeys(secret)
	if err := c.installReadKeys(&keys); err != nil {
		c.log.Error("install ratcheted read keys", zap.Error(err))
	}
}

func (conn *Conn) installNextWriteSecret(secret []byte) {
	c := conn.c
	c.lastWriteSecret = secret
	keys := c.ks.DeriveTrafficKeys(secret)
	if err := c.installWriteKeys(&keys); err != nil {
		c.log.Error("install ratcheted write keys", zap.Error(err))
	}
}

// Close sends a close_notify alert and closes the underlying
// connection, per RFC 8446 §6.1.
func (conn *Conn) Close() error {
	c := conn.c
	alert := &wire.Alert{Level: wire.AlertLevelWarning, Description: wire.AlertCloseNotify}
	switch {
	case c.writeSeq != nil && c.negotiatedVersion == suite.VersionTLS12:
		seal := record.SealRecord12
		if !c.negotiatedSuite.ExplicitNonceTLS12() {
			seal = record.SealRecord12Implicit
		}
		_, _ = c.conn.Write(seal(c.writeSeq, record.ContentAlert, alert.Marshal()))
	case c.writeSeq != nil:
		_, _ = c.conn.Write(record.SealRecord(c.writeSeq, record.ContentAlert, alert.Marshal(), 0))
	default:
		_, _ = c.conn.Write(record.PlaintextRecord(record.ContentAlert, alert.Marshal(), record.LegacyVersionTLS12))
	}
	return c.conn.Close()
}
