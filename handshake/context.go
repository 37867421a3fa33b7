// Package handshake implements the client-side TLS handshake state
// machine: ClientHello emission, HelloRetryRequest handling, ServerHello
// processing, the TLS 1.3 key schedule walk, certificate and Finished
// validation, PSK resumption with binders, 0-RTT early data, and
// post-handshake servicing of NewSessionTicket/KeyUpdate/application
// data.
package handshake

import (
	"crypto"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/coldwire/tls13/config"
	"github.com/coldwire/tls13/group"
	"github.com/coldwire/tls13/internal/logging"
	"github.com/coldwire/tls13/keylog"
	"github.com/coldwire/tls13/keyschedule"
	"github.com/coldwire/tls13/record"
	"github.com/coldwire/tls13/session"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/transcript"
	"github.com/coldwire/tls13/wire"
)

// EarlyDataStatus reports what became of 0-RTT data offered by the
// client, supplementing the base resumption flow with the accounting a
// caller needs to know whether to replay rejected early application
// data (RFC 8446 §4.2.10, §8).
type EarlyDataStatus int

const (
	EarlyDataNotOffered EarlyDataStatus = iota
	EarlyDataAccepted
	EarlyDataRejected
)

func (s EarlyDataStatus) String() string {
	switch s {
	case EarlyDataAccepted:
		return "accepted"
	case EarlyDataRejected:
		return "rejected"
	default:
		return "not_offered"
	}
}

// pendingKeyShares holds the ephemeral key shares generated for the
// initial ClientHello, plus the one generated for the group a
// HelloRetryRequest asks for, keyed by group.
type pendingKeyShares struct {
	shares map[group.ID]*group.KeyShare
	order  []group.ID
}

func newPendingKeyShares() *pendingKeyShares {
	return &pendingKeyShares{shares: make(map[group.ID]*group.KeyShare)}
}

func (p *pendingKeyShares) add(ks *group.KeyShare) {
	p.shares[ks.Group] = ks
	p.order = append(p.order, ks.Group)
}

func (p *pendingKeyShares) get(id group.ID) (*group.KeyShare, bool) {
	ks, ok := p.shares[id]
	return ks, ok
}

// ctx is the mutable state threaded through every phase of one
// connection's handshake. It is never shared across connections.
type ctx struct {
	cfg        *config.ClientConfig
	conn       net.Conn
	serverName string
	log        *zap.Logger

	clientRandom wire.Random
	legacySessID []byte

	offeredGroups []group.ID
	keyShares     *pendingKeyShares

	// offeredExtensions is the set of extension types this client's
	// ClientHello actually carried, populated by buildClientHello. The
	// server's EncryptedExtensions may only echo extensions from this
	// set (RFC 8446 §4.3.1).
	offeredExtensions map[wire.ExtensionType]bool

	// retry bookkeeping populated only when a HelloRetryRequest is
	// processed: retrySuite is checked against the final ServerHello's
	// suite, and retryGroup records the group the HRR asked for.
	retryGroup *group.ID
	retrySuite *suite.Suite

	negotiatedSuite   *suite.Suite
	negotiatedVersion suite.Version

	tr *transcript.Hash

	ks *keyschedule.Schedule

	// resumption input, set when a cached ticket is offered.
	offeredTicket   *session.Ticket
	pskBinderHash   crypto.Hash
	usingPSK        bool

	earlyData EarlyDataStatus

	readSeq, writeSeq *record.SequenceAEAD
	readKeys, writeKeys keyschedule.TrafficKeys

	// lastReadSecret/lastWriteSecret hold the current-generation
	// application traffic secret per direction, the input KeyUpdate's
	// ratchet (RFC 8446 §7.2) advances from.
	lastReadSecret, lastWriteSecret []byte

	serverCert      *serverIdentity
	clientAuthRequested bool
	clientFinishedKey []byte
	serverFinishedKey []byte

	exporterMasterSecret   []byte
	resumptionMasterSecret []byte

	alpnSelected string
}

type serverIdentity struct {
	leafPublicKey any
}

func newCtx(cfg *config.ClientConfig, conn net.Conn, serverName string) *ctx {
	return &ctx{
		cfg:        cfg,
		conn:       conn,
		serverName: serverName,
		log:        logging.L().Named("handshake").With(zap.String("server_name", serverName)),
		keyShares:  newPendingKeyShares(),
	}
}

// sendAlert writes a fatal alert record and returns an error wrapping
// its description, the standard way every validation failure in this
// package terminates the connection.
func (c *ctx) sendAlert(desc wire.AlertDescription) error {
	alert := &wire.Alert{Level: wire.AlertLevelFatal, Description: desc}
	var rec []byte
	switch {
	case c.writeSeq != nil && c.negotiatedVersion == suite.VersionTLS12:
		seal := record.SealRecord12
		if !c.negotiatedSuite.ExplicitNonceTLS12() {
			seal = record.SealRecord12Implicit
		}
		rec = seal(c.writeSeq, record.ContentAlert, alert.Marshal())
	case c.writeSeq != nil:
		rec = record.SealRecord(c.writeSeq, record.ContentAlert, alert.Marshal(), 0)
	default:
		rec = record.PlaintextRecord(record.ContentAlert, alert.Marshal(), record.LegacyVersionTLS12)
	}
	_, _ = c.conn.Write(rec)
	return fmt.Errorf("handshake: %w", alert)
}

func (c *ctx) now() time.Time { return time.Now() }

// logKey forwards a derived secret to the configured key log, if any.
func (c *ctx) logKey(label keylog.Label, secret []byte) {
	if c.cfg.KeyLog == nil {
		return
	}
	if err := c.cfg.KeyLog.WriteKey(label, c.clientRandom[:], secret); err != nil {
		c.log.Warn("write key log line", zap.Error(err), zap.String("label", string(label)))
	}
}
