// Package keyschedule implements the TLS 1.3 key derivation schedule
// (RFC 8446 §7.1): the chain of HKDF-Extract/HKDF-Expand-Label steps
// from early secret through to the resumption master secret, plus
// per-direction traffic key derivation and key updates.
package keyschedule

import (
	"crypto"
	"fmt"

	"golang.org/x/crypto/hkdf"

	"github.com/coldwire/tls13/suite"
)

// Stage names the position of the schedule's running Secret, matching
// the left-hand labels in the RFC 8446 §7.1 diagram.
type Stage int

const (
	StageEarly Stage = iota
	StageHandshake
	StageMaster
)

// Schedule drives one connection's key schedule forward. It is built
// fresh for every connection and discarded once the connection closes.
type Schedule struct {
	suite   *suite.Suite
	hash    crypto.Hash
	stage   Stage
	secret  []byte // the running Secret value from the RFC diagram
	zeroPSK []byte // precomputed all-zero PSK for the no-PSK case
}

// New starts a key schedule for the given negotiated suite.
func New(s *suite.Suite) *Schedule {
	h := s.Hash
	return &Schedule{
		suite:   s,
		hash:    h,
		zeroPSK: make([]byte, h.Size()),
	}
}

func (s *Schedule) extract(salt, ikm []byte) []byte {
	return hkdf.Extract(s.hash.New, ikm, salt)
}

func (s *Schedule) expandLabel(secret []byte, label string, context []byte, length int) []byte {
	return ExpandLabel(s.hash, secret, label, context, length)
}

// StartEarly derives the early secret from the offered PSK (or an
// all-zero key if no PSK is offered) and holds it as the schedule's
// running secret, from which early traffic/exporter secrets can be
// derived until StartHandshake is called.
func (s *Schedule) StartEarly(psk []byte) {
	if psk == nil {
		psk = s.zeroPSK
	}
	s.secret = s.extract(nil, psk)
	s.stage = StageEarly
}

// ClientEarlyTrafficSecret derives the secret protecting 0-RTT
// application data sent by the client, per the "derive-secret" arrow
// labeled client_early_traffic_secret.
func (s *Schedule) ClientEarlyTrafficSecret(transcriptHash []byte) []byte {
	s.requireStage(StageEarly)
	return s.expandLabel(s.secret, "c e traffic", transcriptHash, s.hash.Size())
}

// EarlyExporterMasterSecret derives the exporter secret available
// during 0-RTT.
func (s *Schedule) EarlyExporterMasterSecret(transcriptHash []byte) []byte {
	s.requireStage(StageEarly)
	return s.expandLabel(s.secret, "e exp master", transcriptHash, s.hash.Size())
}

// StartHandshake advances the schedule past the early secret into the
// handshake secret, mixing in the (EC)DHE shared secret.
func (s *Schedule) StartHandshake(dheSecret []byte) {
	s.requireStage(StageEarly)
	derived := s.expandLabel(s.secret, "derived", emptyHash(s.hash), s.hash.Size())
	s.secret = s.extract(derived, dheSecret)
	s.stage = StageHandshake
}

// ClientHandshakeTrafficSecret derives the secret protecting the
// client's handshake flight (Certificate/CertificateVerify/Finished on
// mutual auth; Finished always).
func (s *Schedule) ClientHandshakeTrafficSecret(transcriptHash []byte) []byte {
	s.requireStage(StageHandshake)
	return s.expandLabel(s.secret, "c hs traffic", transcriptHash, s.hash.Size())
}

// ServerHandshakeTrafficSecret derives the secret protecting the
// server's EncryptedExtensions..Finished flight.
func (s *Schedule) ServerHandshakeTrafficSecret(transcriptHash []byte) []byte {
	s.requireStage(StageHandshake)
	return s.expandLabel(s.secret, "s hs traffic", transcriptHash, s.hash.Size())
}

// StartMaster advances the schedule into the master secret.
func (s *Schedule) StartMaster() {
	s.requireStage(StageHandshake)
	derived := s.expandLabel(s.secret, "derived", emptyHash(s.hash), s.hash.Size())
	s.secret = s.extract(derived, make([]byte, s.hash.Size()))
	s.stage = StageMaster
}

// ClientApplicationTrafficSecret0 derives the client's first-generation
// application traffic secret.
func (s *Schedule) ClientApplicationTrafficSecret0(transcriptHash []byte) []byte {
	s.requireStage(StageMaster)
	return s.expandLabel(s.secret, "c ap traffic", transcriptHash, s.hash.Size())
}

// ServerApplicationTrafficSecret0 derives the server's first-generation
// application traffic secret.
func (s *Schedule) ServerApplicationTrafficSecret0(transcriptHash []byte) []byte {
	s.requireStage(StageMaster)
	return s.expandLabel(s.secret, "s ap traffic", transcriptHash, s.hash.Size())
}

// ExporterMasterSecret derives the secret used for post-handshake
// exported keying material.
func (s *Schedule) ExporterMasterSecret(transcriptHash []byte) []byte {
	s.requireStage(StageMaster)
	return s.expandLabel(s.secret, "exp master", transcriptHash, s.hash.Size())
}

// ResumptionMasterSecret derives the secret NewSessionTicket PSKs are
// bound to, computed over the full transcript through client Finished.
func (s *Schedule) ResumptionMasterSecret(transcriptHash []byte) []byte {
	s.requireStage(StageMaster)
	return s.expandLabel(s.secret, "res master", transcriptHash, s.hash.Size())
}

// ExtractEarlySecret runs the first HKDF-Extract of the key schedule
// (RFC 8446 §7.1) over a PSK in isolation, for callers (binder
// computation) that need the early secret before a full Schedule for
// the connection exists.
func ExtractEarlySecret(h crypto.Hash, psk []byte) []byte {
	if psk == nil {
		psk = make([]byte, h.Size())
	}
	return hkdf.Extract(h.New, psk, nil)
}

// ResumptionPSK derives the PSK offered on a subsequent connection from
// a NewSessionTicket's ticket_nonce, per RFC 8446 §4.6.1.
func ResumptionPSK(h crypto.Hash, resumptionMasterSecret, ticketNonce []byte) []byte {
	return ExpandLabel(h, resumptionMasterSecret, "resumption", ticketNonce, h.Size())
}

// FinishedKey derives the key used to compute (or verify) a Finished
// message's HMAC from the relevant traffic secret.
func FinishedKey(h crypto.Hash, trafficSecret []byte) []byte {
	return ExpandLabel(h, trafficSecret, "finished", nil, h.Size())
}

// TrafficKeys is the symmetric key material for one direction at one
// generation, ready to hand to an AEAD.
type TrafficKeys struct {
	Key []byte
	IV  []byte
}

// DeriveTrafficKeys expands a traffic secret into the AEAD key and IV.
func (s *Schedule) DeriveTrafficKeys(trafficSecret []byte) TrafficKeys {
	return TrafficKeys{
		Key: s.expandLabel(trafficSecret, "key", nil, s.suite.KeyLen),
		IV:  s.expandLabel(trafficSecret, "iv", nil, s.suite.IVLen),
	}
}

// NextGeneration applies the KeyUpdate secret ratchet (RFC 8446 §7.2).
func (s *Schedule) NextGeneration(trafficSecret []byte) []byte {
	return s.expandLabel(trafficSecret, "traffic upd", nil, s.hash.Size())
}

func (s *Schedule) requireStage(want Stage) {
	if s.stage != want {
		panic(fmt.Sprintf("keyschedule: operation requires stage %d, schedule is at stage %d", want, s.stage))
	}
}

func emptyHash(h crypto.Hash) []byte {
	return h.New().Sum(nil)
}

// ExpandLabel implements HKDF-Expand-Label (RFC 8446 §7.1), building the
// HkdfLabel structure and calling HKDF-Expand.
func ExpandLabel(h crypto.Hash, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	if len(fullLabel) > 255 {
		panic("keyschedule: label too long")
	}
	if len(context) > 255 {
		panic("keyschedule: context too long")
	}

	hkdfLabel := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	reader := hkdf.Expand(h.New, secret, hkdfLabel)
	if _, err := reader.Read(out); err != nil {
		panic(fmt.Sprintf("keyschedule: hkdf expand: %v", err))
	}
	return out
}

// Export derives RFC 8446 §7.5 exported keying material from the
// connection's exporter master secret.
func Export(h crypto.Hash, exporterMasterSecret []byte, label string, context []byte, length int) []byte {
	emptyCtxHash := emptyHash(h)
	derivedSecret := ExpandLabel(h, exporterMasterSecret, label, emptyCtxHash, h.Size())
	contextHash := h.New()
	contextHash.Write(context)
	return ExpandLabel(h, derivedSecret, "exporter", contextHash.Sum(nil), length)
}
