// Package transcript maintains the running hash of handshake messages
// used for Finished MACs, certificate verification signatures, and key
// schedule transcript-hash inputs (RFC 8446 §4.4).
package transcript

import (
	"crypto"
	"encoding"
	"fmt"
	"hash"
)

// Hash accumulates the handshake transcript under a single hash
// algorithm. It is not safe for concurrent use.
type Hash struct {
	algo crypto.Hash
	h    hash.Hash

	// buffered holds the pre-algorithm-selection bytes seen via
	// BufferUntilSelected, replayed into h once SelectAlgorithm is
	// called; this lets a caller start recording the ClientHello before
	// the server's chosen suite (and therefore hash) is known.
	buffered []byte
	selected bool
}

// New starts a transcript with the hash fixed up front (used once the
// negotiated suite's hash is already known, e.g. on a second connection
// that resumes a cached PSK).
func New(algo crypto.Hash) *Hash {
	return &Hash{algo: algo, h: algo.New(), selected: true}
}

// NewDeferred starts a transcript whose hash algorithm is not yet known.
// Writes are buffered until SelectAlgorithm fixes it.
func NewDeferred() *Hash {
	return &Hash{}
}

// SelectAlgorithm fixes the transcript's hash once the negotiated
// cipher suite is known, replaying any buffered bytes into the real
// hash state.
func (t *Hash) SelectAlgorithm(algo crypto.Hash) error {
	if t.selected {
		if t.algo != algo {
			return fmt.Errorf("transcript: algorithm already selected as %v, cannot change to %v", t.algo, algo)
		}
		return nil
	}
	t.algo = algo
	t.h = algo.New()
	if len(t.buffered) > 0 {
		t.h.Write(t.buffered)
		t.buffered = nil
	}
	t.selected = true
	return nil
}

// Write feeds handshake message bytes (the full wire encoding, including
// the 4-byte handshake header) into the transcript.
func (t *Hash) Write(p []byte) {
	if !t.selected {
		t.buffered = append(t.buffered, p...)
		return
	}
	t.h.Write(p)
}

// Sum returns the current transcript hash without consuming the running
// state, so further messages can still be appended.
func (t *Hash) Sum() []byte {
	if !t.selected {
		panic("transcript: Sum called before algorithm selected")
	}
	return t.h.Sum(nil)
}

// Algorithm reports the hash algorithm in use, or 0 if not yet selected.
func (t *Hash) Algorithm() crypto.Hash {
	return t.algo
}

// Clone returns an independent copy of the transcript at its current
// state, used to compute the binder over a partial ClientHello while the
// real transcript keeps accumulating the rest of the message. The
// standard library's sha256/sha512 digests implement
// encoding.BinaryMarshaler, which is the documented way to snapshot and
// fork hash.Hash state.
func (t *Hash) Clone() (*Hash, error) {
	if !t.selected {
		return &Hash{buffered: append([]byte{}, t.buffered...)}, nil
	}
	marshaler, ok := t.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("transcript: hash %v does not support state cloning", t.algo)
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("transcript: marshal hash state: %w", err)
	}
	clone := t.algo.New()
	if err := clone.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("transcript: unmarshal hash state: %w", err)
	}
	return &Hash{algo: t.algo, h: clone, selected: true}, nil
}

// ResetToMessageHash replaces the transcript with a synthetic
// "message_hash" handshake message wrapping the given hash of the
// first ClientHello, per RFC 8446 §4.4.1, used when a HelloRetryRequest
// requires discarding the literal first ClientHello from the running
// transcript while preserving its influence on later hashes.
func ResetToMessageHash(algo crypto.Hash, firstClientHelloHash []byte) *Hash {
	t := New(algo)
	// Handshake header: msg_type(1)=254 (message_hash), length(3).
	header := []byte{254, 0, 0, byte(len(firstClientHelloHash))}
	t.Write(header)
	t.Write(firstClientHelloHash)
	return t
}
