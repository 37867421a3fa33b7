// Package record implements the TLS record layer: framing plaintext
// and application data into TLSPlaintext/TLSCiphertext records,
// sealing and opening them under the current traffic keys, and the
// middlebox-compatibility fake ChangeCipherSpec convention
// (RFC 8446 §5, §D.4).
package record

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// ContentType is the outer record type (RFC 8446 §5.1).
type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
)

// MaxPlaintextLength is the largest permitted TLSPlaintext.fragment,
// per RFC 8446 §5.1.
const MaxPlaintextLength = 1 << 14

// FakeChangeCipherSpec is the single-byte record middlebox-compatible
// TLS 1.3 clients send (and tolerate receiving) at fixed points in the
// handshake, despite it carrying no cryptographic meaning in 1.3.
var FakeChangeCipherSpec = []byte{byte(ContentChangeCipherSpec), 3, 3, 0, 1, 1}

// Header is a 5-byte record header: type, legacy version, length.
type Header struct {
	Type    ContentType
	Version uint16
	Length  uint16
}

func (h Header) Marshal() []byte {
	b := make([]byte, 5)
	b[0] = byte(h.Type)
	binary.BigEndian.PutUint16(b[1:], h.Version)
	binary.BigEndian.PutUint16(b[3:], h.Length)
	return b
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) != 5 {
		return Header{}, fmt.Errorf("record: header has length %d, want 5", len(b))
	}
	return Header{
		Type:    ContentType(b[0]),
		Version: binary.BigEndian.Uint16(b[1:]),
		Length:  binary.BigEndian.Uint16(b[3:]),
	}, nil
}

// Legacy record-layer version values a TLS 1.3 client places in the
// plaintext record header (RFC 8446 §5.1): the very first ClientHello
// record goes out as TLS 1.0 for maximum middlebox compatibility,
// while every later plaintext record (a retried ClientHello after a
// HelloRetryRequest, the fake ChangeCipherSpec, pre-negotiation
// alerts) uses TLS 1.2.
const (
	LegacyVersionInitial uint16 = 0x0301
	LegacyVersionTLS12   uint16 = 0x0303
)

// PlaintextRecord frames a single TLSPlaintext record, used before any
// encryption is in effect (ClientHellos and other unencrypted handshake
// messages, and alerts sent before keys are installed), under the given
// legacy record version. The fake CCS is the prebuilt
// FakeChangeCipherSpec instead.
func PlaintextRecord(typ ContentType, fragment []byte, version uint16) []byte {
	h := Header{Type: typ, Version: version, Length: uint16(len(fragment))}
	return append(h.Marshal(), fragment...)
}

// SequenceAEAD pairs an AEAD with the running per-direction sequence
// number and fixed IV used to build each record's nonce
// (RFC 8446 §5.3).
type SequenceAEAD struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

func NewSequenceAEAD(aead cipher.AEAD, iv []byte) *SequenceAEAD {
	return &SequenceAEAD{aead: aead, iv: append([]byte{}, iv...)}
}

func (s *SequenceAEAD) nonce() []byte {
	nonce := append([]byte{}, s.iv...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], s.seq)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= seqBytes[i]
	}
	return nonce
}

// Seal encrypts innerPlaintext (the TLSInnerPlaintext: content ||
// real_type || zero padding) into a TLSCiphertext.fragment under
// additional data ad (the outer record header), advancing the
// sequence number.
func (s *SequenceAEAD) Seal(ad, innerPlaintext []byte) []byte {
	out := s.aead.Seal(nil, s.nonce(), innerPlaintext, ad)
	s.seq++
	return out
}

// Open decrypts and authenticates a TLSCiphertext.fragment, advancing
// the sequence number on success.
func (s *SequenceAEAD) Open(ad, ciphertext []byte) ([]byte, error) {
	out, err := s.aead.Open(nil, s.nonce(), ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("record: decrypt/authenticate failed: %w", err)
	}
	s.seq++
	return out, nil
}

// Seq reports the current sequence number, used to decide when a key
// update is due to avoid sequence-number exhaustion.
func (s *SequenceAEAD) Seq() uint64 { return s.seq }

// SealRecord builds a complete TLS 1.3 TLSCiphertext record carrying
// innerType content, with zero padding bytes appended before sealing.
func SealRecord(aead *SequenceAEAD, innerType ContentType, content []byte, padding int) []byte {
	inner := make([]byte, 0, len(content)+1+padding)
	inner = append(inner, content...)
	inner = append(inner, byte(innerType))
	inner = append(inner, make([]byte, padding)...)

	outerLen := len(inner) + aeadOverhead(aead)
	header := Header{Type: ContentApplicationData, Version: 0x0303, Length: uint16(outerLen)}
	ad := header.Marshal()

	sealed := aead.Seal(ad, inner)
	return append(ad, sealed...)
}

// OpenRecord decrypts a TLS 1.3 TLSCiphertext record, returning the
// inner content type and the unpadded content.
func OpenRecord(aead *SequenceAEAD, header Header, fragment []byte) (ContentType, []byte, error) {
	ad := header.Marshal()
	inner, err := aead.Open(ad, fragment)
	if err != nil {
		return 0, nil, err
	}
	for i := len(inner) - 1; i >= 0; i-- {
		if inner[i] != 0 {
			return ContentType(inner[i]), inner[:i], nil
		}
	}
	return 0, nil, fmt.Errorf("record: inner plaintext has no non-zero content type byte")
}

func aeadOverhead(aead *SequenceAEAD) int {
	return aead.aead.Overhead()
}

// SealRecord12 builds a TLS 1.2 AEAD-mode TLSCiphertext record
// (RFC 5246 §6.2.3.3, RFC 5288): a 5-byte header, an 8-byte explicit
// nonce (the running sequence number), and the AEAD-sealed content
// under additional data seq_num||type||version||length.
func SealRecord12(aead *SequenceAEAD, typ ContentType, content []byte) []byte {
	var explicit [8]byte
	binary.BigEndian.PutUint64(explicit[:], aead.seq)
	nonce := append(append([]byte{}, aead.iv...), explicit[:]...)

	ad := make([]byte, 0, 13)
	ad = append(ad, explicit[:]...)
	ad = append(ad, byte(typ), 3, 3, byte(len(content)>>8), byte(len(content)))

	sealed := aead.aead.Seal(nil, nonce, content, ad)
	aead.seq++

	header := Header{Type: typ, Version: 0x0303, Length: uint16(len(explicit) + len(sealed))}
	out := append(header.Marshal(), explicit[:]...)
	return append(out, sealed...)
}

// OpenRecord12 decrypts a TLS 1.2 AEAD-mode TLSCiphertext record.
func OpenRecord12(aead *SequenceAEAD, header Header, fragment []byte) (ContentType, []byte, error) {
	if len(fragment) < 8 {
		return 0, nil, fmt.Errorf("record: tls 1.2 fragment too short for explicit nonce")
	}
	explicit := fragment[:8]
	ciphertext := fragment[8:]
	if len(ciphertext) < aead.aead.Overhead() {
		return 0, nil, fmt.Errorf("record: tls 1.2 fragment shorter than AEAD overhead")
	}
	nonce := append(append([]byte{}, aead.iv...), explicit...)
	contentLen := len(ciphertext) - aead.aead.Overhead()

	ad := make([]byte, 0, 13)
	ad = append(ad, explicit...)
	ad = append(ad, byte(header.Type), 3, 3, byte(contentLen>>8), byte(contentLen))

	out, err := aead.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return 0, nil, fmt.Errorf("record: decrypt/authenticate failed: %w", err)
	}
	aead.seq++
	return header.Type, out, nil
}

// SealRecord12Implicit builds a TLS 1.2 record for AEAD ciphers that
// derive their nonce entirely from the sequence number with no explicit
// per-record nonce field, as ChaCha20-Poly1305 does (RFC 7905 §2):
// the same additional-data shape as SealRecord12, but the XOR-based
// nonce construction Seal/Open already implement for TLS 1.3.
func SealRecord12Implicit(aead *SequenceAEAD, typ ContentType, content []byte) []byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], aead.seq)
	ad := make([]byte, 0, 13)
	ad = append(ad, seqBytes[:]...)
	ad = append(ad, byte(typ), 3, 3, byte(len(content)>>8), byte(len(content)))

	sealed := aead.Seal(ad, content)
	header := Header{Type: typ, Version: 0x0303, Length: uint16(len(sealed))}
	return append(header.Marshal(), sealed...)
}

// OpenRecord12Implicit decrypts a TLS 1.2 implicit-nonce AEAD record.
func OpenRecord12Implicit(aead *SequenceAEAD, header Header, fragment []byte) (ContentType, []byte, error) {
	if len(fragment) < aead.aead.Overhead() {
		return 0, nil, fmt.Errorf("record: tls 1.2 fragment shorter than AEAD overhead")
	}
	contentLen := len(fragment) - aead.aead.Overhead()
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], aead.seq)
	ad := make([]byte, 0, 13)
	ad = append(ad, seqBytes[:]...)
	ad = append(ad, byte(header.Type), 3, 3, byte(contentLen>>8), byte(contentLen))

	out, err := aead.Open(ad, fragment)
	if err != nil {
		return 0, nil, err
	}
	return header.Type, out, nil
}
