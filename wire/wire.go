// Package wire implements encoding and decoding of TLS handshake
// messages and extensions (RFC 8446 §4, RFC 5246 §7.4). It knows
// nothing about connection state; it only turns messages into bytes
// and back.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HandshakeType is the msg_type field of a Handshake message.
type HandshakeType uint8

const (
	TypeClientHello         HandshakeType = 1
	TypeServerHello         HandshakeType = 2
	TypeNewSessionTicket    HandshakeType = 4
	TypeEndOfEarlyData      HandshakeType = 5
	TypeEncryptedExtensions HandshakeType = 8
	TypeCertificate         HandshakeType = 11
	TypeServerKeyExchange   HandshakeType = 12 // TLS 1.2 only (RFC 5246 §7.4.3)
	TypeCertificateRequest  HandshakeType = 13
	TypeServerHelloDone     HandshakeType = 14 // TLS 1.2 only (RFC 5246 §7.4.5)
	TypeCertificateVerify   HandshakeType = 15
	TypeClientKeyExchange   HandshakeType = 16 // TLS 1.2 only (RFC 5246 §7.4.7)
	TypeFinished            HandshakeType = 20
	TypeKeyUpdate           HandshakeType = 24
	TypeMessageHash         HandshakeType = 254
)

// ExtensionType is the wire identifier of a ClientHello/ServerHello
// extension (RFC 8446 §4.2).
type ExtensionType uint16

const (
	ExtServerName            ExtensionType = 0
	ExtStatusRequest         ExtensionType = 5
	ExtSupportedGroups       ExtensionType = 10
	ExtECPointFormats        ExtensionType = 11
	ExtSignatureAlgorithms   ExtensionType = 13
	ExtALPN                  ExtensionType = 16
	ExtCompressCertificate   ExtensionType = 27
	ExtSessionTicket         ExtensionType = 35
	ExtPreSharedKey          ExtensionType = 41
	ExtEarlyData             ExtensionType = 42
	ExtSupportedVersions     ExtensionType = 43
	ExtCookie                ExtensionType = 44
	ExtPSKKeyExchangeModes   ExtensionType = 45
	ExtCertificateAuthority  ExtensionType = 47
	ExtKeyShare              ExtensionType = 51
	ExtExtendedMasterSecret  ExtensionType = 23
	ExtRenegotiationInfo     ExtensionType = 0xff01
)

// Extension is a single raw extension as it appears on the wire:
// a type and an opaque body, already encoded.
type Extension struct {
	Type ExtensionType
	Body []byte
}

// Builder accumulates bytes with length-prefix helpers matching the
// u8/u16/u24-length vector conventions used throughout the TLS wire
// format.
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) AddUint8(v uint8)   { b.buf = append(b.buf, v) }
func (b *Builder) AddUint16(v uint16) { b.buf = append(b.buf, byte(v>>8), byte(v)) }
func (b *Builder) AddUint24(v uint32) { b.buf = append(b.buf, byte(v>>16), byte(v>>8), byte(v)) }
func (b *Builder) AddUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *Builder) AddBytes(p []byte) { b.buf = append(b.buf, p...) }

// AddUint8LengthPrefixed appends the result of fn as a vector with a
// one-byte length prefix.
func (b *Builder) AddUint8LengthPrefixed(fn func(*Builder)) {
	start := len(b.buf)
	b.buf = append(b.buf, 0)
	inner := &Builder{}
	fn(inner)
	b.buf = append(b.buf, inner.buf...)
	b.buf[start] = byte(len(inner.buf))
}

// AddUint16LengthPrefixed appends the result of fn as a vector with a
// two-byte length prefix.
func (b *Builder) AddUint16LengthPrefixed(fn func(*Builder)) {
	start := len(b.buf)
	b.buf = append(b.buf, 0, 0)
	inner := &Builder{}
	fn(inner)
	b.buf = append(b.buf, inner.buf...)
	binary.BigEndian.PutUint16(b.buf[start:], uint16(len(inner.buf)))
}

// AddUint24LengthPrefixed appends the result of fn as a vector with a
// three-byte length prefix (used for the Handshake message body and
// Certificate lists).
func (b *Builder) AddUint24LengthPrefixed(fn func(*Builder)) {
	start := len(b.buf)
	b.buf = append(b.buf, 0, 0, 0)
	inner := &Builder{}
	fn(inner)
	b.buf = append(b.buf, inner.buf...)
	n := len(inner.buf)
	b.buf[start] = byte(n >> 16)
	b.buf[start+1] = byte(n >> 8)
	b.buf[start+2] = byte(n)
}

// Handshake wraps a message body with its type and length header.
func Handshake(typ HandshakeType, body []byte) []byte {
	b := NewBuilder()
	b.AddUint8(uint8(typ))
	b.AddUint24LengthPrefixed(func(inner *Builder) { inner.AddBytes(body) })
	return b.Bytes()
}

// Reader consumes bytes with the matching length-prefix helpers,
// reporting an error instead of panicking on truncated input.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Empty() bool { return r.pos >= len(r.buf) }

func (r *Reader) Remaining() []byte { return r.buf[r.pos:] }

func (r *Reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return fmt.Errorf("wire: truncated message, need %d bytes, have %d", n, len(r.buf)-r.pos)
	}
	return nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadUint24() (uint32, error) {
	if err := r.need(3); err != nil {
		return 0, err
	}
	v := uint32(r.buf[r.pos])<<16 | uint32(r.buf[r.pos+1])<<8 | uint32(r.buf[r.pos+2])
	r.pos += 3
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *Reader) ReadUint8LengthPrefixed() (*Reader, error) {
	n, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return NewReader(b), nil
}

func (r *Reader) ReadUint16LengthPrefixed() (*Reader, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return NewReader(b), nil
}

func (r *Reader) ReadUint24LengthPrefixed() (*Reader, error) {
	n, err := r.ReadUint24()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return NewReader(b), nil
}

// ReadHandshakeHeader reads the 1-byte type and 3-byte length of a
// Handshake message and returns a Reader scoped to its body.
func ReadHandshakeHeader(r *Reader) (HandshakeType, *Reader, error) {
	typ, err := r.ReadUint8()
	if err != nil {
		return 0, nil, err
	}
	body, err := r.ReadUint24LengthPrefixed()
	if err != nil {
		return 0, nil, err
	}
	return HandshakeType(typ), body, nil
}

// ReadExtensions parses a u16-length-prefixed extensions block into its
// individual raw Extension entries. A repeated extension type is a
// decode error (RFC 8446 §4.2): a conforming peer never sends the same
// extension twice in one message.
func ReadExtensions(r *Reader) ([]Extension, error) {
	block, err := r.ReadUint16LengthPrefixed()
	if err != nil {
		return nil, err
	}
	var exts []Extension
	seen := make(map[ExtensionType]bool)
	for !block.Empty() {
		typ, err := block.ReadUint16()
		if err != nil {
			return nil, err
		}
		body, err := block.ReadUint16LengthPrefixed()
		if err != nil {
			return nil, err
		}
		et := ExtensionType(typ)
		if seen[et] {
			return nil, fmt.Errorf("wire: duplicate extension type %d", et)
		}
		seen[et] = true
		exts = append(exts, Extension{Type: et, Body: body.Remaining()})
	}
	return exts, nil
}

// FindExtension returns the first extension of the given type, if any.
func FindExtension(exts []Extension, typ ExtensionType) (Extension, bool) {
	for _, e := range exts {
		if e.Type == typ {
			return e, true
		}
	}
	return Extension{}, false
}

func AddExtension(b *Builder, typ ExtensionType, fn func(*Builder)) {
	b.AddUint16(uint16(typ))
	b.AddUint16LengthPrefixed(fn)
}
