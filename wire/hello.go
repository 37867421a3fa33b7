package wire

import (
	"crypto/rand"
	"fmt"
)

// Random is the 32-byte Random field of a ClientHello/ServerHello.
type Random [32]byte

// HelloRetryRequestRandom is the fixed ServerHello.random value a
// server sends in place of fresh randomness to signal a
// HelloRetryRequest (RFC 8446 §4.1.3).
var HelloRetryRequestRandom = Random{
	0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11,
	0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
	0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E,
	0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
}

func NewRandom() (Random, error) {
	var r Random
	if _, err := rand.Read(r[:]); err != nil {
		return r, fmt.Errorf("wire: generate random: %w", err)
	}
	return r, nil
}

// KeyShareEntry is one entry of the key_share extension's list (in a
// ClientHello) or its single entry (in a ServerHello/HRR).
type KeyShareEntry struct {
	Group      uint16
	KeyExchange []byte
}

// ClientHello is the parsed/to-be-serialized form of a ClientHello
// message body (the Handshake header is added separately).
type ClientHello struct {
	LegacyVersion      uint16
	Random             Random
	LegacySessionID    []byte
	CipherSuites       []uint16
	CompressionMethods []byte

	ServerName           string
	SupportedGroups      []uint16
	ECPointFormats       []uint8
	SignatureAlgorithms  []uint16
	ALPNProtocols        []string
	SupportedVersions    []uint16
	KeyShares            []KeyShareEntry
	PSKModes             []uint8
	Cookie               []byte
	SessionTicket        []byte
	EarlyDataIndication  bool
	CompressCertificate  []uint16

	// PreSharedKey, if present, must be the last extension; its binder
	// list is encoded separately by the caller once computed, since
	// binders require hashing everything that precedes them.
	PSKIdentities []PSKIdentity
	PSKBinders    [][]byte
}

type PSKIdentity struct {
	Identity            []byte
	ObfuscatedTicketAge uint32
}

// MarshalWithBinderOffset encodes the ClientHello and also reports the
// byte offset at which the pre_shared_key extension's binders list
// begins, so the caller can hash the message up to that point when
// computing binders (RFC 8446 §4.2.11.2). PSKBinders should hold
// zero-filled placeholders of the final binder size when called before
// binders are computed, and the real binders when called to produce
// the message actually sent on the wire.
func (c *ClientHello) MarshalWithBinderOffset() (full []byte, bindersOffset int) {
	return c.marshal()
}

// Marshal encodes the complete ClientHello, including computed binders.
func (c *ClientHello) Marshal() []byte {
	full, _ := c.marshal()
	return full
}

func (c *ClientHello) marshal() ([]byte, int) {
	b := NewBuilder()
	b.AddUint16(c.LegacyVersion)
	b.AddBytes(c.Random[:])
	b.AddUint8LengthPrefixed(func(inner *Builder) { inner.AddBytes(c.LegacySessionID) })
	b.AddUint16LengthPrefixed(func(inner *Builder) {
		for _, cs := range c.CipherSuites {
			inner.AddUint16(cs)
		}
	})
	b.AddUint8LengthPrefixed(func(inner *Builder) { inner.AddBytes(c.CompressionMethods) })

	// Build the extensions block in a scratch buffer first so the
	// binders offset can be reported relative to the final message,
	// which is the prefix built so far plus the 2-byte extensions
	// length plus the offset within the extensions block itself.
	// PSKBinders must already hold real binders, or correctly-sized
	// zero placeholders when the caller only needs the offset.
	extBuilder := NewBuilder()
	bindersOffsetInExt := 0
	c.marshalExtensions(extBuilder, &bindersOffsetInExt)

	bindersOffset := 0
	if bindersOffsetInExt > 0 {
		bindersOffset = len(b.Bytes()) + 2 + bindersOffsetInExt
	}
	b.AddUint16LengthPrefixed(func(ext *Builder) { ext.AddBytes(extBuilder.Bytes()) })
	return b.Bytes(), bindersOffset
}

func (c *ClientHello) marshalExtensions(ext *Builder, bindersOffsetInExt *int) {
	if c.ServerName != "" {
		AddExtension(ext, ExtServerName, func(b *Builder) {
			b.AddUint16LengthPrefixed(func(list *Builder) {
				list.AddUint8(0) // host_name
				list.AddUint16LengthPrefixed(func(name *Builder) { name.AddBytes([]byte(c.ServerName)) })
			})
		})
	}
	if len(c.SupportedGroups) > 0 {
		AddExtension(ext, ExtSupportedGroups, func(b *Builder) {
			b.AddUint16LengthPrefixed(func(list *Builder) {
				for _, g := range c.SupportedGroups {
					list.AddUint16(g)
				}
			})
		})
	}
	if len(c.ECPointFormats) > 0 {
		AddExtension(ext, ExtECPointFormats, func(b *Builder) {
			b.AddUint8LengthPrefixed(func(list *Builder) { list.AddBytes(c.ECPointFormats) })
		})
	}
	if len(c.SignatureAlgorithms) > 0 {
		AddExtension(ext, ExtSignatureAlgorithms, func(b *Builder) {
			b.AddUint16LengthPrefixed(func(list *Builder) {
				for _, s := range c.SignatureAlgorithms {
					list.AddUint16(s)
				}
			})
		})
	}
	if len(c.ALPNProtocols) > 0 {
		AddExtension(ext, ExtALPN, func(b *Builder) {
			b.AddUint16LengthPrefixed(func(list *Builder) {
				for _, p := range c.ALPNProtocols {
					list.AddUint8LengthPrefixed(func(proto *Builder) { proto.AddBytes([]byte(p)) })
				}
			})
		})
	}
	if len(c.SessionTicket) > 0 {
		AddExtension(ext, ExtSessionTicket, func(b *Builder) { b.AddBytes(c.SessionTicket) })
	} else {
		AddExtension(ext, ExtSessionTicket, func(b *Builder) {})
	}
	if len(c.SupportedVersions) > 0 {
		AddExtension(ext, ExtSupportedVersions, func(b *Builder) {
			b.AddUint8LengthPrefixed(func(list *Builder) {
				for _, v := range c.SupportedVersions {
					list.AddUint16(v)
				}
			})
		})
	}
	if len(c.KeyShares) > 0 {
		AddExtension(ext, ExtKeyShare, func(b *Builder) {
			b.AddUint16LengthPrefixed(func(list *Builder) {
				for _, ks := range c.KeyShares {
					list.AddUint16(ks.Group)
					list.AddUint16LengthPrefixed(func(kx *Builder) { kx.AddBytes(ks.KeyExchange) })
				}
			})
		})
	}
	if len(c.PSKModes) > 0 {
		AddExtension(ext, ExtPSKKeyExchangeModes, func(b *Builder) {
			b.AddUint8LengthPrefixed(func(list *Builder) { list.AddBytes(c.PSKModes) })
		})
	}
	if c.Cookie != nil {
		AddExtension(ext, ExtCookie, func(b *Builder) {
			b.AddUint16LengthPrefixed(func(inner *Builder) { inner.AddBytes(c.Cookie) })
		})
	}
	if c.EarlyDataIndication {
		AddExtension(ext, ExtEarlyData, func(b *Builder) {})
	}
	if len(c.CompressCertificate) > 0 {
		AddExtension(ext, ExtCompressCertificate, func(b *Builder) {
			b.AddUint8LengthPrefixed(func(list *Builder) {
				for _, a := range c.CompressCertificate {
					list.AddUint16(a)
				}
			})
		})
	}

	// pre_shared_key MUST be last (RFC 8446 §4.2.11). PSKBinders must
	// already be set to correctly-sized slices (real binders, or
	// zero-filled placeholders of the right length) before either
	// Marshal or MarshalWithBinderOffset is called.
	if len(c.PSKIdentities) > 0 {
		ext.AddUint16(uint16(ExtPreSharedKey))

		extBody := NewBuilder()
		extBody.AddUint16LengthPrefixed(func(list *Builder) {
			for _, id := range c.PSKIdentities {
				list.AddUint16LengthPrefixed(func(inner *Builder) { inner.AddBytes(id.Identity) })
				list.AddUint32(id.ObfuscatedTicketAge)
			}
		})

		// offset of the binders vector within the extensions block:
		// current extensions-block length (which already includes the
		// 2-byte extension type just written), plus the 2-byte extension
		// length header still to be written, plus the identities vector
		// just built.
		*bindersOffsetInExt = len(ext.Bytes()) + 2 + len(extBody.Bytes())

		extBody.AddUint16LengthPrefixed(func(list *Builder) {
			for _, bnd := range c.PSKBinders {
				list.AddUint8LengthPrefixed(func(inner *Builder) { inner.AddBytes(bnd) })
			}
		})

		ext.AddUint16LengthPrefixed(func(b *Builder) { b.AddBytes(extBody.Bytes()) })
	}
}

// ParseClientHello decodes a ClientHello message body (without the
// Handshake header).
func ParseClientHello(body []byte) (*ClientHello, error) {
	r := NewReader(body)
	ch := &ClientHello{}

	v, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("wire: client hello version: %w", err)
	}
	ch.LegacyVersion = v

	randBytes, err := r.ReadBytes(32)
	if err != nil {
		return nil, fmt.Errorf("wire: client hello random: %w", err)
	}
	copy(ch.Random[:], randBytes)

	sessionID, err := r.ReadUint8LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: client hello session id: %w", err)
	}
	ch.LegacySessionID = sessionID.Remaining()

	suites, err := r.ReadUint16LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: client hello cipher suites: %w", err)
	}
	for !suites.Empty() {
		cs, err := suites.ReadUint16()
		if err != nil {
			return nil, err
		}
		ch.CipherSuites = append(ch.CipherSuites, cs)
	}

	comp, err := r.ReadUint8LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: client hello compression methods: %w", err)
	}
	ch.CompressionMethods = comp.Remaining()

	if !r.Empty() {
		exts, err := ReadExtensions(r)
		if err != nil {
			return nil, fmt.Errorf("wire: client hello extensions: %w", err)
		}
		if err := ch.parseExtensions(exts); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

func (ch *ClientHello) parseExtensions(exts []Extension) error {
	for _, e := range exts {
		r := NewReader(e.Body)
		switch e.Type {
		case ExtSupportedVersions:
			list, err := r.ReadUint8LengthPrefixed()
			if err != nil {
				return err
			}
			for !list.Empty() {
				v, err := list.ReadUint16()
				if err != nil {
					return err
				}
				ch.SupportedVersions = append(ch.SupportedVersions, v)
			}
		case ExtKeyShare:
			list, err := r.ReadUint16LengthPrefixed()
			if err != nil {
				return err
			}
			for !list.Empty() {
				group, err := list.ReadUint16()
				if err != nil {
					return err
				}
				kx, err := list.ReadUint16LengthPrefixed()
				if err != nil {
					return err
				}
				ch.KeyShares = append(ch.KeyShares, KeyShareEntry{Group: group, KeyExchange: kx.Remaining()})
			}
		case ExtPSKKeyExchangeModes:
			list, err := r.ReadUint8LengthPrefixed()
			if err != nil {
				return err
			}
			ch.PSKModes = append(ch.PSKModes, list.Remaining()...)
		case ExtCookie:
			cookie, err := r.ReadUint16LengthPrefixed()
			if err != nil {
				return err
			}
			ch.Cookie = cookie.Remaining()
		case ExtEarlyData:
			ch.EarlyDataIndication = true
		}
	}
	return nil
}

// ServerHello is the parsed form of a ServerHello message body (also
// used for HelloRetryRequest, which is a ServerHello with a fixed
// random value).
type ServerHello struct {
	LegacyVersion     uint16
	Random            Random
	SessionIDEcho     []byte
	CipherSuite       uint16
	CompressionMethod uint8

	SupportedVersion uint16 // from the supported_versions extension
	KeyShare         *KeyShareEntry
	SelectedGroup    uint16 // HRR's key_share extension carries only a group
	Cookie           []byte
	PSKSelected      *uint16 // index into the ClientHello's psk identity list

	Extensions []Extension // raw extensions, for callers validating the offered set
}

func (sh *ServerHello) IsHelloRetryRequest() bool {
	return sh.Random == HelloRetryRequestRandom
}

func ParseServerHello(body []byte) (*ServerHello, error) {
	r := NewReader(body)
	sh := &ServerHello{}

	v, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("wire: server hello version: %w", err)
	}
	sh.LegacyVersion = v

	randBytes, err := r.ReadBytes(32)
	if err != nil {
		return nil, fmt.Errorf("wire: server hello random: %w", err)
	}
	copy(sh.Random[:], randBytes)

	sessionID, err := r.ReadUint8LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: server hello session id: %w", err)
	}
	sh.SessionIDEcho = sessionID.Remaining()

	cs, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("wire: server hello cipher suite: %w", err)
	}
	sh.CipherSuite = cs

	comp, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("wire: server hello compression method: %w", err)
	}
	sh.CompressionMethod = comp

	if r.Empty() {
		return sh, nil
	}
	exts, err := ReadExtensions(r)
	if err != nil {
		return nil, fmt.Errorf("wire: server hello extensions: %w", err)
	}
	sh.Extensions = exts
	for _, e := range exts {
		er := NewReader(e.Body)
		switch e.Type {
		case ExtSupportedVersions:
			v, err := er.ReadUint16()
			if err != nil {
				return nil, err
			}
			sh.SupportedVersion = v
		case ExtKeyShare:
			if len(e.Body) == 2 {
				group, err := er.ReadUint16()
				if err != nil {
					return nil, err
				}
				sh.SelectedGroup = group
			} else {
				group, err := er.ReadUint16()
				if err != nil {
					return nil, err
				}
				kx, err := er.ReadUint16LengthPrefixed()
				if err != nil {
					return nil, err
				}
				sh.KeyShare = &KeyShareEntry{Group: group, KeyExchange: kx.Remaining()}
			}
		case ExtCookie:
			cookie, err := er.ReadUint16LengthPrefixed()
			if err != nil {
				return nil, err
			}
			sh.Cookie = cookie.Remaining()
		case ExtPreSharedKey:
			idx, err := er.ReadUint16()
			if err != nil {
				return nil, err
			}
			sh.PSKSelected = &idx
		}
	}
	return sh, nil
}
