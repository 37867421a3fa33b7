package handshake

import (
	"fmt"
	"io"

	"github.com/coldwire/tls13/keyschedule"
	"github.com/coldwire/tls13/record"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/wire"
)

// readRecordBuf accumulates bytes read from the connection so a single
// logical record or handshake message can be split across multiple TCP
// reads, and so one TCP read can carry more than one record. It also
// holds the decrypted handshake-layer byte stream, since a single
// record may coalesce several handshake messages (or a single message
// may span several records).
type readRecordBuf struct {
	rawPending []byte
	hsPending  []byte
}

func (c *ctx) fillRaw(buf *readRecordBuf, n int) error {
	for len(buf.rawPending) < n {
		chunk := make([]byte, 4096)
		read, err := c.conn.Read(chunk)
		if read > 0 {
			buf.rawPending = append(buf.rawPending, chunk[:read]...)
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("handshake: connection closed: %w", err)
			}
			return fmt.Errorf("handshake: read from connection: %w", err)
		}
	}
	return nil
}

// readRecord consumes exactly one TLSPlaintext/TLSCiphertext record
// from the connection, decrypting it if read keys are installed.
func (c *ctx) readRecord(buf *readRecordBuf) (record.ContentType, []byte, error) {
	if err := c.fillRaw(buf, 5); err != nil {
		return 0, nil, err
	}
	header, err := record.ParseHeader(buf.rawPending[:5])
	if err != nil {
		return 0, nil, err
	}
	total := 5 + int(header.Length)
	if err := c.fillRaw(buf, total); err != nil {
		return 0, nil, err
	}
	fragment := buf.rawPending[5:total]
	buf.rawPending = buf.rawPending[total:]

	if header.Type == record.ContentChangeCipherSpec {
		return record.ContentChangeCipherSpec, fragment, nil
	}
	if c.readSeq == nil {
		return header.Type, fragment, nil
	}
	if c.negotiatedVersion == suite.VersionTLS12 {
		open := record.OpenRecord12
		if !c.negotiatedSuite.ExplicitNonceTLS12() {
			open = record.OpenRecord12Implicit
		}
		_, content, err := open(c.readSeq, header, fragment)
		if err != nil {
			return 0, nil, c.sendAlert(wire.AlertBadRecordMAC)
		}
		return header.Type, content, nil
	}
	innerType, content, err := record.OpenRecord(c.readSeq, header, fragment)
	if err != nil {
		return 0, nil, c.sendAlert(wire.AlertBadRecordMAC)
	}
	return innerType, content, nil
}

// fillHandshakeBytes ensures at least n more decrypted handshake-layer
// bytes are available in buf.hsPending, reading and decrypting further
// records (skipping fake CCS and surfacing alerts) as needed.
func (c *ctx) fillHandshakeBytes(buf *readRecordBuf, n int) error {
	for len(buf.hsPending) < n {
		typ, content, err := c.readRecord(buf)
		if err != nil {
			return err
		}
		switch typ {
		case record.ContentChangeCipherSpec:
			continue
		case record.ContentAlert:
			alert, aerr := wire.ParseAlert(content)
			if aerr != nil {
				return fmt.Errorf("handshake: malformed alert: %w", aerr)
			}
			return fmt.Errorf("handshake: received %w", alert)
		case record.ContentHandshake:
			buf.hsPending = append(buf.hsPending, content...)
		default:
			return c.sendAlert(wire.AlertUnexpectedMessage)
		}
	}
	return nil
}

// readHandshakeMessage returns the next complete Handshake message
// from the decrypted handshake-layer stream, feeding its raw bytes
// (header included) into the running transcript as it is consumed.
func (c *ctx) readHandshakeMessage(buf *readRecordBuf) (wire.HandshakeType, []byte, error) {
	if err := c.fillHandshakeBytes(buf, 4); err != nil {
		return 0, nil, err
	}
	msgType := wire.HandshakeType(buf.hsPending[0])
	length := int(buf.hsPending[1])<<16 | int(buf.hsPending[2])<<8 | int(buf.hsPending[3])
	total := 4 + length
	if err := c.fillHandshakeBytes(buf, total); err != nil {
		return 0, nil, err
	}
	msg := buf.hsPending[:total]
	buf.hsPending = buf.hsPending[total:]
	c.tr.Write(msg)
	return msgType, msg[4:], nil
}

// writeHandshakeMessage frames, transcripts, and sends one handshake
// message, encrypting it if write keys are installed.
func (c *ctx) writeHandshakeMessage(typ wire.HandshakeType, body []byte) error {
	msg := wire.Handshake(typ, body)
	c.tr.Write(msg)

	if c.writeSeq == nil {
		_, err := c.conn.Write(record.PlaintextRecord(record.ContentHandshake, msg, record.LegacyVersionTLS12))
		return err
	}
	if c.negotiatedVersion == suite.VersionTLS12 {
		seal := record.SealRecord12
		if !c.negotiatedSuite.ExplicitNonceTLS12() {
			seal = record.SealRecord12Implicit
		}
		_, err := c.conn.Write(seal(c.writeSeq, record.ContentHandshake, msg))
		return err
	}
	_, err := c.conn.Write(record.SealRecord(c.writeSeq, record.ContentHandshake, msg, 0))
	return err
}

// writeFakeChangeCipherSpec emits the middlebox-compatibility record
// exactly once, immediately after the ClientHello (RFC 8446 §D.4).
func (c *ctx) writeFakeChangeCipherSpec() error {
	_, err := c.conn.Write(record.FakeChangeCipherSpec)
	return err
}

func (c *ctx) installReadKeys(s *keyschedule.TrafficKeys) error {
	aead, err := c.negotiatedSuite.AEAD(s.Key)
	if err != nil {
		return fmt.Errorf("handshake: build read AEAD: %w", err)
	}
	c.readSeq = record.NewSequenceAEAD(aead, s.IV)
	return nil
}

func (c *ctx) installWriteKeys(s *keyschedule.TrafficKeys) error {
	aead, err := c.negotiatedSuite.AEAD(s.Key)
	if err != nil {
		return fmt.Errorf("handshake: build write AEAD: %w", err)
	}
	c.writeSeq = record.NewSequenceAEAD(aead, s.IV)
	return nil
}
