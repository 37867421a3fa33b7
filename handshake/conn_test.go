package handshake

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldwire/tls13/config"
	"github.com/coldwire/tls13/keyschedule"
	"github.com/coldwire/tls13/record"
	"github.com/coldwire/tls13/session"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/wire"
)

func newTestCtx(t *testing.T, conn net.Conn, s *suite.Suite) *ctx {
	t.Helper()
	return &ctx{
		cfg:               &config.ClientConfig{},
		conn:              conn,
		serverName:        "example.com",
		log:               zap.NewNop(),
		keyShares:         newPendingKeyShares(),
		negotiatedSuite:   s,
		negotiatedVersion: suite.VersionTLS13,
		ks:                keyschedule.New(s),
	}
}

func installAEADPair(t *testing.T, c *ctx, s *suite.Suite, key, iv []byte) {
	t.Helper()
	aead, err := s.AEAD(key)
	require.NoError(t, err)
	c.writeSeq = record.NewSequenceAEAD(aead, iv)

	aead2, err := s.AEAD(key)
	require.NoError(t, err)
	c.readSeq = record.NewSequenceAEAD(aead2, iv)
}

// readOneRawRecordNoFail reads exactly one record off conn without
// going through the handshake package's decryption and without calling
// into testing.T, so it is safe to run from a background goroutine.
func readOneRawRecordNoFail(conn net.Conn, buf *readRecordBuf) (record.Header, []byte, error) {
	for len(buf.rawPending) < 5 {
		chunk := make([]byte, 4096)
		n, err := conn.Read(chunk)
		if err != nil {
			return record.Header{}, nil, err
		}
		buf.rawPending = append(buf.rawPending, chunk[:n]...)
	}
	header, err := record.ParseHeader(buf.rawPending[:5])
	if err != nil {
		return record.Header{}, nil, err
	}
	total := 5 + int(header.Length)
	for len(buf.rawPending) < total {
		chunk := make([]byte, 4096)
		n, err := conn.Read(chunk)
		if err != nil {
			return record.Header{}, nil, err
		}
		buf.rawPending = append(buf.rawPending, chunk[:n]...)
	}
	fragment := buf.rawPending[5:total]
	buf.rawPending = buf.rawPending[total:]
	return header, fragment, nil
}

type rawRecordResult struct {
	header   record.Header
	fragment []byte
	err      error
}

func readOneRawRecordAsync(conn net.Conn) <-chan rawRecordResult {
	out := make(chan rawRecordResult, 1)
	go func() {
		header, fragment, err := readOneRawRecordNoFail(conn, &readRecordBuf{})
		out <- rawRecordResult{header: header, fragment: fragment, err: err}
	}()
	return out
}

func TestConnWriteSealsApplicationData(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer clientSide.Close()
	defer peerSide.Close()

	s := suite.TLS13_AES_128_GCM_SHA256
	key := bytes.Repeat([]byte{0x11}, s.KeyLen)
	iv := bytes.Repeat([]byte{0x22}, s.IVLen)

	c := newTestCtx(t, clientSide, s)
	installAEADPair(t, c, s, key, iv)
	conn := &Conn{c: c, buf: &readRecordBuf{}}

	peerAEAD, err := s.AEAD(key)
	require.NoError(t, err)
	peerReadSeq := record.NewSequenceAEAD(peerAEAD, iv)

	resultCh := readOneRawRecordAsync(peerSide)

	n, err := conn.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, len("hello world"), n)

	result := <-resultCh
	require.NoError(t, result.err)
	typ, content, err := record.OpenRecord(peerReadSeq, result.header, result.fragment)
	require.NoError(t, err)
	require.Equal(t, record.ContentApplicationData, typ)
	require.Equal(t, []byte("hello world"), content)
}

func TestConnWriteWithoutKeysFails(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer clientSide.Close()
	defer peerSide.Close()

	c := newTestCtx(t, clientSide, suite.TLS13_AES_128_GCM_SHA256)
	conn := &Conn{c: c, buf: &readRecordBuf{}}

	_, err := conn.Write([]byte("data"))
	require.Error(t, err)
}

func TestConnReadReturnsApplicationData(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer clientSide.Close()
	defer peerSide.Close()

	s := suite.TLS13_AES_128_GCM_SHA256
	key := bytes.Repeat([]byte{0x33}, s.KeyLen)
	iv := bytes.Repeat([]byte{0x44}, s.IVLen)

	c := newTestCtx(t, clientSide, s)
	installAEADPair(t, c, s, key, iv)
	conn := &Conn{c: c, buf: &readRecordBuf{}}

	peerAEAD, err := s.AEAD(key)
	require.NoError(t, err)
	peerWriteSeq := record.NewSequenceAEAD(peerAEAD, iv)

	go func() {
		rec := record.SealRecord(peerWriteSeq, record.ContentApplicationData, []byte("from server"), 0)
		_, _ = peerSide.Write(rec)
	}()

	out := make([]byte, 64)
	n, err := conn.Read(out)
	require.NoError(t, err)
	require.Equal(t, "from server", string(out[:n]))
}

func TestConnReadSurfacesAlert(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer clientSide.Close()
	defer peerSide.Close()

	s := suite.TLS13_AES_128_GCM_SHA256
	key := bytes.Repeat([]byte{0x55}, s.KeyLen)
	iv := bytes.Repeat([]byte{0x66}, s.IVLen)

	c := newTestCtx(t, clientSide, s)
	installAEADPair(t, c, s, key, iv)
	conn := &Conn{c: c, buf: &readRecordBuf{}}

	peerAEAD, err := s.AEAD(key)
	require.NoError(t, err)
	peerWriteSeq := record.NewSequenceAEAD(peerAEAD, iv)

	go func() {
		alert := (&wire.Alert{Level: wire.AlertLevelFatal, Description: wire.AlertHandshakeFailure}).Marshal()
		rec := record.SealRecord(peerWriteSeq, record.ContentAlert, alert, 0)
		_, _ = peerSide.Write(rec)
	}()

	out := make([]byte, 64)
	_, err = conn.Read(out)
	require.Error(t, err)
}

func TestConnectionStateReportsNegotiatedParameters(t *testing.T) {
	c := &ctx{
		negotiatedVersion: suite.VersionTLS13,
		negotiatedSuite:   suite.TLS13_AES_256_GCM_SHA384,
		alpnSelected:      "h2",
		serverName:        "example.com",
		earlyData:         EarlyDataAccepted,
		usingPSK:          true,
	}
	conn := &Conn{c: c, buf: &readRecordBuf{}}
	state := conn.ConnectionState()
	require.Equal(t, suite.VersionTLS13, state.Version)
	require.Same(t, suite.TLS13_AES_256_GCM_SHA384, state.CipherSuite)
	require.Equal(t, "h2", state.ALPNProtocol)
	require.Equal(t, "example.com", state.ServerName)
	require.Equal(t, EarlyDataAccepted, state.EarlyData)
	require.True(t, state.ResumedPSK)
}

func TestExportKeyingMaterialRequiresTLS13(t *testing.T) {
	c := &ctx{negotiatedVersion: suite.VersionTLS12}
	conn := &Conn{c: c, buf: &readRecordBuf{}}
	_, err := conn.ExportKeyingMaterial("label", nil, 32)
	require.Error(t, err)
}

func TestExportKeyingMaterialDerivesBytes(t *testing.T) {
	s := suite.TLS13_AES_128_GCM_SHA256
	c := &ctx{
		negotiatedVersion:    suite.VersionTLS13,
		negotiatedSuite:      s,
		exporterMasterSecret: bytes.Repeat([]byte{0x77}, s.Hash.Size()),
	}
	conn := &Conn{c: c, buf: &readRecordBuf{}}
	out, err := conn.ExportKeyingMaterial("test label", []byte("context"), 20)
	require.NoError(t, err)
	require.Len(t, out, 20)

	out2, err := conn.ExportKeyingMaterial("test label", []byte("context"), 20)
	require.NoError(t, err)
	require.Equal(t, out, out2)
}

func TestHandleKeyUpdateRatchetsReadSecret(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer clientSide.Close()
	defer peerSide.Close()

	s := suite.TLS13_AES_128_GCM_SHA256
	c := newTestCtx(t, clientSide, s)
	c.lastReadSecret = bytes.Repeat([]byte{0x01}, s.Hash.Size())
	installAEADPair(t, c, s, bytes.Repeat([]byte{0x09}, s.KeyLen), bytes.Repeat([]byte{0x0a}, s.IVLen))

	conn := &Conn{c: c, buf: &readRecordBuf{}}
	before := append([]byte{}, c.lastReadSecret...)

	ku := &wire.KeyUpdate{RequestUpdate: wire.UpdateNotRequested}
	err := conn.handleKeyUpdate(ku.Marshal())
	require.NoError(t, err)
	require.NotEqual(t, before, c.lastReadSecret)
}

func TestHandleKeyUpdateRequestedDefersReplyUntilNextWrite(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer clientSide.Close()
	defer peerSide.Close()

	s := suite.TLS13_AES_128_GCM_SHA256
	c := newTestCtx(t, clientSide, s)
	c.lastReadSecret = bytes.Repeat([]byte{0x01}, s.Hash.Size())
	c.lastWriteSecret = bytes.Repeat([]byte{0x02}, s.Hash.Size())
	installAEADPair(t, c, s, bytes.Repeat([]byte{0x09}, s.KeyLen), bytes.Repeat([]byte{0x0a}, s.IVLen))

	conn := &Conn{c: c, buf: &readRecordBuf{}}

	ku := &wire.KeyUpdate{RequestUpdate: wire.UpdateRequested}
	err := conn.handleKeyUpdate(ku.Marshal())
	require.NoError(t, err)
	require.True(t, conn.wantWriteKeyUpdate.Load(), "reply must be deferred, not sent inside Read/handleKeyUpdate")

	type readPair struct {
		first, second rawRecordResult
	}
	resultCh := make(chan readPair, 1)
	go func() {
		buf := &readRecordBuf{}
		h1, f1, err1 := readOneRawRecordNoFail(peerSide, buf)
		h2, f2, err2 := readOneRawRecordNoFail(peerSide, buf)
		resultCh <- readPair{
			first:  rawRecordResult{header: h1, fragment: f1, err: err1},
			second: rawRecordResult{header: h2, fragment: f2, err: err2},
		}
	}()

	_, err = conn.Write([]byte("app data"))
	require.NoError(t, err)

	select {
	case pair := <-resultCh:
		require.NoError(t, pair.first.err)
		require.Equal(t, record.ContentHandshake, pair.first.header.Type)
		require.NoError(t, pair.second.err)
		require.Equal(t, record.ContentApplicationData, pair.second.header.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for key update response and application data")
	}
	require.False(t, conn.wantWriteKeyUpdate.Load())
}

func TestHandleNewSessionTicketStoresTicket(t *testing.T) {
	clientSide, _ := net.Pipe()
	defer clientSide.Close()

	store, err := session.NewMemoryStore()
	require.NoError(t, err)

	s := suite.TLS13_AES_128_GCM_SHA256
	c := newTestCtx(t, clientSide, s)
	c.cfg = &config.ClientConfig{SessionStore: store}
	c.resumptionMasterSecret = []byte("resumption-secret")
	c.alpnSelected = "h2"

	conn := &Conn{c: c, buf: &readRecordBuf{}}

	nst := &wire.NewSessionTicket{
		LifetimeSeconds: 7200,
		AgeAdd:          42,
		Nonce:           []byte{1, 2, 3},
		Ticket:          []byte("opaque-ticket"),
	}
	body := marshalNewSessionTicket(nst)

	err = conn.handleNewSessionTicket(body)
	require.NoError(t, err)

	loaded, ok, err := store.Load(backgroundContext(), "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("opaque-ticket"), loaded.Identity)
	require.Equal(t, "h2", loaded.ALPNProtocol)
}

func TestHandleNewSessionTicketNoStoreIsNoop(t *testing.T) {
	clientSide, _ := net.Pipe()
	defer clientSide.Close()

	s := suite.TLS13_AES_128_GCM_SHA256
	c := newTestCtx(t, clientSide, s)
	conn := &Conn{c: c, buf: &readRecordBuf{}}

	nst := &wire.NewSessionTicket{Ticket: []byte("t")}
	err := conn.handleNewSessionTicket(marshalNewSessionTicket(nst))
	require.NoError(t, err)
}

func marshalNewSessionTicket(nst *wire.NewSessionTicket) []byte {
	b := wire.NewBuilder()
	b.AddUint32(nst.LifetimeSeconds)
	b.AddUint32(nst.AgeAdd)
	b.AddUint8LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(nst.Nonce) })
	b.AddUint16LengthPrefixed(func(inner *wire.Builder) { inner.AddBytes(nst.Ticket) })
	b.AddUint16(0) // empty extensions
	return b.Bytes()
}

func TestCloseSendsPlaintextCloseNotify(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer peerSide.Close()

	c := newTestCtx(t, clientSide, suite.TLS13_AES_128_GCM_SHA256)
	conn := &Conn{c: c, buf: &readRecordBuf{}}

	resultCh := readOneRawRecordAsync(peerSide)

	require.NoError(t, conn.Close())

	select {
	case result := <-resultCh:
		require.NoError(t, result.err)
		require.Equal(t, record.ContentAlert, result.header.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close_notify")
	}
}
