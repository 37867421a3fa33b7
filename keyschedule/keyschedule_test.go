package keyschedule

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldwire/tls13/suite"
)

func TestExpandLabelIsDeterministicAndLabelSensitive(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}

	a := ExpandLabel(crypto.SHA256, secret, "key", nil, 16)
	b := ExpandLabel(crypto.SHA256, secret, "key", nil, 16)
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	c := ExpandLabel(crypto.SHA256, secret, "iv", nil, 16)
	require.NotEqual(t, a, c)

	d := ExpandLabel(crypto.SHA256, secret, "key", []byte("context"), 16)
	require.NotEqual(t, a, d)
}

func TestExpandLabelRejectsOversizedInputs(t *testing.T) {
	secret := make([]byte, 32)
	overlong := make([]byte, 256)

	require.Panics(t, func() { ExpandLabel(crypto.SHA256, secret, "k", overlong, 16) })
}

func TestScheduleRequiresStageOrder(t *testing.T) {
	s := New(suite.TLS13_AES_128_GCM_SHA256)

	require.Panics(t, func() { s.ClientHandshakeTrafficSecret(nil) }, "should not allow deriving handshake secrets before StartEarly/StartHandshake")

	s.StartEarly(nil)
	require.NotPanics(t, func() { s.ClientEarlyTrafficSecret(nil) })
	require.Panics(t, func() { s.ClientApplicationTrafficSecret0(nil) })

	s.StartHandshake(make([]byte, 32))
	require.NotPanics(t, func() { s.ClientHandshakeTrafficSecret(nil) })
	require.NotPanics(t, func() { s.ServerHandshakeTrafficSecret(nil) })

	s.StartMaster()
	require.NotPanics(t, func() { s.ClientApplicationTrafficSecret0(nil) })
	require.NotPanics(t, func() { s.ExporterMasterSecret(nil) })
	require.NotPanics(t, func() { s.ResumptionMasterSecret(nil) })
}

func TestScheduleNilPSKMatchesExplicitZeroPSK(t *testing.T) {
	th := []byte("transcript-hash-placeholder-32b")

	withoutPSK := New(suite.TLS13_AES_128_GCM_SHA256)
	withoutPSK.StartEarly(nil)
	withoutPSK.StartHandshake(make([]byte, 32))
	a := withoutPSK.ClientHandshakeTrafficSecret(th)

	withPSK := New(suite.TLS13_AES_128_GCM_SHA256)
	withPSK.StartEarly(make([]byte, 32))
	withPSK.StartHandshake(make([]byte, 32))
	b := withPSK.ClientHandshakeTrafficSecret(th)

	// Both derive from an all-zero PSK input in this test, but through
	// a different extract call shape (explicit vs the schedule's
	// internal zeroPSK fallback) and must still agree exactly, since
	// RFC 8446 treats "no PSK" as PSK = 0^Hash.length.
	require.Equal(t, a, b)
}

func TestDeriveTrafficKeysSizedPerSuite(t *testing.T) {
	s := New(suite.TLS13_AES_256_GCM_SHA384)
	s.StartEarly(nil)
	s.StartHandshake(make([]byte, 48))

	secret := s.ClientHandshakeTrafficSecret([]byte("th"))
	keys := s.DeriveTrafficKeys(secret)

	require.Len(t, keys.Key, suite.TLS13_AES_256_GCM_SHA384.KeyLen)
	require.Len(t, keys.IV, suite.TLS13_AES_256_GCM_SHA384.IVLen)
}

func TestNextGenerationRatchetsForward(t *testing.T) {
	s := New(suite.TLS13_AES_128_GCM_SHA256)
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i * 7)
	}

	next := s.NextGeneration(secret)
	require.Len(t, next, 32)
	require.NotEqual(t, secret, next)

	nextAgain := s.NextGeneration(secret)
	require.Equal(t, next, nextAgain, "ratchet must be a pure function of the current secret")
}

func TestResumptionPSKVariesByNonce(t *testing.T) {
	rms := make([]byte, 32)
	a := ResumptionPSK(crypto.SHA256, rms, []byte{0x01})
	b := ResumptionPSK(crypto.SHA256, rms, []byte{0x02})
	require.NotEqual(t, a, b)
}

func TestFinishedKeyDeterministic(t *testing.T) {
	secret := make([]byte, 32)
	a := FinishedKey(crypto.SHA256, secret)
	b := FinishedKey(crypto.SHA256, secret)
	require.Equal(t, a, b)
	require.Len(t, a, 32)
}

func TestExportDiffersByLabelAndContext(t *testing.T) {
	ems := make([]byte, 32)
	for i := range ems {
		ems[i] = byte(i)
	}

	a := Export(crypto.SHA256, ems, "EXPORTER-test", []byte("ctx-a"), 32)
	b := Export(crypto.SHA256, ems, "EXPORTER-test", []byte("ctx-b"), 32)
	c := Export(crypto.SHA256, ems, "EXPORTER-other", []byte("ctx-a"), 32)

	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}
