package suite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTLS13Order(t *testing.T) {
	suites := DefaultTLS13()
	require.Equal(t, []*Suite{
		TLS13_AES_128_GCM_SHA256,
		TLS13_AES_256_GCM_SHA384,
		TLS13_CHACHA20_POLY1305_SHA256,
	}, suites)
	for _, s := range suites {
		require.True(t, s.IsTLS13())
	}
}

func TestDefaultTLS12OnlyForwardSecretAEAD(t *testing.T) {
	suites := DefaultTLS12()
	require.Len(t, suites, 6)
	for _, s := range suites {
		require.False(t, s.IsTLS13())
		require.Equal(t, VersionTLS12, s.Version)
	}
}

func TestSuiteExplicitNonceTLS12(t *testing.T) {
	require.True(t, TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256.ExplicitNonceTLS12())
	require.False(t, TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256.ExplicitNonceTLS12())
	require.False(t, TLS13_AES_128_GCM_SHA256.ExplicitNonceTLS12())
}

func TestCanResumeFrom(t *testing.T) {
	require.True(t, CanResumeFrom(TLS13_AES_128_GCM_SHA256, TLS13_AES_128_GCM_SHA256))
	require.False(t, CanResumeFrom(TLS13_AES_128_GCM_SHA256, TLS13_AES_256_GCM_SHA384))
	require.False(t, CanResumeFrom(TLS13_AES_128_GCM_SHA256, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256))
	require.False(t, CanResumeFrom(nil, TLS13_AES_128_GCM_SHA256))
	require.False(t, CanResumeFrom(TLS13_AES_128_GCM_SHA256, nil))
}

func TestByID(t *testing.T) {
	s, ok := ByID(DefaultTLS13(), 0x1302)
	require.True(t, ok)
	require.Same(t, TLS13_AES_256_GCM_SHA384, s)

	_, ok = ByID(DefaultTLS13(), 0xffff)
	require.False(t, ok)
}

func TestSuiteString(t *testing.T) {
	require.Equal(t, "TLS_AES_128_GCM_SHA256(0x1301)", TLS13_AES_128_GCM_SHA256.String())

	var nilSuite *Suite
	require.Equal(t, "<nil>", nilSuite.String())
}

func TestAEADFactoriesProduceWorkingCiphers(t *testing.T) {
	for _, s := range append(DefaultTLS13(), DefaultTLS12()...) {
		key := make([]byte, s.KeyLen)
		aead, err := s.AEAD(key)
		require.NoError(t, err, s.Name)
		// TLS 1.2 GCM suites carry a 4-byte implicit salt; the other 8
		// nonce bytes are the explicit per-record nonce.
		wantNonce := s.IVLen
		if s.ExplicitNonceTLS12() {
			wantNonce += 8
		}
		require.Equal(t, wantNonce, aead.NonceSize(), s.Name)
	}
}
