package config

import (
	"fmt"

	"github.com/coldwire/tls13/group"
	"github.com/coldwire/tls13/keylog"
	"github.com/coldwire/tls13/session"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/verify"
)

// NewBuilder starts a config assembly chain at the cipher-suite phase.
func NewBuilder() WantsCipherSuites {
	return WantsCipherSuites{}
}

// WantsCipherSuites is the builder's first phase: choose suites, or
// accept the safe defaults for both protocol versions.
type WantsCipherSuites struct{}

func (WantsCipherSuites) WithCipherSuites(tls13, tls12 []*suite.Suite) WantsKxGroups {
	return WantsKxGroups{tls13Suites: tls13, tls12Suites: tls12}
}

func (w WantsCipherSuites) WithSafeDefaultCipherSuites() WantsKxGroups {
	return w.WithCipherSuites(suite.DefaultTLS13(), suite.DefaultTLS12())
}

// WantsKxGroups is the second phase: choose key-exchange groups.
type WantsKxGroups struct {
	tls13Suites []*suite.Suite
	tls12Suites []*suite.Suite
}

func (w WantsKxGroups) WithKxGroups(groups []group.ID) WantsVersions {
	return WantsVersions{
		tls13Suites: w.tls13Suites,
		tls12Suites: w.tls12Suites,
		kxGroups:    groups,
	}
}

func (w WantsKxGroups) WithSafeDefaultKxGroups() WantsVersions {
	return w.WithKxGroups(group.Default())
}

// WantsVersions is the third phase: choose the protocol version range.
type WantsVersions struct {
	tls13Suites []*suite.Suite
	tls12Suites []*suite.Suite
	kxGroups    []group.ID
}

func (w WantsVersions) WithVersions(min, max suite.Version) WantsVerifier {
	return WantsVerifier{
		tls13Suites: w.tls13Suites,
		tls12Suites: w.tls12Suites,
		kxGroups:    w.kxGroups,
		minVersion:  min,
		maxVersion:  max,
	}
}

func (w WantsVersions) WithSafeDefaultVersions() WantsVerifier {
	return w.WithVersions(suite.VersionTLS12, suite.VersionTLS13)
}

// WantsVerifier is the fourth phase: choose how the server's identity
// is authenticated.
type WantsVerifier struct {
	tls13Suites []*suite.Suite
	tls12Suites []*suite.Suite
	kxGroups    []group.ID
	minVersion  suite.Version
	maxVersion  suite.Version
}

func (w WantsVerifier) WithServerVerifier(v verify.ServerVerifier) WantsFinal {
	return WantsFinal{
		cfg: ClientConfig{
			CipherSuitesTLS13: w.tls13Suites,
			CipherSuitesTLS12: w.tls12Suites,
			KxGroups:          w.kxGroups,
			MinVersion:        w.minVersion,
			MaxVersion:        w.maxVersion,
			Verifier:          v,
			EnableSNI:         true,
		},
	}
}

func (w WantsVerifier) WithWebPKIVerifier(roots verify.RootStore) WantsFinal {
	return w.WithServerVerifier(verify.NewWebPKIVerifier(roots))
}

func (w WantsVerifier) WithDangerousNoVerification() WantsFinal {
	return w.WithServerVerifier(verify.NewAcceptAnyVerifier())
}

// WantsFinal is the last phase: everything required is set, and the
// remaining options have safe defaults so Build can be called directly.
type WantsFinal struct {
	cfg ClientConfig
}

func (w WantsFinal) WithALPN(protocols ...string) WantsFinal {
	w.cfg.ALPN = protocols
	return w
}

func (w WantsFinal) WithSessionStore(store session.Storage) WantsFinal {
	w.cfg.SessionStore = store
	w.cfg.EnableTicketResumption = store != nil
	return w
}

func (w WantsFinal) WithEarlyData(maxLength uint32) WantsFinal {
	w.cfg.EnableEarlyData = true
	w.cfg.MaxEarlyDataLength = maxLength
	return w
}

func (w WantsFinal) WithClientAuth(auth *ClientAuthConfig) WantsFinal {
	w.cfg.ClientAuth = auth
	return w
}

func (w WantsFinal) WithKeyLog(kl keylog.Writer) WantsFinal {
	w.cfg.KeyLog = kl
	return w
}

func (w WantsFinal) WithoutSNI() WantsFinal {
	w.cfg.EnableSNI = false
	return w
}

// Build validates and returns the assembled, immutable ClientConfig.
func (w WantsFinal) Build() (*ClientConfig, error) {
	cfg := w.cfg
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
