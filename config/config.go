// Package config builds immutable ClientConfig values describing what
// a handshake is willing to negotiate: cipher suites, key-exchange
// groups, protocol versions, server verification, session storage, and
// optional client authentication.
//
// Config assembly follows a phased, typestate-style builder: each
// phase's method returns the type for the next phase, so choices must
// be made in a fixed order and an incomplete config cannot be built.
package config

import (
	"crypto/tls"
	"fmt"

	"github.com/coldwire/tls13/group"
	"github.com/coldwire/tls13/keylog"
	"github.com/coldwire/tls13/session"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/verify"
)

// ClientConfig is the immutable result of a completed builder chain.
// A handshake reads it but never mutates it.
type ClientConfig struct {
	CipherSuitesTLS13 []*suite.Suite
	CipherSuitesTLS12 []*suite.Suite
	KxGroups          []group.ID
	MinVersion        suite.Version
	MaxVersion        suite.Version

	Verifier verify.ServerVerifier
	ALPN     []string

	SessionStore session.Storage
	EnableTicketResumption bool
	EnableEarlyData        bool
	MaxEarlyDataLength     uint32

	ClientAuth *ClientAuthConfig

	KeyLog keylog.Writer

	// EnableSNI controls whether the server_name extension is sent;
	// disabling it is only useful against servers that reject an SNI
	// they cannot match.
	EnableSNI bool
}

// ClientAuthConfig supplies a certificate chain and signer the client
// presents when a server sends a CertificateRequest.
type ClientAuthConfig struct {
	Certificates []tls.Certificate
}

// SupportsVersion reports whether v is within [MinVersion, MaxVersion].
func (c *ClientConfig) SupportsVersion(v suite.Version) bool {
	return v >= c.MinVersion && v <= c.MaxVersion
}

// AllSuites returns the TLS 1.3 then TLS 1.2 suites in offer order.
func (c *ClientConfig) AllSuites() []*suite.Suite {
	out := make([]*suite.Suite, 0, len(c.CipherSuitesTLS13)+len(c.CipherSuitesTLS12))
	out = append(out, c.CipherSuitesTLS13...)
	out = append(out, c.CipherSuitesTLS12...)
	return out
}

func (c *ClientConfig) validate() error {
	if len(c.CipherSuitesTLS13) == 0 && len(c.CipherSuitesTLS12) == 0 {
		return fmt.Errorf("config: no cipher suites configured")
	}
	if len(c.KxGroups) == 0 {
		return fmt.Errorf("config: no key exchange groups configured")
	}
	if c.MinVersion > c.MaxVersion {
		return fmt.Errorf("config: min version 0x%04x exceeds max version 0x%04x", c.MinVersion, c.MaxVersion)
	}
	if c.MaxVersion >= suite.VersionTLS13 && len(c.CipherSuitesTLS13) == 0 {
		return fmt.Errorf("config: TLS 1.3 enabled but no TLS 1.3 cipher suites configured")
	}
	if c.MinVersion <= suite.VersionTLS12 && len(c.CipherSuitesTLS12) == 0 && c.MinVersion < suite.VersionTLS13 {
		return fmt.Errorf("config: TLS 1.2 enabled but no TLS 1.2 cipher suites configured")
	}
	if c.Verifier == nil {
		return fmt.Errorf("config: no server verifier configured")
	}
	if c.EnableEarlyData && !c.EnableTicketResumption {
		return fmt.Errorf("config: early data requires ticket resumption to be enabled")
	}
	return nil
}
