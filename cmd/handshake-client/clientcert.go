package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/coldwire/tls13/config"
)

// loadClientAuth reads a PEM certificate and private key. When
// encrypted is true it prompts on the controlling terminal for a
// passphrase and decrypts the key block (RFC 1423); otherwise the key
// is used as read.
func loadClientAuth(certFile, keyFile string, encrypted bool) (*config.ClientAuthConfig, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}

	if encrypted {
		keyPEM, err = decryptPEMKey(keyPEM)
		if err != nil {
			return nil, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client key pair: %w", err)
	}
	return &config.ClientAuthConfig{Certificates: []tls.Certificate{cert}}, nil
}

func decryptPEMKey(keyPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("decode client key: no PEM block found")
	}

	fmt.Fprint(os.Stderr, "client key passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}

	der, err := x509.DecryptPEMBlock(block, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt client key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
