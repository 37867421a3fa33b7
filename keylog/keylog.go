// Package keylog writes the NSS Key Log Format lines that let tools
// like Wireshark decrypt a captured handshake, gated behind an explicit
// opt-in since every line is key material.
package keylog

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Label identifies which secret a key log line carries, matching the
// labels defined by the NSS Key Log Format.
type Label string

const (
	ClientEarlyTrafficSecret    Label = "CLIENT_EARLY_TRAFFIC_SECRET"
	ClientHandshakeTrafficSecret Label = "CLIENT_HANDSHAKE_TRAFFIC_SECRET"
	ServerHandshakeTrafficSecret Label = "SERVER_HANDSHAKE_TRAFFIC_SECRET"
	ClientTrafficSecret0        Label = "CLIENT_TRAFFIC_SECRET_0"
	ServerTrafficSecret0        Label = "SERVER_TRAFFIC_SECRET_0"
	ExporterSecret              Label = "EXPORTER_SECRET"
)

// Writer accepts one key log line per secret derivation.
type Writer interface {
	WriteKey(label Label, clientRandom, secret []byte) error
}

// NopWriter discards every line. A ClientConfig that does not opt into
// key logging leaves its KeyLog nil, which the handshake skips, with the
// same effect.
type NopWriter struct{}

func (NopWriter) WriteKey(Label, []byte, []byte) error { return nil }

// FileWriter appends NSS-format lines to a rotated log file via
// lumberjack.
type FileWriter struct {
	mu  sync.Mutex
	out io.Writer
	lj  *lumberjack.Logger
}

// NewFileWriter opens (creating if needed) a key log file at path with
// the given rotation limits.
func NewFileWriter(path string, maxSizeMB, maxBackups int) *FileWriter {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   false, // Wireshark expects to tail the live file uncompressed
	}
	return &FileWriter{out: lj, lj: lj}
}

func (f *FileWriter) WriteKey(label Label, clientRandom, secret []byte) error {
	line := fmt.Sprintf("%s %s %s\n", label, hex.EncodeToString(clientRandom), hex.EncodeToString(secret))
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.out.Write([]byte(line))
	return err
}

func (f *FileWriter) Close() error {
	return f.lj.Close()
}
