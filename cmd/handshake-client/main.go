// Command handshake-client dials a TLS 1.3 handshake (TLS 1.2 only when
// --min-tls12 caps the offered version; a server answering a TLS 1.3
// offer with TLS 1.2 fails the handshake, there is no version
// fallback) against a target and reports the negotiated connection
// state, the way a teacher's thin cmd/server entrypoint wires config,
// a logger, and its service dependencies before starting up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/coldwire/tls13/config"
	"github.com/coldwire/tls13/internal/logging"
	"github.com/coldwire/tls13/keylog"
	"github.com/coldwire/tls13/session"
	"github.com/coldwire/tls13/suite"
	"github.com/coldwire/tls13/tlsclient"
	"github.com/coldwire/tls13/verify"
)

const readTimeout = 10 * time.Second

func main() {
	flags := pflag.NewFlagSet("handshake-client", pflag.ExitOnError)
	flags.String("target", "", "host:port to connect to")
	flags.String("server-name", "", "ignored: SNI and certificate verification always use the target host")
	flags.StringSlice("alpn", nil, "ALPN protocols to offer, in preference order")
	flags.Bool("insecure", false, "skip server certificate verification (testing only)")
	flags.Bool("min-tls12", false, "cap the offered maximum version at TLS 1.2")
	flags.String("key-log-file", "", "write NSS key log lines to this path")
	flags.String("target-list-url", "", "fetch newline-separated targets from this URL and dial each in turn")
	flags.String("client-cert-file", "", "client certificate PEM file for mutual TLS")
	flags.String("client-key-file", "", "client private key PEM file for mutual TLS")
	flags.Bool("client-key-encrypted", false, "prompt for a passphrase to decrypt client-key-file")
	flags.String("session-backend", "memory", "ticket session store: memory or redis")
	flags.String("redis-addr", "127.0.0.1:6379", "redis address when session-backend=redis")
	flags.Bool("watch", false, "repeat the handshake on a cron schedule until interrupted")
	flags.String("watch-interval", "@every 30s", "cron schedule used when --watch is set")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "handshake-client:", err)
		os.Exit(1)
	}

	logOpts := logging.InitOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: logging.OutputOptions{ToStdout: true},
	}
	if err := logging.Init(logOpts); err != nil {
		fmt.Fprintln(os.Stderr, "handshake-client: init logger:", err)
		os.Exit(1)
	}
	log := logging.L().Named("handshake-client")

	clientCfg, err := buildClientConfig(cfg)
	if err != nil {
		log.Fatal("build client config", zap.Error(err))
	}

	targets := []string{cfg.Target}
	if cfg.TargetListURL != "" {
		fetched, err := fetchTargetList(cfg.TargetListURL)
		if err != nil {
			log.Fatal("fetch target list", zap.Error(err))
		}
		targets = fetched
	}

	runOnce := func() {
		for _, target := range targets {
			runID := uuid.NewString()
			runLog := log.With(zap.String("run_id", runID), zap.String("target", target))
			if err := dialOnce(clientCfg, target, runLog); err != nil {
				runLog.Error("handshake failed", zap.Error(err))
			}
		}
	}

	if !cfg.Watch {
		runOnce()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.WatchInterval, runOnce); err != nil {
		log.Fatal("schedule watch", zap.Error(err))
	}
	c.Start()
	log.Info("watching on schedule", zap.String("cron", cfg.WatchInterval))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	<-c.Stop().Done()
}

func dialOnce(cfg *config.ClientConfig, target string, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	conn, err := tlsclient.NewDialer(cfg).DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	log.Info("handshake complete",
		zap.Stringer("version", versionString(state.Version)),
		zap.Stringer("cipher_suite", state.CipherSuite),
		zap.String("alpn", state.ALPNProtocol),
		zap.Stringer("early_data", state.EarlyData),
		zap.Bool("resumed_psk", state.ResumedPSK),
	)
	return nil
}

type versionString suite.Version

func (v versionString) String() string {
	switch suite.Version(v) {
	case suite.VersionTLS13:
		return "TLS 1.3"
	case suite.VersionTLS12:
		return "TLS 1.2"
	default:
		return fmt.Sprintf("0x%04x", uint16(v))
	}
}

func buildClientConfig(cfg *cliConfig) (*config.ClientConfig, error) {
	maxVersion := suite.VersionTLS13
	if cfg.MinTLS12 {
		maxVersion = suite.VersionTLS12
	}

	b := config.NewBuilder().
		WithSafeDefaultCipherSuites().
		WithSafeDefaultKxGroups().
		WithVersions(suite.VersionTLS12, maxVersion)

	withVerifier := func() (config.WantsFinal, error) {
		if cfg.Insecure {
			return b.WithDangerousNoVerification(), nil
		}
		roots, err := verify.SystemRoots()
		if err != nil {
			return config.WantsFinal{}, fmt.Errorf("load system roots: %w", err)
		}
		return b.WithWebPKIVerifier(roots), nil
	}

	final, err := withVerifier()
	if err != nil {
		return nil, err
	}

	if len(cfg.ALPN) > 0 {
		final = final.WithALPN(cfg.ALPN...)
	}

	store, err := buildSessionStore(cfg)
	if err != nil {
		return nil, err
	}
	if store != nil {
		final = final.WithSessionStore(store)
	}

	if cfg.KeyLogFile != "" {
		final = final.WithKeyLog(keylog.NewFileWriter(cfg.KeyLogFile, 10, 3))
	}

	auth, err := loadClientAuth(cfg.ClientCertFile, cfg.ClientKeyFile, cfg.ClientKeyEncrypted)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		final = final.WithClientAuth(auth)
	}

	return final.Build()
}

func buildSessionStore(cfg *cliConfig) (session.Storage, error) {
	switch cfg.SessionBackend {
	case "", "memory":
		return session.NewMemoryStore()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return session.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}
