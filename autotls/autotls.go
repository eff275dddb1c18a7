// Package autotls requests TLS certificates for the HTTPS API with ACME,
// typically from Let's Encrypt.
package autotls

// Only tls-alpn-01 and http-01 challenges are answered, the API must be
// reachable on port 443 (or 80) under its hostname.

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/acme"

	"github.com/mjl-/autocert"

	"github.com/mjl-/mailverify/buildinfo"
	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/mlog"
)

var metricCertput = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mailverify_autotls_certput_total",
		Help: "Number of certificate store puts.",
	},
)

// Manager requests and caches a certificate for a single hostname.
type Manager struct {
	Manager   *autocert.Manager
	TLSConfig *tls.Config // For the HTTPS listener, includes the ACME tls-alpn-01 protocol.

	hostname dns.Domain
	log      mlog.Log
	shutdown <-chan struct{}
}

// Load returns a manager for hostname. The ACME account key and certificates
// are stored in acmeDir, which is created if needed. An empty directoryURL
// selects Let's Encrypt. After shutdown is closed, no new certificates are
// requested.
func Load(elog *slog.Logger, hostname dns.Domain, acmeDir, contactEmail, directoryURL string, shutdown <-chan struct{}) (*Manager, error) {
	log := mlog.New("autotls", elog)
	if hostname.IsZero() {
		return nil, errors.New("empty hostname")
	}
	if directoryURL == "" {
		directoryURL = acme.LetsEncryptURL
	}
	if err := os.MkdirAll(acmeDir, 0770); err != nil {
		return nil, fmt.Errorf("creating acme directory: %v", err)
	}

	key, err := loadAccountKey(log, filepath.Join(acmeDir, "account.key"))
	if err != nil {
		return nil, err
	}

	a := &Manager{
		hostname: hostname,
		log:      log,
		shutdown: shutdown,
	}
	m := &autocert.Manager{
		Cache:      dirCache{log, filepath.Join(acmeDir, "keycerts")},
		Prompt:     autocert.AcceptTOS,
		Email:      contactEmail,
		HostPolicy: a.HostPolicy,
		Client: &acme.Client{
			DirectoryURL: directoryURL,
			Key:          key,
			UserAgent:    "mailverify/" + buildinfo.Version,
		},
	}
	a.Manager = m

	tlsConfig := m.TLSConfig()
	tlsConfig.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		log := log.WithContext(hello.Context())
		// Clients without SNI get the certificate for the only allowed name.
		if hello.ServerName == "" {
			hello.ServerName = hostname.ASCII
		}
		cert, err := m.GetCertificate(hello)
		if err != nil {
			if errors.Is(err, errHostNotAllowed) {
				log.Debugx("requesting certificate", err, slog.String("host", hello.ServerName))
			} else {
				log.Errorx("requesting certificate", err, slog.String("host", hello.ServerName))
			}
		}
		return cert, err
	}
	a.TLSConfig = tlsConfig
	return a, nil
}

// loadAccountKey reads the ACME account key at p, generating and storing a new
// ECDSA key if the file does not exist.
func loadAccountKey(log mlog.Log, p string) (crypto.Signer, error) {
	buf, err := os.ReadFile(p)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ecdsa account key: %v", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("marshal account key: %v", err)
		}
		block := &pem.Block{
			Type:    "PRIVATE KEY",
			Headers: map[string]string{"Note": "PEM PKCS8 ECDSA private key generated for ACME account by mailverify"},
			Bytes:   der,
		}
		var b bytes.Buffer
		if err := pem.Encode(&b, block); err != nil {
			return nil, fmt.Errorf("pem encode: %v", err)
		} else if err := os.WriteFile(p, b.Bytes(), 0660); err != nil {
			return nil, fmt.Errorf("writing account key: %v", err)
		}
		log.Info("generated new acme account key", slog.String("path", p))
		return key, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading account key: %v", err)
	}

	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("no pem data in %s", p)
	} else if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("got PEM block %q, expected \"PRIVATE KEY\"", block.Type)
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 private key: %v", err)
	}
	switch k := privKey.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", privKey)
}

var errHostNotAllowed = errors.New("autotls: host not allowed")

// HostPolicy only allows the configured hostname. During shutdown, nothing is
// allowed.
func (m *Manager) HostPolicy(ctx context.Context, host string) (rerr error) {
	log := m.log.WithContext(ctx)
	defer func() {
		log.Debugx("autotls hostpolicy result", rerr, slog.String("host", host))
	}()

	select {
	case <-m.shutdown:
		return fmt.Errorf("shutting down")
	default:
	}

	// For http-01, host may include a port number.
	if xhost, _, err := net.SplitHostPort(host); err == nil {
		host = xhost
	}
	d, err := dns.ParseDomain(host)
	if err != nil {
		return fmt.Errorf("invalid host: %v", err)
	}
	if d != m.hostname {
		return fmt.Errorf("%w: %q", errHostNotAllowed, d)
	}
	return nil
}

// dirCache is an autocert.DirCache with logging.
type dirCache struct {
	log mlog.Log
	dir string
}

func (d dirCache) Delete(ctx context.Context, name string) (rerr error) {
	log := d.log.WithContext(ctx)
	err := autocert.DirCache(d.dir).Delete(ctx, name)
	if err != nil {
		log.Errorx("deleting cert from dir cache", err, slog.String("name", name))
	} else if !strings.HasSuffix(name, "+token") {
		log.Info("autotls cert delete", slog.String("name", name))
	}
	return err
}

func (d dirCache) Get(ctx context.Context, name string) (rbuf []byte, rerr error) {
	log := d.log.WithContext(ctx)
	buf, err := autocert.DirCache(d.dir).Get(ctx, name)
	if err != nil && errors.Is(err, autocert.ErrCacheMiss) {
		log.Infox("getting cert from dir cache", err, slog.String("name", name))
	} else if err != nil {
		log.Errorx("getting cert from dir cache", err, slog.String("name", name))
	} else if !strings.HasSuffix(name, "+token") {
		log.Debug("autotls cert get", slog.String("name", name))
	}
	return buf, err
}

func (d dirCache) Put(ctx context.Context, name string, data []byte) (rerr error) {
	log := d.log.WithContext(ctx)
	metricCertput.Inc()
	err := autocert.DirCache(d.dir).Put(ctx, name, data)
	if err != nil {
		log.Errorx("storing cert in dir cache", err, slog.String("name", name))
	} else if !strings.HasSuffix(name, "+token") {
		log.Info("autotls cert store", slog.String("name", name))
	}
	return err
}
