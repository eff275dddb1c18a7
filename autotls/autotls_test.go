package autotls

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjl-/autocert"

	"github.com/mjl-/mailverify/dns"
)

func TestAutotls(t *testing.T) {
	dir := t.TempDir()
	shutdown := make(chan struct{})

	host := dns.Domain{ASCII: "verify.example"}
	m, err := Load(nil, host, dir, "admin@example.com", "https://localhost/", shutdown)
	if err != nil {
		t.Fatalf("load manager: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "account.key")); err != nil {
		t.Fatalf("account key not stored: %v", err)
	}
	if len(m.TLSConfig.NextProtos) == 0 {
		t.Fatalf("tls config without acme alpn protocol")
	}

	ctx := context.Background()
	if err := m.HostPolicy(ctx, "verify.example"); err != nil {
		t.Fatalf("hostpolicy, got err %v, expected no error", err)
	}
	if err := m.HostPolicy(ctx, "VERIFY.example:80"); err != nil {
		t.Fatalf("hostpolicy with port, got err %v, expected no error", err)
	}
	if err := m.HostPolicy(ctx, "other.example"); err == nil || !errors.Is(err, errHostNotAllowed) {
		t.Fatalf("hostpolicy, got err %v, expected errHostNotAllowed", err)
	}

	cache := m.Manager.Cache
	if _, err := cache.Get(ctx, "verify.example"); err == nil || !errors.Is(err, autocert.ErrCacheMiss) {
		t.Fatalf("cache get for absent entry: got err %v, expected autocert.ErrCacheMiss", err)
	}
	if err := cache.Put(ctx, "verify.example", []byte("test")); err != nil {
		t.Fatalf("cache put: %v", err)
	}
	if data, err := cache.Get(ctx, "verify.example"); err != nil || string(data) != "test" {
		t.Fatalf("cache get: got err %v data %q, expected nil, 'test'", err, data)
	}
	if err := cache.Delete(ctx, "verify.example"); err != nil {
		t.Fatalf("cache delete: %v", err)
	}
	if _, err := cache.Get(ctx, "verify.example"); err == nil || !errors.Is(err, autocert.ErrCacheMiss) {
		t.Fatalf("cache get after delete: got err %v, expected autocert.ErrCacheMiss", err)
	}

	close(shutdown)
	if err := m.HostPolicy(ctx, "verify.example"); err == nil {
		t.Fatalf("hostpolicy, got no error, expected error due to shutdown")
	}

	// Account key is reused.
	m2, err := Load(nil, host, dir, "admin@example.com", "", make(chan struct{}))
	if err != nil {
		t.Fatalf("load manager again: %v", err)
	}
	k1 := m.Manager.Client.Key.(*ecdsa.PrivateKey)
	k2 := m2.Manager.Client.Key.(*ecdsa.PrivateKey)
	if !k1.Equal(k2) {
		t.Fatalf("account key not reused")
	}

	if _, err := Load(nil, dns.Domain{}, dir, "", "", nil); err == nil {
		t.Fatalf("load without hostname, expected error")
	}
}
