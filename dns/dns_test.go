package dns

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/mjl-/adns"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	test("example.com", Domain{"example.com", ""}, nil)
	test("EXAMPLE.COM", Domain{"example.com", ""}, nil)
	test("TEST☺.EXAMPLE.COM", Domain{"xn--test-3o3b.example.com", "test☺.example.com"}, nil)
	test("example.com.", Domain{}, errTrailingDot)

	d, _ := ParseDomain("test☺.example.com")
	if d.String() != "test☺.example.com/xn--test-3o3b.example.com" {
		t.Fatalf("string %q", d.String())
	}
	if d.Absolute() != "xn--test-3o3b.example.com." {
		t.Fatalf("absolute %q", d.Absolute())
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&adns.DNSError{IsNotFound: true}) {
		t.Fatalf("not found error not recognized")
	}
	if IsNotFound(&adns.DNSError{IsTemporary: true}) {
		t.Fatalf("temporary error seen as not found")
	}
	if IsNotFound(nil) {
		t.Fatalf("nil error seen as not found")
	}
}

func TestStrictResolverRelative(t *testing.T) {
	_, _, err := StrictResolver{}.LookupMX(context.Background(), "example.com")
	if !errors.Is(err, ErrRelativeDNSName) {
		t.Fatalf("got %v, expected ErrRelativeDNSName", err)
	}
	_, _, err = StrictResolver{}.LookupHost(context.Background(), "mx.example.com")
	if !errors.Is(err, ErrRelativeDNSName) {
		t.Fatalf("got %v, expected ErrRelativeDNSName", err)
	}
}

func TestMockResolver(t *testing.T) {
	var requests []string
	r := MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mx2.example.com.", Pref: 20}, {Host: "mx1.example.com.", Pref: 10}},
		},
		A:        map[string][]string{"mx1.example.com.": {"10.0.0.1"}},
		Fail:     []string{"mx fail.example."},
		Requests: &requests,
	}
	ctx := context.Background()

	mxs, _, err := r.LookupMX(ctx, "example.com.")
	if err != nil || len(mxs) != 2 || mxs[0].Host != "mx2.example.com." {
		t.Fatalf("lookup mx: %v %v", mxs, err)
	}
	if _, _, err := r.LookupMX(ctx, "other.example."); !IsNotFound(err) {
		t.Fatalf("got %v, expected not found", err)
	}
	var dnsErr *adns.DNSError
	if _, _, err := r.LookupMX(ctx, "fail.example."); !errors.As(err, &dnsErr) || !dnsErr.IsTemporary {
		t.Fatalf("got %v, expected temporary error", err)
	}
	if addrs, _, err := r.LookupHost(ctx, "mx1.example.com."); err != nil || len(addrs) != 1 {
		t.Fatalf("lookup host: %v %v", addrs, err)
	}
	if len(requests) != 4 || requests[0] != "mx example.com." || requests[3] != "host mx1.example.com." {
		t.Fatalf("requests %v", requests)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := r.LookupMX(cctx, "example.com."); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, expected context canceled", err)
	}
}
