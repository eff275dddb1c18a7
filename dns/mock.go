package dns

import (
	"context"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
// MX records are returned in the order they are listed.
type MockResolver struct {
	A            map[string][]string
	AAAA         map[string][]string
	MX           map[string][]*net.MX
	Fail         []string // Records of the form "type name", e.g. "mx example.com." that will return a servfail.
	AllAuthentic bool     // Value for authentic in responses.

	// Calls to LookupMX/LookupHost, with names as requested, if not nil. Only for
	// use by a single goroutine.
	Requests *[]string
}

var _ Resolver = MockResolver{}

func (r MockResolver) nxdomain(s string) error {
	return &adns.DNSError{
		Err:        "no record",
		Name:       s,
		Server:     "mock",
		IsNotFound: true,
	}
}

func (r MockResolver) servfail(s string) error {
	return &adns.DNSError{
		Err:         "temp error",
		Name:        s,
		Server:      "mock",
		IsTemporary: true,
	}
}

func (r MockResolver) check(ctx context.Context, typ, name string) (adns.Result, error) {
	if r.Requests != nil {
		*r.Requests = append(*r.Requests, typ+" "+name)
	}
	result := adns.Result{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if slices.Contains(r.Fail, typ+" "+name) {
		return adns.Result{}, r.servfail(name)
	}
	return result, nil
}

func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	result, err := r.check(ctx, "mx", name)
	if err != nil {
		return nil, result, err
	}
	l, ok := r.MX[name]
	if !ok {
		return nil, result, r.nxdomain(name)
	}
	// Return copies, callers may modify.
	resp := make([]*net.MX, len(l))
	for i, mx := range l {
		nmx := *mx
		resp[i] = &nmx
	}
	return resp, result, nil
}

func (r MockResolver) LookupHost(ctx context.Context, host string) ([]string, adns.Result, error) {
	result, err := r.check(ctx, "host", host)
	if err != nil {
		return nil, result, err
	}
	var addrs []string
	addrs = append(addrs, r.A[host]...)
	addrs = append(addrs, r.AAAA[host]...)
	if len(addrs) == 0 {
		return nil, result, r.nxdomain(host)
	}
	return addrs, result, nil
}
