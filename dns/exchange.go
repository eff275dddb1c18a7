package dns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/mjl-/adns"

	"github.com/mjl-/mailverify/mlog"
)

// ExchangeResolver sends queries directly to a single name server, instead of
// the servers from the system configuration. Answers are returned in the
// order the server sent them, records are not sorted.
type ExchangeResolver struct {
	Server  string        // Address with port, e.g. "127.0.0.1:53".
	Net     string        // "udp" (default) or "tcp".
	Timeout time.Duration // Per exchange. Default 10s.
	Pkg     string
	Log     *slog.Logger
}

var _ Resolver = ExchangeResolver{}

func (r ExchangeResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

func (r ExchangeResolver) dnsError(name string, err error) *adns.DNSError {
	var netErr net.Error
	isTimeout := errors.As(err, &netErr) && netErr.Timeout()
	var unwrap error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		unwrap = err
	}
	return &adns.DNSError{
		Underlying:  unwrap,
		Err:         err.Error(),
		Name:        name,
		Server:      r.Server,
		IsTimeout:   isTimeout,
		IsTemporary: true,
	}
}

func (r ExchangeResolver) notFound(name string) *adns.DNSError {
	return &adns.DNSError{
		Err:        "no such host",
		Name:       name,
		Server:     r.Server,
		IsNotFound: true,
	}
}

// exchange sends a query and returns the answer section. Truncated UDP
// responses are retried over TCP.
func (r ExchangeResolver) exchange(ctx context.Context, name string, qtype uint16) ([]mdns.RR, adns.Result, error) {
	var result adns.Result
	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}

	m := new(mdns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true
	m.SetEdns0(1232, false)
	m.AuthenticatedData = true

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	network := r.Net
	if network == "" {
		network = "udp"
	}
	c := &mdns.Client{Net: network, Timeout: timeout}
	in, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err == nil && in.Truncated && network != "tcp" {
		c.Net = "tcp"
		in, _, err = c.ExchangeContext(ctx, m, r.Server)
	}
	if err != nil {
		return nil, result, r.dnsError(name, err)
	}
	result.Authentic = in.AuthenticatedData

	switch in.Rcode {
	case mdns.RcodeSuccess:
	case mdns.RcodeNameError:
		return nil, result, r.notFound(name)
	default:
		return nil, result, &adns.DNSError{
			Err:         "server responded with " + mdns.RcodeToString[in.Rcode],
			Name:        name,
			Server:      r.Server,
			IsTemporary: in.Rcode == mdns.RcodeServerFailure,
		}
	}
	return in.Answer, result, nil
}

// LookupMX returns the MX records for name in the order of the answer
// section.
func (r ExchangeResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "mx", err, start)
		r.log().WithContext(ctx).Debugx("dns exchange result", err,
			slog.String("type", "mx"),
			slog.String("name", name),
			slog.String("server", r.Server),
			slog.Any("resp", mxHosts(resp)),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	var answer []mdns.RR
	answer, result, err = r.exchange(ctx, name, mdns.TypeMX)
	if err != nil {
		return nil, result, err
	}
	for _, rr := range answer {
		if mx, ok := rr.(*mdns.MX); ok {
			resp = append(resp, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	if len(resp) == 0 {
		return nil, result, r.notFound(name)
	}
	return resp, result, nil
}

// LookupHost returns the IPv4 and IPv6 addresses for host.
func (r ExchangeResolver) LookupHost(ctx context.Context, host string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "host", err, start)
		r.log().WithContext(ctx).Debugx("dns exchange result", err,
			slog.String("type", "host"),
			slog.String("host", host),
			slog.String("server", r.Server),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	authentic := true
	var lastErr error
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		answer, xresult, xerr := r.exchange(ctx, host, qtype)
		if xerr != nil {
			if !IsNotFound(xerr) {
				lastErr = xerr
			}
			continue
		}
		authentic = authentic && xresult.Authentic
		for _, rr := range answer {
			switch a := rr.(type) {
			case *mdns.A:
				resp = append(resp, a.A.String())
			case *mdns.AAAA:
				resp = append(resp, a.AAAA.String())
			}
		}
	}
	result.Authentic = authentic && len(resp) > 0
	if len(resp) > 0 {
		return resp, result, nil
	}
	if lastErr != nil {
		return nil, result, lastErr
	}
	return nil, result, r.notFound(host)
}
