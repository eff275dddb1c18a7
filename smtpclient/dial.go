package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/mlog"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

// DefaultDialTimeout is the connect timeout per IP address when the context
// has no deadline.
const DefaultDialTimeout = 30 * time.Second

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}

	// If this is a net.Dialer, use its settings and add the timeout.
	// This is the typical case, but SOCKS5 support can use a different dialer.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// SOCKS5Dialer returns a dialer that connects through the SOCKS5 proxy at
// address, e.g. "127.0.0.1:1080".
func SOCKS5Dialer(address string, forward *net.Dialer) (Dialer, error) {
	if forward == nil {
		forward = &net.Dialer{}
	}
	d, err := proxy.SOCKS5("tcp", address, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// Dial connects to port on host, typically an MX target. If host is a name,
// its IP addresses are resolved with resolver and tried in order until a
// connection succeeds. If resolver is nil, the name is passed to the dialer,
// e.g. for a SOCKS5 proxy that resolves remotely.
//
// Each IP is dialed with timeout, or DefaultDialTimeout if zero. When ctx has a
// deadline, the per-IP timeout is lowered to an equal share of the remaining
// time if that is shorter.
func Dial(ctx context.Context, elog *slog.Logger, dialer Dialer, resolver dns.Resolver, host string, port int, timeout time.Duration) (net.Conn, error) {
	log := mlog.New("smtpclient", elog).WithContext(ctx)
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	name := strings.TrimSuffix(host, ".")
	if name == "" {
		return nil, fmt.Errorf("empty host")
	}
	var addrs []string
	if ip := net.ParseIP(name); ip != nil || resolver == nil {
		addrs = []string{name}
	} else {
		ips, _, err := resolver.LookupHost(ctx, name+".")
		if err != nil {
			return nil, fmt.Errorf("looking up ip addresses for %s: %w", host, err)
		}
		addrs = ips
	}

	if deadline, ok := ctx.Deadline(); ok && len(addrs) > 0 {
		if d := time.Until(deadline) / time.Duration(len(addrs)); d < timeout {
			timeout = d
		}
	}

	var lastErr error
	for _, a := range addrs {
		addr := net.JoinHostPort(a, fmt.Sprintf("%d", port))
		log.Debug("dialing host", slog.String("host", host), slog.String("addr", addr))
		conn, err := dial(ctx, dialer, timeout, addr)
		if err == nil {
			log.Debug("connected to host", slog.String("host", host), slog.String("addr", addr))
			return conn, nil
		}
		log.Debugx("connection attempt", err, slog.String("host", host), slog.String("addr", addr))
		lastErr = err
	}
	return nil, lastErr
}
