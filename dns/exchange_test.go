package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/mjl-/adns"
)

// startServer starts a name server on a local UDP port, answering MX and A
// queries for example.com.
func startServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mx := func(name string, pref uint16, host string) mdns.RR {
		return &mdns.MX{
			Hdr:        mdns.RR_Header{Name: name, Rrtype: mdns.TypeMX, Class: mdns.ClassINET, Ttl: 300},
			Preference: pref,
			Mx:         host,
		}
	}

	handler := mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		switch {
		case q.Name == "example.com." && q.Qtype == mdns.TypeMX:
			// Deliberately not in preference order.
			m.Answer = append(m.Answer, mx(q.Name, 20, "mx2.example.com."), mx(q.Name, 10, "mx1.example.com."))
		case q.Name == "mx1.example.com." && q.Qtype == mdns.TypeA:
			m.Answer = append(m.Answer, &mdns.A{
				Hdr: mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 300},
				A:   net.ParseIP("10.0.0.1"),
			})
		case q.Name == "servfail.example.":
			m.Rcode = mdns.RcodeServerFailure
		case q.Name == "example.com.":
			// Name exists, no records of requested type.
		default:
			m.Rcode = mdns.RcodeNameError
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &mdns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started
	t.Cleanup(func() { server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestExchangeResolver(t *testing.T) {
	addr := startServer(t)
	r := ExchangeResolver{Server: addr, Timeout: 5 * time.Second}
	ctx := context.Background()

	mxs, _, err := r.LookupMX(ctx, "example.com.")
	if err != nil {
		t.Fatalf("lookup mx: %v", err)
	}
	if len(mxs) != 2 || mxs[0].Host != "mx2.example.com." || mxs[0].Pref != 20 || mxs[1].Host != "mx1.example.com." {
		t.Fatalf("got %v, expected answers in wire order", mxHosts(mxs))
	}

	_, _, err = r.LookupMX(ctx, "nxdomain.example.")
	if !IsNotFound(err) {
		t.Fatalf("got %v, expected not found", err)
	}

	_, _, err = r.LookupMX(ctx, "servfail.example.")
	var dnsErr *adns.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsTemporary || dnsErr.IsNotFound {
		t.Fatalf("got %v, expected temporary error", err)
	}

	_, _, err = r.LookupMX(ctx, "example.com")
	if !errors.Is(err, ErrRelativeDNSName) {
		t.Fatalf("got %v, expected ErrRelativeDNSName", err)
	}

	addrs, _, err := r.LookupHost(ctx, "mx1.example.com.")
	if err != nil || len(addrs) != 1 || addrs[0] != "10.0.0.1" {
		t.Fatalf("lookup host: %v %v", addrs, err)
	}
	if _, _, err := r.LookupHost(ctx, "mx3.example.com."); !IsNotFound(err) {
		t.Fatalf("got %v, expected not found", err)
	}
}
