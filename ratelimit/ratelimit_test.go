package ratelimit

import (
	"net/netip"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	l := New(time.Minute, 2, 4, 6)

	now := time.Now()
	check := func(exp bool, ip string, tm time.Time, n int64) {
		t.Helper()
		addr := netip.MustParseAddr(ip)
		ok := l.CanAdd(addr, tm, n)
		if ok != exp {
			t.Fatalf("canadd %s, got %v, expected %v", ip, ok, exp)
		}
		ok = l.Add(addr, tm, n)
		if ok != exp {
			t.Fatalf("add %s, got %v, expected %v", ip, ok, exp)
		}
	}
	check(false, "10.0.0.1", now, 3) // Past limit.
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 2) // Now past limit.
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 1) // Now past limit.

	next := now.Add(time.Minute)
	check(true, "10.0.0.1", next, 2)  // Next minute, counts reset.
	check(true, "10.0.0.2", next, 2)  // Other IP.
	check(false, "10.0.0.3", next, 2) // Yet another IP, /26 consumed.
	check(true, "10.0.1.4", next, 2)  // Other /26, same /21.
	check(false, "10.0.2.4", next, 2) // /21 consumed.
	l.Reset(netip.MustParseAddr("10.0.1.4"), next)
	if !l.CanAdd(netip.MustParseAddr("10.0.1.4"), next, 2) {
		t.Fatalf("reset did not free up count for ip")
	}
	check(true, "10.0.2.4", next, 2) // /21 available again.

	// IPv4-mapped IPv6 addresses count as IPv4.
	check(false, "::ffff:10.0.2.4", next, 1)

	// IPv6 addresses in the same /64 are the same client.
	check(true, "2001:db8::1", next, 2)
	check(false, "2001:db8::2", next, 1)
	check(true, "2001:db8:0:1::1", next, 2)

	l = &Limiter{
		Windows: []Window{
			{Duration: time.Minute, Limits: [...]int64{1, 2, 3}},
			{Duration: time.Hour, Limits: [...]int64{2, 3, 4}},
		},
	}

	min1 := time.Now().Truncate(time.Hour)
	min2 := min1.Add(time.Minute)
	min3 := min1.Add(2 * time.Minute)
	check(true, "10.0.0.1", min1, 1)
	check(true, "10.0.0.1", min2, 1)
	check(false, "10.0.0.1", min3, 1)   // Hour limit for IP reached.
	check(true, "10.0.0.255", min3, 1)  // Other IP, /21 still ok.
	check(false, "10.0.0.255", min3, 1) // Minute limit.
	check(true, "10.0.1.1", min3, 1)    // Last of /21 for the hour.
	check(false, "10.0.1.255", min3, 1) // /21 full for the hour.
}
