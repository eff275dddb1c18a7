// Package ratelimit limits requests per remote IP in fixed time windows.
//
// Counts are kept for the IP itself and for two wider subnets around it, so a
// single client cannot escape the limits by spreading requests over
// neighbouring addresses.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// Subnet prefix lengths for the three classes, for IPv4 and IPv6. An IPv6
// "single IP" is its /64.
var (
	prefixes4 = [3]int{32, 26, 21}
	prefixes6 = [3]int{64, 48, 32}
)

type key struct {
	class  uint8
	prefix netip.Prefix
}

// Window has limits for each of the three classes for a duration.
type Window struct {
	Duration time.Duration
	Limits   [3]int64 // For the IP, its smaller subnet and its larger subnet.

	period int64 // Start time divided by Duration of current counts.
	counts map[key]int64
}

// Limiter counts requests per IP class in one or more windows. It is safe
// for concurrent use.
type Limiter struct {
	sync.Mutex
	Windows []Window
}

// New returns a limiter with a single window.
func New(d time.Duration, ip, small, large int64) *Limiter {
	return &Limiter{Windows: []Window{{Duration: d, Limits: [3]int64{ip, small, large}}}}
}

func keys(ip netip.Addr) [3]key {
	ip = ip.Unmap()
	lengths := prefixes6
	if ip.Is4() {
		lengths = prefixes4
	}
	var l [3]key
	for i, n := range lengths {
		p, err := ip.Prefix(n)
		if err != nil {
			// Invalid addresses are all counted together.
			p = netip.Prefix{}
		}
		l[i] = key{uint8(i), p}
	}
	return l
}

// Add consumes n from the limits for ip at tm. If any limit would be
// exceeded, nothing is counted and false is returned.
func (l *Limiter) Add(ip netip.Addr, tm time.Time, n int64) bool {
	return l.check(true, ip, tm, n)
}

// CanAdd returns whether n could be added for ip at tm.
func (l *Limiter) CanAdd(ip netip.Addr, tm time.Time, n int64) bool {
	return l.check(false, ip, tm, n)
}

func (l *Limiter) check(add bool, ip netip.Addr, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	ks := keys(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		period := tm.UnixNano() / int64(w.Duration)
		if period > w.period || w.counts == nil {
			w.period = period
			w.counts = map[key]int64{}
		}
		for j, k := range ks {
			if w.counts[k]+n > w.Limits[j] {
				return false
			}
		}
	}
	if add {
		for _, w := range l.Windows {
			for _, k := range ks {
				w.counts[k] += n
			}
		}
	}
	return true
}

// Reset clears the count for ip in the current windows, and subtracts it
// from the counts of its subnets. Used after a successful authentication, to
// forget earlier failures.
func (l *Limiter) Reset(ip netip.Addr, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	ks := keys(ip)
	for _, w := range l.Windows {
		if w.counts == nil || tm.UnixNano()/int64(w.Duration) != w.period {
			continue
		}
		n := w.counts[ks[0]]
		for _, k := range ks {
			w.counts[k] -= n
		}
	}
}
