// Package metrics has prometheus metric variables/functions shared between
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailverify_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the package or subsystem a recovered panic happened in.
type Panic string

const (
	Verify     Panic = "verify"
	Smtpclient Panic = "smtpclient"
	Verifyapi  Panic = "verifyapi"
	Nsqworker  Panic = "nsqworker"
)

// PanicInc counts a recovered panic in a package.
func PanicInc(name Panic) {
	metricPanic.WithLabelValues(string(name)).Inc()
}
