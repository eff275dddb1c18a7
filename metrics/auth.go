package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricAuthentication = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailverify_authentication_total",
		Help: "Authentication attempts and results.",
	},
	[]string{
		"kind",    // httpapi
		"variant", // httpbasic
		"result",  // ok, badcreds, missing
	},
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}
