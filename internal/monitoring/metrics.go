package monitoring

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RegistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_registrations_total",
			Help: "Total number of user registrations",
		},
	)

	ReferralCreditsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_referral_credits_total",
			Help: "Total number of referral credits recorded",
		},
	)

	CertificatesClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_certificates_claimed_total",
			Help: "Total number of certificates claimed",
		},
	)
)

// Serve exposes /metrics on its own listener. Blocks, so run it in a
// goroutine.
func Serve(addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Printf("Metrics server stopped: %v", err)
	}
}
