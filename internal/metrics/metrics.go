// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aigate"

var (
	// RequestsTotal counts chat dispatches by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat requests by provider, model, and status",
		},
		[]string{"provider", "model", "status"},
	)

	// CredentialRotationsTotal counts rate-limit triggered rotations.
	CredentialRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_rotations_total",
			Help:      "Credential rotations after rate-limit signals",
		},
		[]string{"provider"},
	)

	// CredentialsExhaustedTotal counts requests rejected with no credential.
	CredentialsExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_exhausted_total",
			Help:      "Requests that found every credential cooling down",
		},
		[]string{"provider"},
	)

	// TokensTotal counts billed tokens by direction (input/output).
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens recorded to the usage ledger",
		},
		[]string{"provider", "model", "direction"},
	)

	// AttachmentsSkippedTotal counts attachments dropped by the normalizer.
	AttachmentsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_skipped_total",
			Help:      "Attachments skipped during normalization",
		},
		[]string{"reason"},
	)

	// StreamsDiscardedTotal counts streams abandoned by caller disconnect.
	StreamsDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_discarded_total",
			Help:      "Streams cancelled mid-flight and not persisted",
		},
		[]string{"provider"},
	)
)
