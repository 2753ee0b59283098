package metrics

import "github.com/prometheus/client_golang/prometheus"

const defaultService = "pushattest"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	proofsBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_proofs_built_total",
			Help: "Proof bundles built, split by whether an attestation was included.",
		},
		[]string{"service", "attestation"},
	)

	keyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_key_rotations_total",
			Help: "Device keys generated, by reason.",
		},
		[]string{"service", "reason"},
	)

	proofRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_proof_rejections_total",
			Help: "Security rejections returned by the backend.",
		},
		[]string{"service", "kind", "mismatch"},
	)

	reattestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_reattestations_total",
			Help: "Re-attestation attempts recorded against the circuit breaker.",
		},
		[]string{"service", "kind"},
	)

	breakerVetoes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_breaker_vetoes_total",
			Help: "Re-attestations vetoed by the circuit breaker.",
		},
		[]string{"service", "kind"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protected_operations_total",
			Help: "Protected operations by final outcome.",
		},
		[]string{"service", "kind", "result"},
	)
)

// Curried views used by the rest of the module. They carry a default service
// label until MustRegister replaces it.
var (
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	ProofsBuiltTotal           *prometheus.CounterVec
	KeyRotationsTotal          *prometheus.CounterVec
	ProofRejectionsTotal       *prometheus.CounterVec
	ReattestationsTotal        *prometheus.CounterVec
	BreakerVetoesTotal         *prometheus.CounterVec
	OperationsTotal            *prometheus.CounterVec
)

func init() { curry(defaultService) }

func curry(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = httpRequests.MustCurryWith(labels)
	HTTPRequestDurationSeconds = httpRequestDuration.MustCurryWith(labels).(*prometheus.HistogramVec)
	ProofsBuiltTotal = proofsBuilt.MustCurryWith(labels)
	KeyRotationsTotal = keyRotations.MustCurryWith(labels)
	ProofRejectionsTotal = proofRejections.MustCurryWith(labels)
	ReattestationsTotal = reattestations.MustCurryWith(labels)
	BreakerVetoesTotal = breakerVetoes.MustCurryWith(labels)
	OperationsTotal = operations.MustCurryWith(labels)
}

// MustRegister sets the service label and registers every collector with the
// default registry. Call it once from main.
func MustRegister(serviceName string) {
	curry(serviceName)

	prometheus.MustRegister(
		httpRequests,
		httpRequestDuration,
		proofsBuilt,
		keyRotations,
		proofRejections,
		reattestations,
		breakerVetoes,
		operations,
	)
}
