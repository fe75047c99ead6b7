package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for identity reconciliation.
type Metrics struct {
	IdentifyTotal        *prometheus.CounterVec
	IdentifyDuration     prometheus.Histogram
	ContactsCreated      *prometheus.CounterVec
	PrimariesDemoted     prometheus.Counter
	LinkRepairs          prometheus.Counter
	CacheLookups         *prometheus.CounterVec
	EventPublishFailures prometheus.Counter
}

// New creates and registers the reconciliation metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IdentifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contactlink_identify_total",
			Help: "Identify requests by outcome (created, linked, merged, matched, repaired or an error code)",
		}, []string{"outcome"}),
		IdentifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "contactlink_identify_duration_seconds",
			Help:    "Time spent resolving and reconciling one identify request",
			Buckets: prometheus.DefBuckets,
		}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contactlink_contacts_created_total",
			Help: "Contacts inserted, by link precedence",
		}, []string{"link_precedence"}),
		PrimariesDemoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "contactlink_primaries_demoted_total",
			Help: "Primary contacts demoted to secondary while merging identities",
		}),
		LinkRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "contactlink_link_repairs_total",
			Help: "Malformed links reparented to the canonical primary",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contactlink_identity_cache_lookups_total",
			Help: "Identity view cache lookups by result",
		}, []string{"result"}),
		EventPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "contactlink_identity_event_publish_failures_total",
			Help: "Identity change events that could not be published",
		}),
	}
}

func (m *Metrics) ObserveIdentify(outcome string, seconds float64) {
	m.IdentifyTotal.WithLabelValues(outcome).Inc()
	m.IdentifyDuration.Observe(seconds)
}

func (m *Metrics) IncContactsCreated(precedence string) {
	m.ContactsCreated.WithLabelValues(precedence).Inc()
}

func (m *Metrics) AddDemotions(n int) {
	m.PrimariesDemoted.Add(float64(n))
}

func (m *Metrics) AddRepairs(n int) {
	m.LinkRepairs.Add(float64(n))
}

func (m *Metrics) IncCacheLookup(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncEventPublishFailures() {
	m.EventPublishFailures.Inc()
}
