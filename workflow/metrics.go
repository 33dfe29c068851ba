package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts workflow outcomes. A nil *Metrics is valid and records
// nothing, so tests can pass nil.
type Metrics struct {
	votesSubmitted prometheus.Counter
	votesAccepted  prometheus.Counter
	votesRejected  prometheus.Counter
	votesAmbiguous prometheus.Counter
	verifications  *prometheus.CounterVec
	adminActions   *prometheus.CounterVec
	sessionResets  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		votesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_votes_submitted_total",
			Help: "Vote transactions submitted to the ledger",
		}),
		votesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_votes_accepted_total",
			Help: "Vote transactions confirmed by the ledger",
		}),
		votesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_votes_rejected_total",
			Help: "Vote transactions rejected by the ledger",
		}),
		votesAmbiguous: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_votes_ambiguous_total",
			Help: "Vote transactions with unknown ledger outcome",
		}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "election_verifications_total",
			Help: "Biometric verification attempts by result",
		}, []string{"result"}),
		adminActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "election_admin_actions_total",
			Help: "Admin actions by action and result",
		}, []string{"action", "result"}),
		sessionResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_session_resets_total",
			Help: "Sessions invalidated by identity or network changes",
		}),
	}
}

func (m *Metrics) voteSubmitted() {
	if m != nil {
		m.votesSubmitted.Inc()
	}
}

func (m *Metrics) voteAccepted() {
	if m != nil {
		m.votesAccepted.Inc()
	}
}

func (m *Metrics) voteRejected() {
	if m != nil {
		m.votesRejected.Inc()
	}
}

func (m *Metrics) voteAmbiguous() {
	if m != nil {
		m.votesAmbiguous.Inc()
	}
}

func (m *Metrics) verification(result string) {
	if m != nil {
		m.verifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) adminAction(action, result string) {
	if m != nil {
		m.adminActions.WithLabelValues(action, result).Inc()
	}
}

func (m *Metrics) sessionReset() {
	if m != nil {
		m.sessionResets.Inc()
	}
}
