package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remediator"

var (
	issuesReportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_reported_total",
			Help:      "Issue reports received, partitioned by whether they created a new issue.",
		},
		[]string{"created"},
	)

	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Completed agent runs partitioned by verdict.",
		},
		[]string{"verdict"},
	)

	agentRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_seconds",
			Help:      "Agent run wall time in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
	)

	activeAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Agent runs currently holding a concurrency slot.",
		},
	)

	consensusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_decisions_total",
			Help:      "Consensus decisions partitioned by verdict and tie.",
		},
		[]string{"verdict", "tie"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation lifecycle events partitioned by action and severity or resolution method.",
		},
		[]string{"action", "label"},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions partitioned by target state.",
		},
		[]string{"state"},
	)

	loadShedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_shed_total",
			Help:      "Dispatches deferred because host load exceeded the safety threshold.",
		},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Scheduler cycle latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	cycleIssuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_issue_outcomes_total",
			Help:      "Per-issue scheduler outcomes.",
		},
		[]string{"outcome"},
	)

	archivedIssuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_issues_total",
			Help:      "Issues exported by the retention pass, and failed batch uploads.",
		},
		[]string{"result"},
	)
)

// Register attaches remediator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		issuesReportedTotal,
		agentRunsTotal,
		agentRunDurationSeconds,
		activeAgents,
		consensusTotal,
		escalationsTotal,
		breakerTransitionsTotal,
		loadShedTotal,
		cycleDurationSeconds,
		cycleIssuesTotal,
		archivedIssuesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveReport counts an issue report.
func ObserveReport(created bool) {
	label := "false"
	if created {
		label = "true"
	}
	issuesReportedTotal.WithLabelValues(label).Inc()
}

// ObserveAgentRun records a completed run.
func ObserveAgentRun(verdict string, duration time.Duration) {
	agentRunsTotal.WithLabelValues(verdict).Inc()
	if duration < 0 {
		duration = 0
	}
	agentRunDurationSeconds.Observe(duration.Seconds())
}

// AgentStarted and AgentFinished track slot occupancy.
func AgentStarted()  { activeAgents.Inc() }
func AgentFinished() { activeAgents.Dec() }

// ObserveConsensus counts a consensus decision.
func ObserveConsensus(verdict string, tie bool) {
	t := "false"
	if tie {
		t = "true"
	}
	consensusTotal.WithLabelValues(verdict, t).Inc()
}

// ObserveEscalation counts an escalation open ("opened", severity) or close ("closed", method).
func ObserveEscalation(action, label string) {
	escalationsTotal.WithLabelValues(action, label).Inc()
}

// ObserveBreaker counts a breaker transition into state.
func ObserveBreaker(state string) {
	breakerTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveLoadShed counts a deferred dispatch.
func ObserveLoadShed() {
	loadShedTotal.Inc()
}

// ObserveCycle records a scheduler cycle.
func ObserveCycle(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveIssueOutcome counts one issue's outcome within a cycle.
func ObserveIssueOutcome(outcome string) {
	cycleIssuesTotal.WithLabelValues(outcome).Inc()
}

// ObserveArchive counts archived issues, or one failed batch when result is "failed".
func ObserveArchive(result string, n int) {
	if result == "failed" {
		archivedIssuesTotal.WithLabelValues(result).Inc()
		return
	}
	archivedIssuesTotal.WithLabelValues(result).Add(float64(n))
}
