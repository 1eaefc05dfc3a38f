package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all backend metrics
type Metrics struct {
	// Checkout metrics
	CheckoutsTotal       *prometheus.CounterVec
	TransactionsResolved *prometheus.CounterVec
	ManualConfirmations  *prometheus.CounterVec

	// Command queue metrics
	CommandsEnqueued *prometheus.CounterVec
	CommandReports   *prometheus.CounterVec
	DuplicateReports prometheus.Counter
	LongPolls        *prometheus.CounterVec
	LongPollDuration prometheus.Histogram
	AgentHeartbeats  *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		CheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkouts_total",
				Help:      "Checkouts started by payment method and outcome",
			},
			[]string{"method", "outcome"},
		),
		TransactionsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_resolved_total",
				Help:      "Transactions leaving payment_pending by method and final status",
			},
			[]string{"method", "status"},
		),
		ManualConfirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manual_confirmations_total",
				Help:      "Operator mark-paid calls by method",
			},
			[]string{"method"},
		),
		CommandsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_commands_enqueued_total",
				Help:      "Agent commands enqueued by type",
			},
			[]string{"type"},
		),
		CommandReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_command_reports_total",
				Help:      "Accepted agent reports by command type and result code",
			},
			[]string{"type", "result"},
		),
		DuplicateReports: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_duplicate_reports_total",
				Help:      "Reports acknowledged without effect because one was already stored",
			},
		),
		LongPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_long_polls_total",
				Help:      "Agent long-polls by outcome (command, empty, error)",
			},
			[]string{"outcome"},
		),
		LongPollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_long_poll_duration_seconds",
				Help:      "Time an agent long-poll was held open",
				Buckets:   []float64{0.01, 0.1, 1, 5, 10, 20, 30},
			},
		),
		AgentHeartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_heartbeats_total",
				Help:      "Agent heartbeats by reported terminal state",
			},
			[]string{"terminal_ok"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"stream", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"stream"},
		),
	}

	factory.MustRegister(
		m.CheckoutsTotal,
		m.TransactionsResolved,
		m.ManualConfirmations,
		m.CommandsEnqueued,
		m.CommandReports,
		m.DuplicateReports,
		m.LongPolls,
		m.LongPollDuration,
		m.AgentHeartbeats,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
	)

	return m
}

// AgentMetrics are exposed by the terminal agent on its optional metrics port.
type AgentMetrics struct {
	Readiness           *prometheus.GaugeVec
	CommandsExecuted    *prometheus.CounterVec
	TerminalOpDuration  *prometheus.HistogramVec
	LoopErrors          prometheus.Counter
	ReportRetries       prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// NewAgentMetrics creates and registers the agent metrics.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewAgentMetrics(namespace string, reg prometheus.Registerer) *AgentMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &AgentMetrics{
		Readiness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "readiness",
				Help:      "1 for the current readiness state, 0 for the others",
			},
			[]string{"state"},
		),
		CommandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Commands executed by type and result code",
			},
			[]string{"type", "result"},
		),
		TerminalOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "terminal_operation_duration_seconds",
				Help:      "Duration of terminal driver calls",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"operation"},
		),
		LoopErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_errors_total",
				Help:      "Iterations that ended in backoff",
			},
		),
		ReportRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_retries_total",
				Help:      "Report submissions retried after a transport error",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.Readiness,
		m.CommandsExecuted,
		m.TerminalOpDuration,
		m.LoopErrors,
		m.ReportRetries,
		m.CircuitBreakerState,
	)

	return m
}
