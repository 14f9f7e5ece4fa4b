package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		workflowRunsTotal,
		workflowStageSeconds,
		toolRunsTotal,
		planParseTotal,
		citationsAddedTotal,
		messagesRecoveredTotal,
	)
}

var (
	workflowRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_runs_total",
			Help: "Completed workflow runs, labeled by outcome.",
		},
		[]string{"outcome"}, // 'completed', 'failed'
	)

	workflowStageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_stage_duration_seconds",
			Help:    "Duration of each workflow stage.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"}, // 'investigate', 'execute_tools', 'final_answer'
	)

	toolRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_runs_total",
			Help: "Tool invocations during execute_tools, labeled by result.",
		},
		[]string{"tool", "result"}, // result: 'ok', 'error', 'skipped'
	)

	planParseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plan_parse_total",
			Help: "Investigate plan parses, labeled by result.",
		},
		[]string{"result"}, // 'parsed', 'fallback'
	)

	citationsAddedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "citations_added_total",
			Help: "Citations appended to session ledgers.",
		},
	)

	messagesRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_recovered_total",
			Help: "Assistant messages synthesized from job output during history reconciliation.",
		},
	)
)

func IncWorkflowRun(outcome string) {
	workflowRunsTotal.WithLabelValues(norm(outcome)).Inc()
}

func ObserveStageDuration(stage string, seconds float64) {
	workflowStageSeconds.WithLabelValues(norm(stage)).Observe(seconds)
}

func IncToolRun(tool, result string) {
	toolRunsTotal.WithLabelValues(norm(tool), norm(result)).Inc()
}

func IncPlanParse(result string) {
	planParseTotal.WithLabelValues(norm(result)).Inc()
}

func AddCitations(count int) {
	citationsAddedTotal.Add(float64(count))
}

func AddMessagesRecovered(count int) {
	messagesRecoveredTotal.Add(float64(count))
}
