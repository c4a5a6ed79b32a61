package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the runtime.
//
// All recording methods are safe on a nil *Metrics so components can be
// constructed without instrumentation in tests.
type Metrics struct {
	// LLMTurns counts completion turns.
	// Labels: provider, model, status (success|error)
	LLMTurns *prometheus.CounterVec

	// LLMTurnDuration measures streamed turn latency in seconds.
	// Labels: provider, model
	LLMTurnDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, outcome (success|not_found|invalid_arguments|execution_failed|unauthorized)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// TriggerDispatches counts micro-agent outcomes per trigger point.
	// Labels: trigger, outcome (executed|skipped|failed)
	TriggerDispatches *prometheus.CounterVec

	// PromptAssemblies counts assembler runs.
	// Labels: outcome (synthesized|concatenated|empty|error)
	PromptAssemblies *prometheus.CounterVec

	// GenerationTasks counts terminal generation task states.
	// Labels: type, status (completed|failed)
	GenerationTasks *prometheus.CounterVec

	// GenerationDebitFailures counts cost debits that failed after completion.
	GenerationDebitFailures prometheus.Counter

	// WorkflowSteps counts durable step outcomes.
	// Labels: outcome (executed|replayed|failed)
	WorkflowSteps *prometheus.CounterVec

	// SupervisorRuns counts background task runs.
	// Labels: task, status (success|error)
	SupervisorRuns *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg. A nil reg uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_llm_turns_total",
				Help: "Total number of streamed completion turns by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "heyfun_llm_turn_duration_seconds",
				Help:    "Duration of streamed completion turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_tool_executions_total",
				Help: "Total number of tool executions by tool name and outcome",
			},
			[]string{"tool_name", "outcome"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "heyfun_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool_name"},
		),
		TriggerDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_trigger_dispatches_total",
				Help: "Micro-agent outcomes by trigger point",
			},
			[]string{"trigger", "outcome"},
		),
		PromptAssemblies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_prompt_assemblies_total",
				Help: "Dynamic system prompt assemblies by outcome",
			},
			[]string{"outcome"},
		),
		GenerationTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_generation_tasks_total",
				Help: "Generation tasks reaching a terminal state by type and status",
			},
			[]string{"type", "status"},
		),
		GenerationDebitFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "heyfun_generation_debit_failures_total",
				Help: "Cost debits that failed after a task completed",
			},
		),
		WorkflowSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_workflow_steps_total",
				Help: "Durable workflow steps by outcome",
			},
			[]string{"outcome"},
		),
		SupervisorRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyfun_supervisor_runs_total",
				Help: "Background task runs by task and status",
			},
			[]string{"task", "status"},
		),
	}
}

// RecordTurn records a completed or failed completion turn.
func (m *Metrics) RecordTurn(provider, model string, err error, duration time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMTurns.WithLabelValues(provider, model, statusLabel(err)).Inc()
	m.LLMTurnDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordTool records a tool execution outcome.
func (m *Metrics) RecordTool(name, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(name, outcome).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordTrigger records one micro-agent outcome for a trigger point.
func (m *Metrics) RecordTrigger(trigger, outcome string) {
	if m == nil {
		return
	}
	m.TriggerDispatches.WithLabelValues(trigger, outcome).Inc()
}

// RecordAssembly records a prompt assembly outcome.
func (m *Metrics) RecordAssembly(outcome string) {
	if m == nil {
		return
	}
	m.PromptAssemblies.WithLabelValues(outcome).Inc()
}

// RecordGeneration records a terminal generation task state.
func (m *Metrics) RecordGeneration(taskType, status string) {
	if m == nil {
		return
	}
	m.GenerationTasks.WithLabelValues(taskType, status).Inc()
}

// RecordDebitFailure counts a failed post-completion debit.
func (m *Metrics) RecordDebitFailure() {
	if m == nil {
		return
	}
	m.GenerationDebitFailures.Inc()
}

// RecordStep records a durable step outcome.
func (m *Metrics) RecordStep(outcome string) {
	if m == nil {
		return
	}
	m.WorkflowSteps.WithLabelValues(outcome).Inc()
}

// RecordSupervisorRun records a background task run.
func (m *Metrics) RecordSupervisorRun(task string, err error) {
	if m == nil {
		return
	}
	m.SupervisorRuns.WithLabelValues(task, statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
