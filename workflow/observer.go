package workflow

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer receives run lifecycle notifications from the engine.
type Observer interface {
	// RunStarted is called when a run enters DETECTING.
	RunStarted(conversationID, runID string)

	// StateChanged is called at every state boundary.
	StateChanged(conversationID, runID string, from, to State)

	// RunFinished is called once per run with the terminal state.
	RunFinished(conversationID, runID string, terminal State, attempts int, elapsed time.Duration)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

// RunStarted implements Observer.
func (NopObserver) RunStarted(string, string) {}

// StateChanged implements Observer.
func (NopObserver) StateChanged(string, string, State, State) {}

// RunFinished implements Observer.
func (NopObserver) RunFinished(string, string, State, int, time.Duration) {}

// MetricsObserver exports run metrics to Prometheus.
type MetricsObserver struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	runDuration  prometheus.Histogram
	runAttempts  prometheus.Histogram
}

// NewMetricsObserver registers the run metrics on the given registerer.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	factory := promauto.With(reg)

	return &MetricsObserver{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "repassist",
			Subsystem: "workflow",
			Name:      "runs_started_total",
			Help:      "Workflow runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repassist",
			Subsystem: "workflow",
			Name:      "runs_finished_total",
			Help:      "Workflow runs finished, by terminal state.",
		}, []string{"state"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repassist",
			Subsystem: "workflow",
			Name:      "state_transitions_total",
			Help:      "State machine transitions, by target state.",
		}, []string{"to"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "repassist",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "End-to-end run duration.",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120},
		}),
		runAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "repassist",
			Subsystem: "workflow",
			Name:      "run_attempts",
			Help:      "Sealed attempts per finished run.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
	}
}

// RunStarted implements Observer.
func (m *MetricsObserver) RunStarted(string, string) {
	m.runsStarted.Inc()
}

// StateChanged implements Observer.
func (m *MetricsObserver) StateChanged(_, _ string, _, to State) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

// RunFinished implements Observer.
func (m *MetricsObserver) RunFinished(_, _ string, terminal State, attempts int, elapsed time.Duration) {
	m.runsFinished.WithLabelValues(string(terminal)).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	m.runAttempts.Observe(float64(attempts))
}

// LogObserver logs run lifecycle at debug/info level.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a logging observer.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// RunStarted implements Observer.
func (o *LogObserver) RunStarted(conversationID, runID string) {
	o.logger.Info("Workflow run started",
		slog.String("conversation_id", conversationID),
		slog.String("run_id", runID))
}

// StateChanged implements Observer.
func (o *LogObserver) StateChanged(conversationID, runID string, from, to State) {
	o.logger.Debug("Workflow state changed",
		slog.String("conversation_id", conversationID),
		slog.String("run_id", runID),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// RunFinished implements Observer.
func (o *LogObserver) RunFinished(conversationID, runID string, terminal State, attempts int, elapsed time.Duration) {
	o.logger.Info("Workflow run finished",
		slog.String("conversation_id", conversationID),
		slog.String("run_id", runID),
		slog.String("state", terminal.String()),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", elapsed))
}

// MultiObserver fans notifications out to several observers.
type MultiObserver []Observer

// RunStarted implements Observer.
func (m MultiObserver) RunStarted(conversationID, runID string) {
	for _, o := range m {
		o.RunStarted(conversationID, runID)
	}
}

// StateChanged implements Observer.
func (m MultiObserver) StateChanged(conversationID, runID string, from, to State) {
	for _, o := range m {
		o.StateChanged(conversationID, runID, from, to)
	}
}

// RunFinished implements Observer.
func (m MultiObserver) RunFinished(conversationID, runID string, terminal State, attempts int, elapsed time.Duration) {
	for _, o := range m {
		o.RunFinished(conversationID, runID, terminal, attempts, elapsed)
	}
}
