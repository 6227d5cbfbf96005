package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/telemetry"
)

// DefaultMetricType is used for samples reported without a type
const DefaultMetricType = "health"

// AnalyzerConfig holds the prediction policy knobs
type AnalyzerConfig struct {
	// WindowSize is the number of samples kept per agent and metric type
	WindowSize int `mapstructure:"window_size"`
	// MinSamples is the cold-start floor below which probability is 0
	MinSamples int `mapstructure:"min_samples"`
	// Lookback is the number of recent samples used for the anomaly term
	Lookback int `mapstructure:"lookback"`
	// TrendSamples is the number of recent samples fitted for the trend term
	TrendSamples int `mapstructure:"trend_samples"`
	// AnomalyThreshold is the z-score that saturates the anomaly term
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
	// TrendWeight scales a declining slope into probability
	TrendWeight float64 `mapstructure:"trend_weight"`

	WarningThreshold  float64       `mapstructure:"warning_threshold"`
	CriticalThreshold float64       `mapstructure:"critical_threshold"`
	WarningHorizon    time.Duration `mapstructure:"warning_horizon"`
	CriticalHorizon   time.Duration `mapstructure:"critical_horizon"`
}

// DefaultAnalyzerConfig returns the default prediction policy
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		WindowSize:        100,
		MinSamples:        10,
		Lookback:          20,
		TrendSamples:      5,
		AnomalyThreshold:  2.0,
		TrendWeight:       0.1,
		WarningThreshold:  0.6,
		CriticalThreshold: 0.8,
		WarningHorizon:    15 * time.Minute,
		CriticalHorizon:   5 * time.Minute,
	}
}

func (c AnalyzerConfig) withDefaults() AnalyzerConfig {
	d := DefaultAnalyzerConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.TrendSamples <= 1 {
		c.TrendSamples = d.TrendSamples
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = d.AnomalyThreshold
	}
	if c.TrendWeight < 0 {
		c.TrendWeight = d.TrendWeight
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = d.WarningThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	if c.WarningHorizon <= 0 {
		c.WarningHorizon = d.WarningHorizon
	}
	if c.CriticalHorizon <= 0 {
		c.CriticalHorizon = d.CriticalHorizon
	}
	return c
}

// window is a bounded FIFO of sample values
type window struct {
	values []float64
	last   time.Time
}

func (w *window) push(v float64, at time.Time, capacity int) {
	w.values = append(w.values, v)
	if over := len(w.values) - capacity; over > 0 {
		w.values = append(w.values[:0:0], w.values[over:]...)
	}
	w.last = at
}

// PredictiveAnalyzer keeps rolling health windows per agent and estimates the
// probability that each agent fails soon
type PredictiveAnalyzer struct {
	logger   *zap.Logger
	config   AnalyzerConfig
	recorder telemetry.Recorder

	mu      sync.RWMutex
	windows map[string]map[string]*window
	alerts  []model.PredictiveAlert
	now     func() time.Time
}

// NewPredictiveAnalyzer creates a new analyzer
func NewPredictiveAnalyzer(config AnalyzerConfig, recorder telemetry.Recorder, logger *zap.Logger) *PredictiveAnalyzer {
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	return &PredictiveAnalyzer{
		logger:   logger.Named("predictive-analyzer"),
		config:   config.withDefaults(),
		recorder: recorder,
		windows:  make(map[string]map[string]*window),
		now:      time.Now,
	}
}

// Record appends a sample to its agent's window
func (a *PredictiveAnalyzer) Record(metric model.HealthMetric) error {
	if metric.Agent == "" {
		return fmt.Errorf("%w: agent is required", ErrInvalidMetric)
	}
	if math.IsNaN(metric.Value) || math.IsInf(metric.Value, 0) {
		return fmt.Errorf("%w: %s value is not finite", ErrInvalidMetric, metric.Agent)
	}
	if metric.Type == "" {
		metric.Type = DefaultMetricType
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	series, ok := a.windows[metric.Agent]
	if !ok {
		series = make(map[string]*window)
		a.windows[metric.Agent] = series
	}
	w, ok := series[metric.Type]
	if !ok {
		w = &window{}
		series[metric.Type] = w
	}
	w.push(metric.Value, metric.Timestamp, a.config.WindowSize)
	return nil
}

// FailureProbability returns the highest probability across an agent's metric
// series, or 0 for an unknown agent
func (a *PredictiveAnalyzer) FailureProbability(agent string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agentProbability(agent)
}

// SampleCount returns the number of samples held for an agent's metric type
func (a *PredictiveAnalyzer) SampleCount(agent, metricType string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if w, ok := a.windows[agent][metricType]; ok {
		return len(w.values)
	}
	return 0
}

// Probability applies the prediction formula to a series of values, oldest first
func (a *PredictiveAnalyzer) Probability(values []float64) float64 {
	cfg := a.config
	if len(values) < cfg.MinSamples {
		return 0
	}

	recent := tail(values, cfg.Lookback)
	mean, stddev := meanStddev(recent)

	var anomaly float64
	if stddev > 0 {
		last := recent[len(recent)-1]
		anomaly = math.Min(math.Abs(last-mean)/stddev/cfg.AnomalyThreshold, 1.0)
	}

	var trend float64
	if len(values) >= cfg.TrendSamples {
		m := slope(tail(values, cfg.TrendSamples))
		trend = math.Max(0, -m*cfg.TrendWeight)
	}

	return math.Min(anomaly+trend, 1.0)
}

// RunPredictiveAnalysis recomputes probabilities for every agent with enough
// samples and replaces the active alert set
func (a *PredictiveAnalyzer) RunPredictiveAnalysis() []model.PredictiveAlert {
	a.mu.Lock()

	now := a.now()
	agents := make([]string, 0, len(a.windows))
	for agent := range a.windows {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	probabilities := make(map[string]float64, len(agents))
	var alerts []model.PredictiveAlert
	for _, agent := range agents {
		if a.maxSamples(agent) < a.config.TrendSamples {
			continue
		}
		p := a.agentProbability(agent)
		probabilities[agent] = p

		alert, ok := a.alertFor(agent, p, now)
		if ok {
			alerts = append(alerts, alert)
		}
	}
	a.alerts = alerts
	out := copyAlerts(alerts)
	a.mu.Unlock()

	counts := map[model.AlertSeverity]int{
		model.AlertSeverityWarning:  0,
		model.AlertSeverityCritical: 0,
	}
	for agent, p := range probabilities {
		a.recorder.FailureProbability(agent, p)
	}
	for _, alert := range out {
		counts[alert.Severity]++
		a.logger.Warn("Failure predicted",
			zap.String("agent", alert.Agent),
			zap.String("severity", string(alert.Severity)),
			zap.Float64("confidence", alert.Confidence),
			zap.Time("predicted_failure_at", alert.PredictedFailureAt))
	}
	for severity, n := range counts {
		a.recorder.ActiveAlerts(severity, n)
	}

	a.logger.Debug("Predictive analysis complete",
		zap.Int("agents", len(probabilities)),
		zap.Int("alerts", len(out)))

	return out
}

// ActiveAlerts returns the alerts of the last analysis cycle
func (a *PredictiveAnalyzer) ActiveAlerts() []model.PredictiveAlert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyAlerts(a.alerts)
}

// Forget drops every window of an agent
func (a *PredictiveAnalyzer) Forget(agent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, agent)
}

func (a *PredictiveAnalyzer) alertFor(agent string, p float64, now time.Time) (model.PredictiveAlert, bool) {
	alert := model.PredictiveAlert{
		ID:         uuid.New().String(),
		Agent:      agent,
		Type:       model.AlertTypeFailurePrediction,
		Confidence: p,
		CreatedAt:  now,
	}

	switch {
	case p > a.config.CriticalThreshold:
		alert.Severity = model.AlertSeverityCritical
		alert.PredictedFailureAt = now.Add(a.config.CriticalHorizon)
		alert.RecommendedActions = []string{"restart_process", "clear_cache", "check_dependencies"}
	case p > a.config.WarningThreshold:
		alert.Severity = model.AlertSeverityWarning
		alert.PredictedFailureAt = now.Add(a.config.WarningHorizon)
		alert.RecommendedActions = []string{"monitor_closely", "reduce_load"}
	default:
		return model.PredictiveAlert{}, false
	}
	return alert, true
}

// agentProbability is called with the lock held
func (a *PredictiveAnalyzer) agentProbability(agent string) float64 {
	var highest float64
	for _, w := range a.windows[agent] {
		if p := a.Probability(w.values); p > highest {
			highest = p
		}
	}
	return highest
}

func (a *PredictiveAnalyzer) maxSamples(agent string) int {
	var n int
	for _, w := range a.windows[agent] {
		if len(w.values) > n {
			n = len(w.values)
		}
	}
	return n
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

// meanStddev returns the mean and population standard deviation
func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// slope fits a least-squares line over sample index
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func copyAlerts(alerts []model.PredictiveAlert) []model.PredictiveAlert {
	out := make([]model.PredictiveAlert, len(alerts))
	for i, alert := range alerts {
		alert.RecommendedActions = append([]string(nil), alert.RecommendedActions...)
		out[i] = alert
	}
	return out
}
