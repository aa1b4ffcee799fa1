package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics 规则引擎的Prometheus指标
// nil *EngineMetrics 表示不采集，所有方法都可以在nil上调用
type EngineMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	ruleMatchesTotal   prometheus.Counter
	evaluationDuration prometheus.Histogram
	reloadsTotal       *prometheus.CounterVec
	loadedRules        prometheus.Gauge
	verdictsTotal      *prometheus.CounterVec
}

// NewEngineMetrics 创建并注册指标，registry为nil时返回nil
func NewEngineMetrics(registry prometheus.Registerer) *EngineMetrics {
	if registry == nil {
		return nil
	}

	m := &EngineMetrics{
		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filter_engine",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Total rule set evaluations by combined action",
		}, []string{"action"}),

		ruleMatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filter_engine",
			Subsystem: "rules",
			Name:      "matches_total",
			Help:      "Total individual rule matches",
		}),

		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "filter_engine",
			Subsystem: "rules",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating a rule set against one input",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filter_engine",
			Subsystem: "rules",
			Name:      "reloads_total",
			Help:      "Rule set reload attempts by result",
		}, []string{"result"}),

		loadedRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "filter_engine",
			Subsystem: "rules",
			Name:      "loaded",
			Help:      "Number of rules in the active rule set",
		}),

		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filter_engine",
			Subsystem: "verdict",
			Name:      "decisions_total",
			Help:      "Final verdicts by verdict and whether a rule supplied the action",
		}, []string{"verdict", "explicit"}),
	}

	registry.MustRegister(
		m.evaluationsTotal,
		m.ruleMatchesTotal,
		m.evaluationDuration,
		m.reloadsTotal,
		m.loadedRules,
		m.verdictsTotal,
	)
	return m
}

// ObserveEvaluation 记录一次评估
func (m *EngineMetrics) ObserveEvaluation(action string, matched int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(action).Inc()
	m.ruleMatchesTotal.Add(float64(matched))
	m.evaluationDuration.Observe(elapsed.Seconds())
}

// ObserveReload 记录一次重新加载，成功时更新规则数量
func (m *EngineMetrics) ObserveReload(ok bool, ruleCount int) {
	if m == nil {
		return
	}
	if !ok {
		m.reloadsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.reloadsTotal.WithLabelValues("success").Inc()
	m.loadedRules.Set(float64(ruleCount))
}

// SetLoadedRules 设置当前规则数量
func (m *EngineMetrics) SetLoadedRules(n int) {
	if m == nil {
		return
	}
	m.loadedRules.Set(float64(n))
}

// ObserveVerdict 记录一次最终处置
func (m *EngineMetrics) ObserveVerdict(verdict string, explicit bool) {
	if m == nil {
		return
	}
	label := "false"
	if explicit {
		label = "true"
	}
	m.verdictsTotal.WithLabelValues(verdict, label).Inc()
}
