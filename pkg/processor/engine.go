package processor

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/ruleEngine"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultParallelThreshold 规则数量达到此值时并发评估
const DefaultParallelThreshold = 64

// Options 引擎参数
type Options struct {
	// ParallelThreshold 规则数量达到该值时按块并发评估，<=0 使用默认值
	ParallelThreshold int
	// Workers 并发评估的goroutine上限，<=0 使用 GOMAXPROCS
	Workers int
	// Prefilter 是否为纯字面量正则构建AC预过滤
	Prefilter bool
	// Metrics 为nil时不采集
	Metrics *metrics.EngineMetrics
}

// snapshot 不可变的规则集快照，重新加载时整体替换
type snapshot struct {
	rules     *types.RuleSet
	prefilter *literalPrefilter
	source    string
	loadedAt  time.Time
}

// Engine 持有当前规则集快照，可被多个goroutine并发评估
// 读者要么看到旧的规则集，要么看到新的，不会看到中间状态
type Engine struct {
	current atomic.Pointer[snapshot]
	opts    Options
}

// NewEngine 使用已解析的规则集创建引擎
func NewEngine(rs *types.RuleSet, opts Options) *Engine {
	return newEngine(rs, opts, "initial")
}

func newEngine(rs *types.RuleSet, opts Options, source string) *Engine {
	if opts.ParallelThreshold <= 0 {
		opts.ParallelThreshold = DefaultParallelThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	e := &Engine{opts: opts}
	e.install(rs, source)
	return e
}

// NewEngineFromText 解析规则文本(允许注释)并创建引擎
func NewEngineFromText(text string, opts Options) (*Engine, error) {
	rs, err := ruleEngine.ParseRuleset(text)
	if err != nil {
		return nil, err
	}
	return NewEngine(rs, opts), nil
}

// NewEngineFromDirectory 加载目录下的规则文件并创建引擎
func NewEngineFromDirectory(dir, extension string, opts Options) (*Engine, error) {
	rs, err := ruleEngine.LoadDirectory(dir, extension)
	if err != nil {
		return nil, fmt.Errorf("load rules failed: %w", err)
	}
	return newEngine(rs, opts, dir), nil
}

func (e *Engine) install(rs *types.RuleSet, source string) {
	if rs == nil {
		rs = types.NewRuleSet(nil)
	}
	snap := &snapshot{rules: rs, source: source, loadedAt: time.Now()}
	if e.opts.Prefilter {
		snap.prefilter = newLiteralPrefilter(rs)
	}
	e.current.Store(snap)
	e.opts.Metrics.SetLoadedRules(rs.Len())
}

// Evaluate 在当前快照上评估一次输入
func (e *Engine) Evaluate(in types.Input) types.Effects {
	effects, _ := e.evaluate(in)
	return effects
}

// EvaluateCounted 同 Evaluate，额外返回命中的规则数量
func (e *Engine) EvaluateCounted(in types.Input) (types.Effects, int) {
	return e.evaluate(in)
}

func (e *Engine) evaluate(in types.Input) (types.Effects, int) {
	start := time.Now()
	snap := e.current.Load()
	if snap.prefilter != nil && in.Literals == nil {
		if hits := snap.prefilter.Scan(in.Payload); hits != nil {
			in.Literals = hits
		}
	}

	var (
		effects types.Effects
		matched int
	)
	if snap.rules.Len() >= e.opts.ParallelThreshold && e.opts.Workers > 1 {
		effects, matched = foldParallel(snap.rules, in, e.opts.Workers)
	} else {
		effects, matched = foldRange(snap.rules, in, 0, snap.rules.Len())
	}

	e.opts.Metrics.ObserveEvaluation(actionLabel(effects.Action), matched, time.Since(start))
	return effects, matched
}

// Swap 原子替换规则集
func (e *Engine) Swap(rs *types.RuleSet) {
	e.install(rs, "swap")
	logrus.WithFields(logrus.Fields{
		"operation":  "swap",
		"rule_count": rs.Len(),
	}).Info("规则集已替换")
}

// ReloadText 解析新的规则文本并替换，失败时保留当前规则集
func (e *Engine) ReloadText(text string) error {
	rs, err := ruleEngine.ParseRuleset(text)
	return e.finishReload(rs, err, "text")
}

// ReloadDirectory 重新加载规则目录，失败时保留当前规则集
func (e *Engine) ReloadDirectory(dir, extension string) error {
	rs, err := ruleEngine.LoadDirectory(dir, extension)
	return e.finishReload(rs, err, dir)
}

func (e *Engine) finishReload(rs *types.RuleSet, err error, source string) error {
	fields := logrus.Fields{"operation": "reload", "source": source}
	if err != nil {
		e.opts.Metrics.ObserveReload(false, 0)
		logrus.WithFields(fields).WithError(err).Error("规则重新加载失败，继续使用当前规则")
		return fmt.Errorf("reload rules failed: %w", err)
	}
	e.install(rs, source)
	e.opts.Metrics.ObserveReload(true, rs.Len())
	fields["rule_count"] = rs.Len()
	logrus.WithFields(fields).Info("规则重新加载完成")
	return nil
}

// RuleSet 当前规则集
func (e *Engine) RuleSet() *types.RuleSet {
	return e.current.Load().rules
}

// Info 当前快照的概要信息
func (e *Engine) Info() map[string]interface{} {
	snap := e.current.Load()
	return map[string]interface{}{
		"rule_count":       snap.rules.Len(),
		"source":           snap.source,
		"loaded_at":        snap.loadedAt.Format(time.RFC3339),
		"prefilter_tokens": snap.prefilter.Len(),
	}
}

func actionLabel(a types.Action) string {
	if !a.IsSet() {
		return "none"
	}
	return a.Kind.String()
}
