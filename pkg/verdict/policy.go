package verdict

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
)

// Escalation 处置升级规则: 表达式成立时把处置提升到 Verdict
// 表达式可以使用的变量: action, message, tags, flows, explicit
type Escalation struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Verdict    string `yaml:"verdict" json:"verdict"`
}

type compiledEscalation struct {
	name    string
	verdict types.ActionKind
	program cel.Program
}

// Policy 把规则引擎的Effects转换为最终处置
// 规则没有给出动作时使用默认处置，这一决定属于边界层而不是引擎
type Policy struct {
	defaultVerdict types.ActionKind
	escalations    []compiledEscalation
	metrics        *metrics.EngineMetrics
}

// NewEnv 创建升级表达式使用的CEL环境
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("flows", cel.ListType(cel.StringType)),
		cel.Variable("explicit", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env failed: %w", err)
	}
	return env, nil
}

// NewPolicy 编译全部升级表达式，任意表达式无效时返回错误
func NewPolicy(defaultVerdict string, escalations []Escalation, m *metrics.EngineMetrics) (*Policy, error) {
	def, err := types.ParseActionKind(defaultVerdict)
	if err != nil {
		return nil, fmt.Errorf("default verdict: %w", err)
	}

	env, err := NewEnv()
	if err != nil {
		return nil, err
	}

	p := &Policy{defaultVerdict: def, metrics: m}
	for _, esc := range escalations {
		kind, err := types.ParseActionKind(esc.Verdict)
		if err != nil {
			return nil, fmt.Errorf("escalation %s: %w", esc.Name, err)
		}
		program, err := compileExpression(env, esc.Expression)
		if err != nil {
			return nil, fmt.Errorf("escalation %s: %w", esc.Name, err)
		}
		p.escalations = append(p.escalations, compiledEscalation{name: esc.Name, verdict: kind, program: program})
	}
	return p, nil
}

// compileExpression 编译 -> 类型检查 -> 生成Program，表达式结果必须是bool
func compileExpression(env *cel.Env, expression string) (cel.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	ast, iss := env.Parse(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression failed: %w", iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss.Err() != nil {
		return nil, fmt.Errorf("check expression failed: %w", iss.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %v", checked.OutputType())
	}
	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("create program failed: %w", err)
	}
	return program, nil
}

// ValidateExpression 检查单个升级表达式是否合法
func ValidateExpression(expression string) error {
	env, err := NewEnv()
	if err != nil {
		return err
	}
	_, err = compileExpression(env, expression)
	return err
}

// Decide 根据Effects得出最终处置
func (p *Policy) Decide(effects types.Effects) (types.Decision, error) {
	explicit := effects.Action.IsSet()
	verdict := p.defaultVerdict
	if explicit {
		verdict = effects.Action.Kind
	}

	decision := types.Decision{
		ID:       uuid.NewString(),
		Message:  effects.Action.Message,
		Explicit: explicit,
		Tags:     nonNil(effects.Tags),
		FlowSets: nonNil(effects.FlowSets),
	}

	if len(p.escalations) > 0 {
		vars := map[string]interface{}{
			"action":   effects.Action.Kind.String(),
			"message":  effects.Action.Message,
			"tags":     decision.Tags,
			"flows":    decision.FlowSets,
			"explicit": explicit,
		}
		for _, esc := range p.escalations {
			matched, err := evaluate(esc.program, vars)
			if err != nil {
				return types.Decision{}, fmt.Errorf("escalation %s: %w", esc.name, err)
			}
			if !matched {
				continue
			}
			decision.Escalations = append(decision.Escalations, esc.name)
			if esc.verdict > verdict {
				verdict = esc.verdict
			}
		}
	}

	decision.Verdict = verdict
	decision.VerdictName = verdict.String()
	p.metrics.ObserveVerdict(decision.VerdictName, explicit)
	return decision, nil
}

// DefaultVerdict 没有规则给出动作时的处置
func (p *Policy) DefaultVerdict() types.ActionKind {
	return p.defaultVerdict
}

func evaluate(program cel.Program, vars map[string]interface{}) (bool, error) {
	result, _, err := program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate expression failed: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is not boolean: %v", result.Value())
	}
	return matched, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
