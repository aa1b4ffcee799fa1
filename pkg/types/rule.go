package types

import "strings"

// Input 一次评估的观测数据
type Input struct {
	Payload     []byte
	OurPort     Port
	TheirPort   Port
	Direction   ConnectionDirection
	ActiveFlows FlowSet

	// Literals 可选的字面量命中集合，由评估器的预过滤填充
	// 命中的字面量正则直接判定成立，未命中时仍然执行正则
	Literals LiteralHits
}

// LiteralHits 预过滤阶段在负载中确认出现过的字面量
type LiteralHits interface {
	Seen(literal string) bool
}

// Rule 编译后的规则，构造后不可变，可以被并发读取
type Rule struct {
	Effects   Effects
	Direction Direction
	Matchers  []Matcher
}

// NewRule 构造规则，拷贝传入的切片
func NewRule(effects Effects, direction Direction, matchers []Matcher) Rule {
	ms := make([]Matcher, len(matchers))
	copy(ms, matchers)
	return Rule{
		Effects:   effects.Clone(),
		Direction: direction,
		Matchers:  ms,
	}
}

// Apply 规则的匹配谓词
// 1. 方向门: 方向不一致直接不匹配
// 2. 端口门: 本端/对端端口约束
// 3. 匹配器门: 所有Matcher同时成立，空列表视为成立
// 全部通过时返回规则Effects的拷贝
func (r *Rule) Apply(in Input) (Effects, bool) {
	if !r.Direction.Allows(in.Direction, in.OurPort, in.TheirPort) {
		return Effects{}, false
	}
	for _, m := range r.Matchers {
		if !matcherHolds(m, in) {
			return Effects{}, false
		}
	}
	return r.Effects.Clone(), true
}

func matcherHolds(m Matcher, in Input) bool {
	switch v := m.(type) {
	case *RegexMatcher:
		if in.Literals != nil {
			if lit, ok := v.Literal(); ok && in.Literals.Seen(lit) {
				return true
			}
		}
		return v.Match(in.Payload)
	case FlowIsSetMatcher:
		return in.ActiveFlows.Has(v.Name)
	case *FlowIsSetMatcher:
		return in.ActiveFlows.Has(v.Name)
	default:
		return false
	}
}

// String 以规则语言的形式输出，可被解析器重新解析
func (r *Rule) String() string {
	var b strings.Builder
	effects := r.Effects.String()
	if effects == "" {
		effects = "TAGS()"
	}
	b.WriteString(effects)
	b.WriteString(" : ")
	b.WriteString(r.Direction.String())
	b.WriteString(" :")
	for _, m := range r.Matchers {
		b.WriteByte(' ')
		b.WriteString(m.String())
	}
	b.WriteByte(';')
	return b.String()
}

// RuleSet 有序、不可变的规则集合
type RuleSet struct {
	rules []Rule
}

// NewRuleSet 构造规则集，拷贝传入的切片
func NewRuleSet(rules []Rule) *RuleSet {
	rs := make([]Rule, len(rules))
	copy(rs, rules)
	return &RuleSet{rules: rs}
}

// Len 规则数量，nil规则集视为空
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// At 返回第i条规则的指针，规则本身不可修改
func (rs *RuleSet) At(i int) *Rule {
	return &rs.rules[i]
}

// Rules 返回规则列表的拷贝
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// String 每行一条规则
func (rs *RuleSet) String() string {
	if rs == nil {
		return ""
	}
	lines := make([]string, len(rs.rules))
	for i := range rs.rules {
		lines[i] = rs.rules[i].String()
	}
	return strings.Join(lines, "\n")
}
