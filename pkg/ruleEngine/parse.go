package ruleEngine

import (
	"strings"

	"github.com/haolipeng/filter_engine/pkg/types"
)

// CommentMarker 以此开头(忽略前导空白)的行是注释
const CommentMarker = "#"

// segment 按分号切分出的一条候选规则
type segment struct {
	text       string // 去掉首尾空白，含结尾的分号
	line       int    // 在整个输入中的起始行，从1开始
	terminated bool
}

// splitRules 在引号字符串之外按分号切分，保留分号本身
// 最后一段只有空白时丢弃
func splitRules(text string) []segment {
	var out []segment
	start, line, startLine := 0, 1, 1
	inQuote, escaped := false, false

	emit := func(end int, terminated bool) {
		raw := text[start:end]
		trimmed := strings.TrimLeft(raw, " \t\r\n")
		lead := raw[:len(raw)-len(trimmed)]
		trimmed = strings.TrimRight(trimmed, " \t\r\n")
		if trimmed == "" {
			return
		}
		out = append(out, segment{
			text:       trimmed,
			line:       startLine + strings.Count(lead, "\n"),
			terminated: terminated,
		})
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case c == ';' && !inQuote:
			emit(i+1, true)
			start = i + 1
			startLine = line
		}
		if c == '\n' {
			line++
		}
	}
	if start < len(text) {
		emit(len(text), false)
	}
	return out
}

// parseSegment 解析单条候选规则，规则之后只允许空白和一个分号
func parseSegment(seg segment) (types.Rule, *ParseError) {
	in := newInput(seg.text)
	next, rule, fail := parseRule(in)
	if fail != nil {
		return types.Rule{}, newParseError(seg.text, seg.line, fail)
	}
	next, _, _ = ws(next)
	rest := next.rest()
	switch {
	case rest == ";":
		return rule, nil
	case rest == "" && !seg.terminated:
		return types.Rule{}, newParseError(seg.text, seg.line, &failure{pos: next.pos, kind: ErrMissingTerminator, cause: errNoTerminator})
	default:
		return types.Rule{}, newParseError(seg.text, seg.line, &failure{pos: next.pos, kind: ErrSuperfluousData, cause: errSuperfluous})
	}
}

// Parse 解析规则文本
// 所有规则都解析成功才返回规则集，否则返回包含每条失败规则的 *RuleSetError
func Parse(text string) (*types.RuleSet, error) {
	segments := splitRules(text)
	rules := make([]types.Rule, 0, len(segments))
	var errs []*ParseError
	for _, seg := range segments {
		rule, perr := parseSegment(seg)
		if perr != nil {
			errs = append(errs, perr)
			continue
		}
		rules = append(rules, rule)
	}
	if len(errs) > 0 {
		return nil, &RuleSetError{Errors: errs}
	}
	return types.NewRuleSet(rules), nil
}

// ParseRuleset 去掉注释行后解析
func ParseRuleset(text string) (*types.RuleSet, error) {
	return Parse(StripComments(text))
}

// StripComments 把注释行替换为空行，行号保持不变
func StripComments(text string) string {
	if !strings.Contains(text, CommentMarker) {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), CommentMarker) {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}
