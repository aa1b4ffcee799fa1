package ruleEngine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind 规则解析错误的分类
type ErrorKind int

const (
	ErrUnexpectedToken ErrorKind = iota + 1
	ErrSuperfluousData
	ErrInvalidString
	ErrInvalidRegex
	ErrInvalidPort
	ErrMissingTerminator
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnexpectedToken:
		return "unexpected token"
	case ErrSuperfluousData:
		return "superfluous data"
	case ErrInvalidString:
		return "invalid string"
	case ErrInvalidRegex:
		return "invalid regex"
	case ErrInvalidPort:
		return "invalid port"
	case ErrMissingTerminator:
		return "missing terminator"
	default:
		return "unknown"
	}
}

var (
	errSuperfluous  = errors.New("found superfluous data at end of rule")
	errNoTerminator = errors.New("rule is not terminated by ';'")
)

// ParseError 单条规则的解析错误
// Offset/Line/Column 相对于规则文本，RuleLine 是规则在整个输入中的起始行
type ParseError struct {
	Kind     ErrorKind
	Rule     string
	Offset   int
	Line     int
	Column   int
	RuleLine int
	Expected []string
	Found    string
	Context  []string
	Err      error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at line %d, column %d", e.Kind, e.Line, e.Column)
	if e.RuleLine > 0 {
		fmt.Fprintf(&b, " (rule starting at input line %d)", e.RuleLine)
	}
	b.WriteString(": ")
	switch {
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case len(e.Expected) > 0:
		fmt.Fprintf(&b, "expected %s, found %s", strings.Join(e.Expected, " or "), e.found())
	default:
		fmt.Fprintf(&b, "found %s", e.found())
	}
	if len(e.Context) > 0 {
		fmt.Fprintf(&b, " while parsing %s", strings.Join(e.Context, " in "))
	}
	b.WriteByte('\n')
	b.WriteString(e.caret())
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) found() string {
	if e.Found == "" {
		return "end of rule"
	}
	return fmt.Sprintf("%q", e.Found)
}

// caret 输出出错的那一行以及指向出错列的 ^
func (e *ParseError) caret() string {
	lines := strings.Split(e.Rule, "\n")
	idx := e.Line - 1
	if idx < 0 || idx >= len(lines) {
		return ""
	}
	line := strings.TrimRight(lines[idx], "\r")
	pad := make([]byte, 0, e.Column)
	for i := 0; i < e.Column-1 && i < len(line); i++ {
		if line[i] == '\t' {
			pad = append(pad, '\t')
		} else {
			pad = append(pad, ' ')
		}
	}
	return line + "\n" + string(pad) + "^"
}

// newParseError 把组合子的失败换算成带行列号的错误
func newParseError(rule string, ruleLine int, f *failure) *ParseError {
	pos := f.pos
	if pos > len(rule) {
		pos = len(rule)
	}
	line, col := lineColumn(rule, pos)
	return &ParseError{
		Kind:     f.kind,
		Rule:     rule,
		Offset:   pos,
		Line:     line,
		Column:   col,
		RuleLine: ruleLine,
		Expected: dedupe(f.expected),
		Found:    foundToken(rule[pos:]),
		Context:  f.context,
		Err:      f.cause,
	}
}

func lineColumn(s string, pos int) (int, int) {
	line, col := 1, 1
	for i := 0; i < pos; i++ {
		if s[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}

// foundToken 出错位置的一小段文本，到空白为止
func foundToken(rest string) string {
	const maxLen = 16
	end := strings.IndexAny(rest, " \t\r\n")
	if end < 0 {
		end = len(rest)
	}
	if end == 0 && rest != "" {
		end = 1
	}
	if end > maxLen {
		end = maxLen
	}
	return rest[:end]
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// RuleSetError 规则集中所有解析失败的规则，按输入顺序排列
type RuleSetError struct {
	Errors []*ParseError
}

func (e *RuleSetError) Error() string {
	var b strings.Builder
	b.WriteString("Error parsing rules:")
	for _, pe := range e.Errors {
		b.WriteString("\nError in rule: ")
		b.WriteString(pe.Rule)
		b.WriteByte('\n')
		b.WriteString(pe.Error())
	}
	return b.String()
}

// Unwrap 支持 errors.As 取出其中任意一个 ParseError
func (e *RuleSetError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, pe := range e.Errors {
		errs[i] = pe
	}
	return errs
}
