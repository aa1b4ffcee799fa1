package types

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"sort"
	"unicode/utf8"
)

// Matcher 规则的内容/状态谓词，一条规则的所有Matcher需要同时成立
type Matcher interface {
	isMatcher()
	String() string
}

// RegexMatcher 在原始负载字节上执行的正则匹配
type RegexMatcher struct {
	source  string
	re      *regexp.Regexp
	literal string
}

// NewRegexMatcher 编译正则，失败时返回regexp的错误
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{source: pattern, re: re, literal: wholeLiteral(pattern)}, nil
}

// wholeLiteral 表达式整体等价于一个区分大小写的字面量时返回该字面量，供字面量预过滤使用
// 带锚点(^ $ \A \z)或忽略大小写的表达式不算字面量，出现位置不能代替匹配结果
func wholeLiteral(pattern string) string {
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return ""
	}
	parsed = parsed.Simplify()
	if parsed.Op != syntax.OpLiteral || parsed.Flags&syntax.FoldCase != 0 {
		return ""
	}
	lit := string(parsed.Rune)
	if lit == "" || containsRuneError(lit) {
		return ""
	}
	return lit
}

// MustRegexMatcher 用于测试和静态规则
func MustRegexMatcher(pattern string) *RegexMatcher {
	m, err := NewRegexMatcher(pattern)
	if err != nil {
		panic(fmt.Sprintf("regex %q: %v", pattern, err))
	}
	return m
}

func (*RegexMatcher) isMatcher() {}

// Source 正则的原始文本
func (m *RegexMatcher) Source() string { return m.source }

// Literal 如果正则等价于一个字面量则返回该字面量
func (m *RegexMatcher) Literal() (string, bool) {
	return m.literal, m.literal != ""
}

// Match 在原始字节上匹配，不做文本解码
func (m *RegexMatcher) Match(payload []byte) bool {
	return m.re.Match(payload)
}

func (m *RegexMatcher) String() string { return Quote(m.source) }

// FlowIsSetMatcher 当前连接已设置指定流标记时成立
type FlowIsSetMatcher struct {
	Name string
}

func (FlowIsSetMatcher) isMatcher() {}

func (m FlowIsSetMatcher) String() string {
	return "SET(" + Quote(m.Name) + ")"
}

// FlowSet 一次评估中调用方提供的已设置流标记集合，只读
type FlowSet map[string]struct{}

// NewFlowSet 由名称列表构造集合
func NewFlowSet(names ...string) FlowSet {
	fs := make(FlowSet, len(names))
	for _, n := range names {
		fs[n] = struct{}{}
	}
	return fs
}

// Has nil集合不包含任何标记
func (fs FlowSet) Has(name string) bool {
	_, ok := fs[name]
	return ok
}

// Names 按字典序返回全部名称
func (fs FlowSet) Names() []string {
	names := make([]string, 0, len(fs))
	for n := range fs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func containsRuneError(s string) bool {
	for _, r := range s {
		if r == utf8.RuneError {
			return true
		}
	}
	return false
}
