package ruleEngine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/haolipeng/filter_engine/pkg/types"
)

// 词法基础: 空白、带转义的引号字符串、十进制端口号

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// ws 跳过任意数量的空白
var ws = takeWhile(isSpace)

// ws1 至少一个空白
var ws1 = takeWhile1(isSpace, "whitespace")

var (
	errUnterminatedString = errors.New("missing closing '\"'")
	errDanglingEscape     = errors.New("escape character '\\' at end of input")
)

// quoted 解析引号字符串: '"' ( '\' 任意字符 | 非'\'非'"' )* '"'
// 开引号之后的失败都是致命的
func quoted(in input) (input, string, *failure) {
	rest := in.rest()
	if !strings.HasPrefix(rest, `"`) {
		return in, "", expect(in, "quoted string")
	}
	for i := 1; i < len(rest); i++ {
		switch rest[i] {
		case '\\':
			if i+1 >= len(rest) {
				return in, "", fatalAt(in.advance(i), ErrInvalidString, errDanglingEscape)
			}
			i++
		case '"':
			return in.advance(i + 1), unescape(rest[1:i]), nil
		}
	}
	return in, "", fatalAt(in.advance(len(rest)), ErrInvalidString, errUnterminatedString)
}

// unescape 只处理 \" 和 \\ 两种转义，其余反斜杠序列原样保留(正则元字符依赖这一点)
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// decimal 十进制端口号，空串表示通配，超出16位范围是致命错误
func decimal(in input) (input, types.RulePort, *failure) {
	next, digits, _ := takeWhile(isDigit)(in)
	if digits == "" {
		return in, types.AllPorts(), nil
	}
	n, err := strconv.ParseUint(digits, 10, 16)
	if err != nil {
		return in, types.RulePort{}, fatalAt(in, ErrInvalidPort, err)
	}
	return next, types.SpecificPort(types.Port(n)), nil
}
