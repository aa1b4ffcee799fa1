package ruleEngine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) *types.RuleSet {
	t.Helper()
	rs, err := Parse(text)
	require.NoError(t, err)
	return rs
}

func TestParseSingleRules(t *testing.T) {
	testCases := []struct {
		name      string
		text      string
		effects   types.Effects
		direction types.Direction
		matchers  []string
	}{
		{
			name:      "入方向带本端端口",
			text:      `ACCEPT : IN(443) : "GET";`,
			effects:   types.Effects{Action: types.Accept("")},
			direction: types.InBoundDirection(types.RulePorts{Ours: types.SpecificPort(443)}),
			matchers:  []string{`"GET"`},
		},
		{
			name:      "出方向只指定对端端口",
			text:      `DROP("bad") TAGS("mal") : OUT(,8080) : "evil";`,
			effects:   types.Effects{Action: types.Drop("bad"), Tags: []string{"mal"}},
			direction: types.OutBoundDirection(types.RulePorts{Theirs: types.SpecificPort(8080)}),
			matchers:  []string{`"evil"`},
		},
		{
			name:      "两个端口且有空白",
			text:      "ALERT  :  OUT ( 1 , 2 )  :  \"x\"  SET(\"seen\") ;",
			effects:   types.Effects{Action: types.Alert("")},
			direction: types.OutBoundDirection(types.RulePorts{Ours: types.SpecificPort(1), Theirs: types.SpecificPort(2)}),
			matchers:  []string{`"x"`, `SET("seen")`},
		},
		{
			name:      "只有标签和流标记",
			text:      "TAGS( \"a\" , \"b\" )\n\tFLOWS(\"f\") : IN :;",
			effects:   types.Effects{Tags: []string{"a", "b"}, FlowSets: []string{"f"}},
			direction: types.InBoundDirection(types.RulePorts{}),
		},
		{
			name:      "多个动作取最严重",
			text:      `ACCEPT DROP("x") ALERT : IN : SET("a");`,
			effects:   types.Effects{Action: types.Drop("x")},
			direction: types.InBoundDirection(types.RulePorts{}),
			matchers:  []string{`SET("a")`},
		},
		{
			name:      "空端口列表",
			text:      `ALERT : IN() : "a";`,
			effects:   types.Effects{Action: types.Alert("")},
			direction: types.InBoundDirection(types.RulePorts{}),
			matchers:  []string{`"a"`},
		},
		{
			name:      "空标签列表",
			text:      `TAGS() : OUT :;`,
			effects:   types.Effects{},
			direction: types.OutBoundDirection(types.RulePorts{}),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rs := mustParse(t, tc.text)
			require.Equal(t, 1, rs.Len())
			rule := rs.At(0)
			assert.Equal(t, tc.effects, rule.Effects)
			assert.Equal(t, tc.direction, rule.Direction)
			var got []string
			for _, m := range rule.Matchers {
				got = append(got, m.String())
			}
			assert.Equal(t, tc.matchers, got)
		})
	}
}

func TestParseUnescapesRegex(t *testing.T) {
	rs := mustParse(t, `ALERT : IN : "say \"hi\"" "\\d+\.";`)
	require.Equal(t, 1, rs.Len())
	m0 := rs.At(0).Matchers[0].(*types.RegexMatcher)
	m1 := rs.At(0).Matchers[1].(*types.RegexMatcher)
	assert.Equal(t, `say "hi"`, m0.Source())
	assert.Equal(t, `\d+\.`, m1.Source())
	assert.True(t, m1.Match([]byte("v12.")))
	assert.False(t, m1.Match([]byte("v12")))
}

func TestParseKeepsOrder(t *testing.T) {
	rs := mustParse(t, `ACCEPT : IN : "a"; ALERT : IN : "b";
DROP : OUT : "c";`)
	require.Equal(t, 3, rs.Len())
	assert.Equal(t, types.ActionAccept, rs.At(0).Effects.Action.Kind)
	assert.Equal(t, types.ActionAlert, rs.At(1).Effects.Action.Kind)
	assert.Equal(t, types.ActionDrop, rs.At(2).Effects.Action.Kind)
}

func TestParseEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   \n\t", "\n\n"} {
		rs, err := Parse(text)
		require.NoError(t, err)
		assert.Equal(t, 0, rs.Len())
	}
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name   string
		text   string
		kind   ErrorKind
		line   int
		column int
	}{
		{"小写关键字", `accept : IN : "a";`, ErrUnexpectedToken, 1, 1},
		{"未知方向", `ACCEPT : SIDEWAYS : "a";`, ErrUnexpectedToken, 1, 10},
		{"缺少冒号", `ACCEPT IN : "a";`, ErrUnexpectedToken, 1, 8},
		{"规则末尾多余数据", `ACCEPT : IN : "a" junk;`, ErrSuperfluousData, 1, 19},
		{"缺少分号", `ACCEPT : IN : "a"`, ErrMissingTerminator, 1, 18},
		{"非法正则", `ACCEPT : IN : "(unclosed";`, ErrInvalidRegex, 1, 15},
		{"端口超出范围", `ACCEPT : IN(70000) : "a";`, ErrInvalidPort, 1, 13},
		{"未闭合的字符串", `ACCEPT : IN : "abc`, ErrInvalidString, 1, 19},
		{"动作消息缺少右括号", `DROP("x" : IN : "a";`, ErrUnexpectedToken, 1, 9},
		{"第二行出错", "ACCEPT :\n IN :\n \"a\" ?;", ErrSuperfluousData, 3, 6},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.text)
			require.Error(t, err)

			var rse *RuleSetError
			require.True(t, errors.As(err, &rse))
			require.Len(t, rse.Errors, 1)
			pe := rse.Errors[0]
			assert.Equal(t, tc.kind, pe.Kind, pe.Error())
			assert.Equal(t, tc.line, pe.Line, pe.Error())
			assert.Equal(t, tc.column, pe.Column, pe.Error())
			assert.Contains(t, err.Error(), "Error in rule: ")
		})
	}
}

func TestParseErrorUnwrapsCause(t *testing.T) {
	_, err := Parse(`ALERT : IN : "a(";`)
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrInvalidRegex, pe.Kind)

	cause := errors.Unwrap(pe)
	require.NotNil(t, cause)
	_, compileErr := regexp.Compile("a(")
	assert.Equal(t, compileErr.Error(), cause.Error())
}

func TestParseErrorMessage(t *testing.T) {
	_, err := Parse(`ACCEPT : IN : "a" junk;`)
	require.Error(t, err)
	want := "Error parsing rules:\n" +
		"Error in rule: ACCEPT : IN : \"a\" junk;\n" +
		"superfluous data at line 1, column 19 (rule starting at input line 1): found superfluous data at end of rule\n" +
		"ACCEPT : IN : \"a\" junk;\n" +
		"                  ^"
	assert.Equal(t, want, err.Error())

	_, err = Parse(`ACCEPT : UP : "a";`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `expected "IN" or "OUT", found "UP"`)
	assert.Contains(t, err.Error(), "while parsing direction")
}

// 十条规则中有一条错误时整个规则集不可用
func TestParseFailsClosed(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		if i == 6 {
			b.WriteString("ALRT : IN : \"bad\";\n")
			continue
		}
		fmt.Fprintf(&b, "ALERT TAGS(\"r%d\") : IN(%d) : \"p%d\";\n", i, 1000+i, i)
	}

	rs, err := Parse(b.String())
	assert.Nil(t, rs)
	var rse *RuleSetError
	require.True(t, errors.As(err, &rse))
	require.Len(t, rse.Errors, 1)
	assert.Equal(t, 7, rse.Errors[0].RuleLine)
	assert.Equal(t, `ALRT : IN : "bad";`, rse.Errors[0].Rule)
}

func TestParseAggregatesInInputOrder(t *testing.T) {
	_, err := Parse(`X : IN :; ACCEPT : IN :; Y : IN :;`)
	var rse *RuleSetError
	require.True(t, errors.As(err, &rse))
	require.Len(t, rse.Errors, 2)
	assert.Equal(t, "X : IN :;", rse.Errors[0].Rule)
	assert.Equal(t, "Y : IN :;", rse.Errors[1].Rule)
}

func TestParseRoundTrip(t *testing.T) {
	text := `DROP("bad \"actor\"") TAGS("mal", "c2") FLOWS("seen") : OUT(,8080) : "evil\\d" SET("prior");
ACCEPT : IN(443) : "GET";
TAGS("scan") : IN(22, 0) :;`

	first := mustParse(t, text)
	second := mustParse(t, first.String())
	assert.Equal(t, first.String(), second.String())
	require.Equal(t, first.Len(), second.Len())
	for i := 0; i < first.Len(); i++ {
		assert.Equal(t, first.At(i).Effects, second.At(i).Effects)
		assert.Equal(t, first.At(i).Direction, second.At(i).Direction)
	}
}

func TestParseRulesetStripsComments(t *testing.T) {
	text := `# header comment
ACCEPT : IN : "a";
   # indented comment ; with semicolon

ALERT : IN : "b";`
	rs, err := ParseRuleset(text)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())

	// 行号在去掉注释后保持不变
	_, err = ParseRuleset("# c\n# c\nBAD : IN :;")
	var rse *RuleSetError
	require.True(t, errors.As(err, &rse))
	assert.Equal(t, 3, rse.Errors[0].RuleLine)
}

func TestSplitRulesIgnoresQuotedSemicolons(t *testing.T) {
	segs := splitRules("ALERT : IN : \"a;b\";\n  DROP : OUT : \"\\\";\";  ")
	require.Len(t, segs, 2)
	assert.Equal(t, `ALERT : IN : "a;b";`, segs[0].text)
	assert.Equal(t, 1, segs[0].line)
	assert.Equal(t, `DROP : OUT : "\";";`, segs[1].text)
	assert.Equal(t, 2, segs[1].line)
	assert.True(t, segs[1].terminated)
}
