package ruleEngine

import (
	"github.com/haolipeng/filter_engine/pkg/types"
)

// 规则语言的语法产生式
//
//	rule      := effects ws ":" direction ":" ws matcher_list
//	effects   := effect (ws effect)*
//	effect    := action | "TAGS" "(" string_list ")" | "FLOWS" "(" string_list ")"
//	action    := ("ACCEPT"|"ALERT"|"DROP") ("(" quoted_string ")")?
//	direction := ws ("IN"|"OUT") (ws "(" port_tuple ")")? ws
//	port_tuple:= number? ("," number?)?
//	matcher   := quoted_string | "SET" "(" quoted_string ")"

// parenthesized 开括号之后进入cut，括号内的错误直接报告
func parenthesized[T any](p parser[T]) parser[T] {
	return preceded(tag("("), cut(terminated(p, tag(")"))))
}

func actionKeyword(keyword string, kind types.ActionKind) parser[types.Effect] {
	return mapP(
		pair(tag(keyword), opt(parenthesized(quoted))),
		func(p pairOf[string, option[string]]) types.Effect {
			return types.ActionEffect{Action: types.Action{Kind: kind, Message: p.second.value}}
		},
	)
}

var parseAction = alt(
	actionKeyword("ACCEPT", types.ActionAccept),
	actionKeyword("ALERT", types.ActionAlert),
	actionKeyword("DROP", types.ActionDrop),
)

// stringList 逗号分隔的引号字符串，元素两侧允许空白
var stringList = delimited(ws, separatedList0(tag(","), delimited(ws, quoted, ws)), ws)

var parseTags = mapP(
	preceded(tag("TAGS"), cut(parenthesized(stringList))),
	func(tags []string) types.Effect { return types.TagEffect{Tags: tags} },
)

var parseFlows = mapP(
	preceded(tag("FLOWS"), cut(parenthesized(stringList))),
	func(flows []string) types.Effect { return types.FlowSetEffect{Flows: flows} },
)

var parseEffect = withContext("effect", alt(parseAction, parseTags, parseFlows))

var parseEffects = separatedList1(ws1, parseEffect)

var portNumber = delimited(ws, decimal, ws)

var portTuple = mapP(
	pair(portNumber, opt(preceded(tag(","), portNumber))),
	func(p pairOf[types.RulePort, option[types.RulePort]]) types.RulePorts {
		return types.RulePorts{Ours: p.first, Theirs: p.second.value}
	},
)

func directionKeyword(keyword string, way types.ConnectionDirection) parser[types.Direction] {
	return mapP(
		pair(tag(keyword), opt(preceded(ws, parenthesized(portTuple)))),
		func(p pairOf[string, option[types.RulePorts]]) types.Direction {
			// 省略端口参数时两端都是通配，option的零值正好是通配
			return types.Direction{Way: way, Ports: p.second.value}
		},
	)
}

var parseDirection = withContext("direction", delimited(
	ws,
	alt(directionKeyword("IN", types.InBound), directionKeyword("OUT", types.OutBound)),
	ws,
))

// regexMatcher 引号字符串在解析时立即编译为正则，编译失败是该规则的致命错误
var regexMatcher = mapRes(quoted, ErrInvalidRegex, func(pattern string) (types.Matcher, error) {
	m, err := types.NewRegexMatcher(pattern)
	if err != nil {
		return nil, err
	}
	return m, nil
})

var flowSetMatcher = mapP(
	preceded(tag("SET"), cut(parenthesized(quoted))),
	func(name string) types.Matcher { return types.FlowIsSetMatcher{Name: name} },
)

var parseMatcher = withContext("matcher", alt(regexMatcher, flowSetMatcher))

// 匹配器列表允许为空，只按方向和端口过滤的规则由此表达
var parseMatchers = separatedList0(ws1, parseMatcher)

// parseRule 单条规则(不含结尾的分号)
func parseRule(in input) (input, types.Rule, *failure) {
	next, effects, fail := parseEffects(in)
	if fail != nil {
		return in, types.Rule{}, fail
	}
	next, _, fail = preceded(ws, tag(":"))(next)
	if fail != nil {
		return in, types.Rule{}, fail
	}
	next, direction, fail := parseDirection(next)
	if fail != nil {
		return in, types.Rule{}, fail
	}
	next, _, fail = terminated(tag(":"), ws)(next)
	if fail != nil {
		return in, types.Rule{}, fail
	}
	next, matchers, fail := parseMatchers(next)
	if fail != nil {
		return in, types.Rule{}, fail
	}
	return next, types.NewRule(types.CombineEffects(effects), direction, matchers), nil
}
