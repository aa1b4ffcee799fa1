package types

import (
	"fmt"
	"strings"
)

// ActionKind 动作类型，数值越大表示越严重
// ActionNone 仅在Effects中出现，表示没有规则给出动作
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionAccept
	ActionAlert
	ActionDrop
)

// String 返回动作在规则语言中的关键字
func (k ActionKind) String() string {
	switch k {
	case ActionAccept:
		return "ACCEPT"
	case ActionAlert:
		return "ALERT"
	case ActionDrop:
		return "DROP"
	default:
		return ""
	}
}

// ParseActionKind 将关键字(大小写不敏感)转换为动作类型，供边界层使用
func ParseActionKind(s string) (ActionKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPT":
		return ActionAccept, nil
	case "ALERT":
		return ActionAlert, nil
	case "DROP":
		return ActionDrop, nil
	default:
		return ActionNone, NewBoundaryError("action", s, fmt.Errorf("expected ACCEPT, ALERT or DROP"))
	}
}

// Action 规则命中后的处置动作，Message为空表示没有附带消息
type Action struct {
	Kind    ActionKind
	Message string
}

func Accept(msg string) Action { return Action{Kind: ActionAccept, Message: msg} }
func Alert(msg string) Action  { return Action{Kind: ActionAlert, Message: msg} }
func Drop(msg string) Action   { return Action{Kind: ActionDrop, Message: msg} }

// IsSet 是否给出了动作
func (a Action) IsSet() bool {
	return a.Kind != ActionNone
}

// Compare 动作的全序比较: 先比较严重程度，相同时按消息字典序(空消息最小)
func (a Action) Compare(b Action) int {
	switch {
	case a.Kind < b.Kind:
		return -1
	case a.Kind > b.Kind:
		return 1
	}
	return strings.Compare(a.Message, b.Message)
}

// MaxAction 返回两者中更严重的动作
func MaxAction(a, b Action) Action {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// String 以规则语言的形式输出动作
func (a Action) String() string {
	if !a.IsSet() {
		return ""
	}
	if a.Message == "" {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", a.Kind, Quote(a.Message))
}

// Quote 将字符串转换为规则语言中的引号字符串，只转义反斜杠和双引号
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
