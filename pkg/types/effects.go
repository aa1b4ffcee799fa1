package types

import "strings"

// Effect 规则文本中的单个指令: 动作、标签列表或流标记列表
type Effect interface {
	isEffect()
}

// ActionEffect ACCEPT/ALERT/DROP 指令
type ActionEffect struct {
	Action Action
}

// TagEffect TAGS(...) 指令
type TagEffect struct {
	Tags []string
}

// FlowSetEffect FLOWS(...) 指令
type FlowSetEffect struct {
	Flows []string
}

func (ActionEffect) isEffect()  {}
func (TagEffect) isEffect()     {}
func (FlowSetEffect) isEffect() {}

// Effects 规则(或一次评估)的效果累加器
// 零值即单位元: 没有动作，标签和流标记为空
type Effects struct {
	Action   Action
	Tags     []string
	FlowSets []string
}

// EmptyEffects 返回单位元
func EmptyEffects() Effects {
	return Effects{}
}

// EffectsFrom 将单个Effect嵌入为Effects，其余字段保持单位元
func EffectsFrom(e Effect) Effects {
	switch v := e.(type) {
	case ActionEffect:
		return Effects{Action: v.Action}
	case TagEffect:
		return Effects{Tags: unionOrdered(nil, v.Tags)}
	case FlowSetEffect:
		return Effects{FlowSets: unionOrdered(nil, v.Flows)}
	default:
		return Effects{}
	}
}

// CombineEffects 按顺序把一组Effect折叠为Effects
func CombineEffects(effects []Effect) Effects {
	acc := EmptyEffects()
	for _, e := range effects {
		acc = acc.AddEffect(e)
	}
	return acc
}

// Add 合并两个Effects: 动作取更严重者，标签和流标记取并集并保持首次出现的顺序
// 运算满足结合律和交换律(标签/流标记按集合比较)，可以任意顺序并行归约
func (e Effects) Add(o Effects) Effects {
	return Effects{
		Action:   MaxAction(e.Action, o.Action),
		Tags:     unionOrdered(e.Tags, o.Tags),
		FlowSets: unionOrdered(e.FlowSets, o.FlowSets),
	}
}

// AddEffect 把单个Effect加到已有的Effects上
func (e Effects) AddEffect(effect Effect) Effects {
	return e.Add(EffectsFrom(effect))
}

// WithAction 设置动作
func (e Effects) WithAction(a Action) Effects {
	e.Action = a
	e.Tags = cloneStrings(e.Tags)
	e.FlowSets = cloneStrings(e.FlowSets)
	return e
}

// WithTags 追加标签
func (e Effects) WithTags(tags ...string) Effects {
	return Effects{Action: e.Action, Tags: unionOrdered(e.Tags, tags), FlowSets: cloneStrings(e.FlowSets)}
}

// WithFlowSets 追加流标记
func (e Effects) WithFlowSets(flows ...string) Effects {
	return Effects{Action: e.Action, Tags: cloneStrings(e.Tags), FlowSets: unionOrdered(e.FlowSets, flows)}
}

// Clone 深拷贝，调用方修改返回值不会影响规则
func (e Effects) Clone() Effects {
	return Effects{
		Action:   e.Action,
		Tags:     cloneStrings(e.Tags),
		FlowSets: cloneStrings(e.FlowSets),
	}
}

// IsEmpty 是否为单位元
func (e Effects) IsEmpty() bool {
	return !e.Action.IsSet() && len(e.Tags) == 0 && len(e.FlowSets) == 0
}

// Equal 动作精确比较，标签和流标记按集合比较
func (e Effects) Equal(o Effects) bool {
	return e.Action == o.Action && sameSet(e.Tags, o.Tags) && sameSet(e.FlowSets, o.FlowSets)
}

// String 以规则语言的形式输出效果列表
func (e Effects) String() string {
	parts := make([]string, 0, 3)
	if e.Action.IsSet() {
		parts = append(parts, e.Action.String())
	}
	if len(e.Tags) > 0 {
		parts = append(parts, "TAGS("+quoteList(e.Tags)+")")
	}
	if len(e.FlowSets) > 0 {
		parts = append(parts, "FLOWS("+quoteList(e.FlowSets)+")")
	}
	return strings.Join(parts, " ")
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = Quote(s)
	}
	return strings.Join(quoted, ", ")
}

// unionOrdered 返回a与b的并集，去重并保持首次出现的顺序，总是分配新切片
func unionOrdered(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func cloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func sameSet(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	other := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
		other[s] = struct{}{}
	}
	return len(set) == len(other)
}
