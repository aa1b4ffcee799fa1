package processor

import (
	ac "github.com/petar-dambovaliev/aho-corasick"

	"github.com/haolipeng/filter_engine/pkg/types"
)

// literalPrefilter 对规则集中所有纯字面量正则建立一个AC自动机
// 一次扫描负载即可确认哪些字面量出现过；未确认的字面量仍由正则判断，
// 因此预过滤只影响速度，不影响结果
type literalPrefilter struct {
	ac       *ac.AhoCorasick
	patterns []string
}

// newLiteralPrefilter 没有可用字面量时返回nil
func newLiteralPrefilter(rs *types.RuleSet) *literalPrefilter {
	seen := make(map[string]struct{})
	var patterns []string
	for i := 0; i < rs.Len(); i++ {
		for _, m := range rs.At(i).Matchers {
			rm, ok := m.(*types.RegexMatcher)
			if !ok {
				continue
			}
			lit, ok := rm.Literal()
			if !ok {
				continue
			}
			if _, dup := seen[lit]; dup {
				continue
			}
			seen[lit] = struct{}{}
			patterns = append(patterns, lit)
		}
	}
	if len(patterns) == 0 {
		return nil
	}

	builder := ac.NewAhoCorasickBuilder(ac.Opts{
		AsciiCaseInsensitive: false,
		MatchKind:            ac.LeftMostLongestMatch,
	})
	automaton := builder.Build(patterns)
	return &literalPrefilter{ac: &automaton, patterns: patterns}
}

// literalHits 一次扫描中确认出现的字面量
type literalHits map[string]struct{}

func (h literalHits) Seen(lit string) bool {
	_, ok := h[lit]
	return ok
}

// Scan 在负载上运行自动机
func (p *literalPrefilter) Scan(payload []byte) literalHits {
	if p == nil || len(payload) == 0 {
		return nil
	}
	matches := p.ac.FindAll(string(payload))
	if len(matches) == 0 {
		return nil
	}
	hits := make(literalHits, len(matches))
	for _, m := range matches {
		idx := m.Pattern()
		if idx >= 0 && idx < len(p.patterns) {
			hits[p.patterns[idx]] = struct{}{}
		}
	}
	return hits
}

// Len 自动机中的字面量数量
func (p *literalPrefilter) Len() int {
	if p == nil {
		return 0
	}
	return len(p.patterns)
}
