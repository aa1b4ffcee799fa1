package processor

import (
	"golang.org/x/sync/errgroup"

	"github.com/haolipeng/filter_engine/pkg/types"
)

// Evaluate 把规则集中的每条规则应用到输入上，并把命中规则的Effects合并为一个结果
// 没有规则命中时返回空Effects(没有动作)，默认处置由调用方决定
func Evaluate(rs *types.RuleSet, in types.Input) types.Effects {
	effects, _ := foldRange(rs, in, 0, rs.Len())
	return effects
}

// EvaluateParallel 与 Evaluate 结果相同，规则被切成连续的块并发评估
// 合并运算满足交换律和结合律，各块的结果按块顺序合并，标签顺序与顺序评估一致
func EvaluateParallel(rs *types.RuleSet, in types.Input, workers int) types.Effects {
	effects, _ := foldParallel(rs, in, workers)
	return effects
}

// foldRange 顺序折叠 [from, to) 区间的规则，同时返回命中数量
func foldRange(rs *types.RuleSet, in types.Input, from, to int) (types.Effects, int) {
	acc := types.EmptyEffects()
	matched := 0
	for i := from; i < to; i++ {
		if e, ok := rs.At(i).Apply(in); ok {
			acc = acc.Add(e)
			matched++
		}
	}
	return acc, matched
}

type partial struct {
	effects types.Effects
	matched int
}

func foldParallel(rs *types.RuleSet, in types.Input, workers int) (types.Effects, int) {
	n := rs.Len()
	if workers <= 1 || n < 2 {
		return foldRange(rs, in, 0, n)
	}
	if workers > n {
		workers = n
	}

	chunk := (n + workers - 1) / workers
	parts := make([]partial, (n+chunk-1)/chunk)

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range parts {
		from := i * chunk
		to := min(from+chunk, n)
		g.Go(func() error {
			e, m := foldRange(rs, in, from, to)
			parts[i] = partial{effects: e, matched: m}
			return nil
		})
	}
	// 规则评估不会失败
	_ = g.Wait()

	acc := types.EmptyEffects()
	matched := 0
	for _, p := range parts {
		acc = acc.Add(p.effects)
		matched += p.matched
	}
	return acc, matched
}
