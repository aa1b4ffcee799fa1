package ruleEngine

import "strings"

// 解析器组合子
// 每个语法产生式都是一个 parser[T]: 输入剩余文本，返回新的位置、解析结果或者带位置的失败
// 失败分为可回溯(alt/opt/列表会尝试其他分支)和致命(cut之后，或者正则编译失败)

type input struct {
	src string
	pos int
}

func newInput(src string) input {
	return input{src: src}
}

func (in input) rest() string {
	return in.src[in.pos:]
}

func (in input) atEOF() bool {
	return in.pos >= len(in.src)
}

func (in input) advance(n int) input {
	return input{src: in.src, pos: in.pos + n}
}

// failure 解析失败的位置和原因
type failure struct {
	pos      int
	kind     ErrorKind
	expected []string
	context  []string
	cause    error
	fatal    bool
}

func expect(in input, what ...string) *failure {
	return &failure{pos: in.pos, kind: ErrUnexpectedToken, expected: what}
}

func fatalAt(in input, kind ErrorKind, cause error) *failure {
	return &failure{pos: in.pos, kind: kind, cause: cause, fatal: true}
}

// furthest 保留走得更远的失败，同一位置合并期望集合
func furthest(a, b *failure) *failure {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.pos > a.pos:
		return b
	case a.pos > b.pos:
		return a
	}
	merged := *a
	merged.expected = append(append([]string(nil), a.expected...), b.expected...)
	return &merged
}

type parser[T any] func(in input) (input, T, *failure)

type option[T any] struct {
	value T
	ok    bool
}

type pairOf[A, B any] struct {
	first  A
	second B
}

// tag 精确匹配字面量(大小写敏感)
func tag(lit string) parser[string] {
	return func(in input) (input, string, *failure) {
		if strings.HasPrefix(in.rest(), lit) {
			return in.advance(len(lit)), lit, nil
		}
		return in, "", expect(in, `"`+lit+`"`)
	}
}

// takeWhile 消费满足条件的字节，可以为空，不会失败
func takeWhile(pred func(byte) bool) parser[string] {
	return func(in input) (input, string, *failure) {
		rest := in.rest()
		n := 0
		for n < len(rest) && pred(rest[n]) {
			n++
		}
		return in.advance(n), rest[:n], nil
	}
}

// takeWhile1 至少消费一个字节
func takeWhile1(pred func(byte) bool, name string) parser[string] {
	inner := takeWhile(pred)
	return func(in input) (input, string, *failure) {
		next, s, _ := inner(in)
		if s == "" {
			return in, "", expect(in, name)
		}
		return next, s, nil
	}
}

func mapP[A, B any](p parser[A], f func(A) B) parser[B] {
	return func(in input) (input, B, *failure) {
		next, a, fail := p(in)
		if fail != nil {
			var zero B
			return in, zero, fail
		}
		return next, f(a), nil
	}
}

// mapRes 转换结果，转换失败是致命错误，位置指向该产生式的起点
func mapRes[A, B any](p parser[A], kind ErrorKind, f func(A) (B, error)) parser[B] {
	return func(in input) (input, B, *failure) {
		var zero B
		next, a, fail := p(in)
		if fail != nil {
			return in, zero, fail
		}
		b, err := f(a)
		if err != nil {
			return in, zero, fatalAt(in, kind, err)
		}
		return next, b, nil
	}
}

func opt[T any](p parser[T]) parser[option[T]] {
	return func(in input) (input, option[T], *failure) {
		next, v, fail := p(in)
		if fail != nil {
			if fail.fatal {
				return in, option[T]{}, fail
			}
			return in, option[T]{}, nil
		}
		return next, option[T]{value: v, ok: true}, nil
	}
}

func alt[T any](ps ...parser[T]) parser[T] {
	return func(in input) (input, T, *failure) {
		var best *failure
		for _, p := range ps {
			next, v, fail := p(in)
			if fail == nil {
				return next, v, nil
			}
			if fail.fatal {
				return in, v, fail
			}
			best = furthest(best, fail)
		}
		var zero T
		return in, zero, best
	}
}

func pair[A, B any](a parser[A], b parser[B]) parser[pairOf[A, B]] {
	return func(in input) (input, pairOf[A, B], *failure) {
		next, va, fail := a(in)
		if fail != nil {
			return in, pairOf[A, B]{}, fail
		}
		next, vb, fail := b(next)
		if fail != nil {
			return in, pairOf[A, B]{}, fail
		}
		return next, pairOf[A, B]{first: va, second: vb}, nil
	}
}

func preceded[A, B any](a parser[A], b parser[B]) parser[B] {
	return mapP(pair(a, b), func(p pairOf[A, B]) B { return p.second })
}

func terminated[A, B any](a parser[A], b parser[B]) parser[A] {
	return mapP(pair(a, b), func(p pairOf[A, B]) A { return p.first })
}

func delimited[A, B, C any](a parser[A], b parser[B], c parser[C]) parser[B] {
	return preceded(a, terminated(b, c))
}

// separatedList0 元素列表，可以为空；分隔符之后的元素失败时回退到分隔符之前
func separatedList0[T, S any](sep parser[S], elem parser[T]) parser[[]T] {
	return func(in input) (input, []T, *failure) {
		var out []T
		next, v, fail := elem(in)
		if fail != nil {
			if fail.fatal {
				return in, nil, fail
			}
			return in, out, nil
		}
		out = append(out, v)
		for {
			afterSep, _, fail := sep(next)
			if fail != nil {
				if fail.fatal {
					return in, nil, fail
				}
				return next, out, nil
			}
			afterElem, v, fail := elem(afterSep)
			if fail != nil {
				if fail.fatal {
					return in, nil, fail
				}
				return next, out, nil
			}
			if afterElem.pos == next.pos {
				// 防止空分隔符和空元素导致死循环
				return next, out, nil
			}
			out = append(out, v)
			next = afterElem
		}
	}
}

// separatedList1 至少一个元素
func separatedList1[T, S any](sep parser[S], elem parser[T]) parser[[]T] {
	list := separatedList0(sep, elem)
	return func(in input) (input, []T, *failure) {
		if _, _, fail := elem(in); fail != nil {
			return in, nil, fail
		}
		return list(in)
	}
}

// cut 之后的失败不再回溯，直接作为该规则的错误
func cut[T any](p parser[T]) parser[T] {
	return func(in input) (input, T, *failure) {
		next, v, fail := p(in)
		if fail != nil && !fail.fatal {
			f := *fail
			f.fatal = true
			return in, v, &f
		}
		return next, v, fail
	}
}

// withContext 为失败附加产生式名称，用于错误提示
func withContext[T any](label string, p parser[T]) parser[T] {
	return func(in input) (input, T, *failure) {
		next, v, fail := p(in)
		if fail != nil {
			f := *fail
			f.context = append(append([]string(nil), fail.context...), label)
			return in, v, &f
		}
		return next, v, nil
	}
}
