package ruleEngine

import (
	"errors"
	"os"
)

// LintResult 一个来源的检查结果
type LintResult struct {
	Source    string
	RuleCount int
	Err       error
}

// OK 来源中的规则全部合法
func (r LintResult) OK() bool {
	return r.Err == nil
}

// Lint 检查规则文本是否合法，不构造引擎
func Lint(source string, text []byte) LintResult {
	rs, err := ParseRuleset(string(text))
	if err != nil {
		return LintResult{Source: source, Err: err}
	}
	return LintResult{Source: source, RuleCount: rs.Len()}
}

// LintFiles 逐个检查文件，返回每个文件的结果以及合并后的错误
func LintFiles(paths ...string) ([]LintResult, error) {
	results := make([]LintResult, 0, len(paths))
	var errs []error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			res := LintResult{Source: path, Err: err}
			results = append(results, res)
			errs = append(errs, err)
			continue
		}
		res := Lint(path, data)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}
