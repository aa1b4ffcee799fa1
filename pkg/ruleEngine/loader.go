package ruleEngine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultRuleExtension 规则文件的默认扩展名
const DefaultRuleExtension = ".rls"

// ruleSource 一个已解析的规则来源(文件或reader)
type ruleSource struct {
	name  string
	rules *types.RuleSet
}

// RuleLoader 负责加载规则文件
// 每个来源独立解析，任意来源失败时本次加载不生效
type RuleLoader struct {
	extension string
	sources   []ruleSource
}

// NewRuleLoader 创建一个新的规则加载器，extension为空时使用 .rls
func NewRuleLoader(extension string) *RuleLoader {
	if extension == "" {
		extension = DefaultRuleExtension
	}
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return &RuleLoader{extension: extension}
}

// LoadRuleFromFile 从文件加载规则
func (rl *RuleLoader) LoadRuleFromFile(filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("读取规则文件失败: %w", err)
	}
	defer f.Close()
	return rl.LoadFromReader(filePath, f)
}

// LoadFromReader 从reader加载规则，name用于错误信息和日志
func (rl *RuleLoader) LoadFromReader(name string, r io.Reader) error {
	rs, err := readRuleSet(name, r)
	if err != nil {
		return err
	}
	rl.sources = append(rl.sources, ruleSource{name: name, rules: rs})
	logrus.WithFields(logrus.Fields{
		"source":     name,
		"rule_count": rs.Len(),
	}).Debug("规则加载完成")
	return nil
}

// LoadRulesFromDirectory 按文件名顺序加载目录下所有规则文件，跳过隐藏文件和子目录
// 所有文件的错误会一起返回，此时已加载的来源不变
func (rl *RuleLoader) LoadRulesFromDirectory(dirPath string) error {
	files, err := RuleFiles(dirPath, rl.extension)
	if err != nil {
		return err
	}

	loaded := make([]ruleSource, 0, len(files))
	var errs []error
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("读取规则文件失败: %w", err))
			continue
		}
		rs, err := readRuleSet(path, f)
		f.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, ruleSource{name: path, rules: rs})
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	rl.sources = append(rl.sources, loaded...)
	logrus.WithFields(logrus.Fields{
		"directory":  dirPath,
		"file_count": len(loaded),
		"rule_count": countRules(loaded),
	}).Info("规则目录加载完成")
	return nil
}

// Sources 已加载的来源名称，按加载顺序
func (rl *RuleLoader) Sources() []string {
	names := make([]string, len(rl.sources))
	for i, s := range rl.sources {
		names[i] = s.name
	}
	return names
}

// RuleSet 按加载顺序合并所有来源的规则
func (rl *RuleLoader) RuleSet() *types.RuleSet {
	var rules []types.Rule
	for _, s := range rl.sources {
		rules = append(rules, s.rules.Rules()...)
	}
	return types.NewRuleSet(rules)
}

// RuleFiles 列出目录下指定扩展名的规则文件，按文件名排序
func RuleFiles(dirPath, extension string) ([]string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if filepath.Ext(name) != extension {
			continue
		}
		files = append(files, filepath.Join(dirPath, name))
	}
	sort.Strings(files)
	return files, nil
}

// LoadDirectory 便捷函数: 加载目录并返回合并后的规则集
func LoadDirectory(dirPath, extension string) (*types.RuleSet, error) {
	loader := NewRuleLoader(extension)
	if err := loader.LoadRulesFromDirectory(dirPath); err != nil {
		return nil, err
	}
	return loader.RuleSet(), nil
}

func readRuleSet(name string, r io.Reader) (*types.RuleSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: 读取规则失败: %w", name, err)
	}
	rs, err := ParseRuleset(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return rs, nil
}

func countRules(sources []ruleSource) int {
	n := 0
	for _, s := range sources {
		n += s.rules.Len()
	}
	return n
}
