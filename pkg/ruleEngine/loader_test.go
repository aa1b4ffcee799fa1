package ruleEngine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRuleFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadRulesFromDirectory 测试从目录加载规则
func TestLoadRulesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "20-web.rls", "# web\nALERT TAGS(\"web\") : IN(80) : \"admin\";\n")
	writeRuleFile(t, dir, "10-base.rls", "ACCEPT : IN :;\nDROP(\"blocked\") : OUT(,25) :;\n")
	writeRuleFile(t, dir, ".hidden.rls", "this is not a rule")
	writeRuleFile(t, dir, "notes.txt", "not a rule either")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.rls"), 0o755))

	loader := NewRuleLoader("")
	require.NoError(t, loader.LoadRulesFromDirectory(dir))

	assert.Equal(t, []string{filepath.Join(dir, "10-base.rls"), filepath.Join(dir, "20-web.rls")}, loader.Sources())

	rs := loader.RuleSet()
	require.Equal(t, 3, rs.Len())
	assert.Equal(t, types.ActionAccept, rs.At(0).Effects.Action.Kind)
	assert.Equal(t, types.Drop("blocked"), rs.At(1).Effects.Action)
	assert.Equal(t, []string{"web"}, rs.At(2).Effects.Tags)
}

func TestLoadRulesFromDirectoryFailsClosed(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "a.rls", "ACCEPT : IN :;")
	bad := writeRuleFile(t, dir, "b.rls", "ACCEPT : IN :;\nNOPE : IN :;")

	loader := NewRuleLoader(".rls")
	err := loader.LoadRulesFromDirectory(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), bad), err.Error())

	var rse *RuleSetError
	require.True(t, errors.As(err, &rse))
	assert.Equal(t, 2, rse.Errors[0].RuleLine)

	assert.Empty(t, loader.Sources())
	assert.Equal(t, 0, loader.RuleSet().Len())
}

func TestLoadRuleFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "custom.rules", `ALERT : OUT : "x";`)

	loader := NewRuleLoader("rules")
	require.NoError(t, loader.LoadRuleFromFile(path))
	assert.Equal(t, 1, loader.RuleSet().Len())

	err := loader.LoadRuleFromFile(filepath.Join(dir, "missing.rules"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	files, err := RuleFiles(dir, ".rules")
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestLoadFromReader(t *testing.T) {
	loader := NewRuleLoader("")
	require.NoError(t, loader.LoadFromReader("<stdin>", strings.NewReader("ACCEPT : IN : \"a\";")))
	require.NoError(t, loader.LoadFromReader("<extra>", strings.NewReader("DROP : IN : \"b\";")))
	assert.Equal(t, []string{"<stdin>", "<extra>"}, loader.Sources())
	assert.Equal(t, 2, loader.RuleSet().Len())

	err := loader.LoadFromReader("<broken>", strings.NewReader("DROP : IN : \"b\""))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "<broken>: Error parsing rules:"))
	assert.Len(t, loader.Sources(), 2)
}

func TestLintFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeRuleFile(t, dir, "good.rls", "ACCEPT : IN :;\nALERT : OUT : \"x\";")
	bad := writeRuleFile(t, dir, "bad.rls", "ALERT : OUT : \"(\";")

	results, err := LintFiles(good, bad, filepath.Join(dir, "missing.rls"))
	require.Error(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.Equal(t, 2, results[0].RuleCount)
	assert.False(t, results[1].OK())
	var pe *ParseError
	require.True(t, errors.As(results[1].Err, &pe))
	assert.Equal(t, ErrInvalidRegex, pe.Kind)
	assert.False(t, results[2].OK())

	res := Lint("<stdin>", []byte("# only comments\n"))
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.RuleCount)
}
