package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/haolipeng/filter_engine/pkg/flowbits"
	"github.com/haolipeng/filter_engine/pkg/processor"
	"github.com/haolipeng/filter_engine/pkg/ruleEngine"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/haolipeng/filter_engine/pkg/verdict"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 响应结构体
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

var ruleNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RuleService 规则服务
type RuleService struct {
	engine    *processor.Engine
	flows     *flowbits.Store
	policy    *verdict.Policy
	ruleDir   string
	extension string
	mu        sync.Mutex // 串行化规则文件的修改
}

func NewRuleService(cfg *config.Config, engine *processor.Engine, flows *flowbits.Store, policy *verdict.Policy) *RuleService {
	if flows == nil {
		flows = flowbits.NewStore()
	}
	ext := cfg.Rules.Extension
	if ext == "" {
		ext = ruleEngine.DefaultRuleExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &RuleService{
		engine:    engine,
		flows:     flows,
		policy:    policy,
		ruleDir:   cfg.Rules.Directory,
		extension: ext,
	}
}

// RuleTextRequest 规则文本请求体
type RuleTextRequest struct {
	Source string `json:"source"`
	Rules  string `json:"rules"`
}

// ValidateRule 检查规则文本能否解析，不修改当前规则集
func (rs *RuleService) ValidateRule(c echo.Context) error {
	var req RuleTextRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewInvalidRuleFormatError(err))
	}
	if req.Source == "" {
		req.Source = "<request>"
	}

	res := ruleEngine.Lint(req.Source, []byte(req.Rules))
	if !res.OK() {
		return HandleError(c, NewRuleValidationError(res.Err))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "规则验证通过",
		Data: map[string]interface{}{
			"source":     res.Source,
			"rule_count": res.RuleCount,
		},
	})
}

// EvaluateRequest 一次评估的输入，端口和方向按边界约定解析
type EvaluateRequest struct {
	Payload      string          `json:"payload"`      // base64
	PayloadText  string          `json:"payload_text"` // 与payload二选一
	OurPort      json.RawMessage `json:"our_port"`
	TheirPort    json.RawMessage `json:"their_port"`
	Direction    string          `json:"direction"`
	Flows        []string        `json:"flows"`
	ConnectionID string          `json:"connection_id"` // 非空时读取并记录该连接的流标记
	Close        bool            `json:"close"`         // 评估后清除该连接的流标记
}

// EffectsView Effects的JSON形式
type EffectsView struct {
	Action   string   `json:"action,omitempty"`
	Message  string   `json:"message,omitempty"`
	Tags     []string `json:"tags"`
	FlowSets []string `json:"flow_sets"`
}

func NewEffectsView(e types.Effects) EffectsView {
	v := EffectsView{
		Action:   e.Action.Kind.String(),
		Message:  e.Action.Message,
		Tags:     e.Tags,
		FlowSets: e.FlowSets,
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	if v.FlowSets == nil {
		v.FlowSets = []string{}
	}
	return v
}

// portField 端口既可以是JSON数字也可以是字符串
func portField(field string, raw json.RawMessage) (types.Port, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, types.NewBoundaryError(field, "", fmt.Errorf("required"))
	}
	return types.ParsePort(field, strings.Trim(string(raw), `"`))
}

func (req *EvaluateRequest) input() (types.Input, error) {
	var in types.Input
	var err error

	if in.OurPort, err = portField("our_port", req.OurPort); err != nil {
		return in, err
	}
	if in.TheirPort, err = portField("their_port", req.TheirPort); err != nil {
		return in, err
	}
	if in.Direction, err = types.ParseConnectionDirection(req.Direction); err != nil {
		return in, err
	}

	in.Payload = []byte(req.PayloadText)
	if req.Payload != "" {
		if in.Payload, err = base64.StdEncoding.DecodeString(req.Payload); err != nil {
			return in, types.NewBoundaryError("payload", req.Payload, err)
		}
	}
	return in, nil
}

// EvaluateRule 在当前规则集上评估一次输入，并给出最终处置
func (rs *RuleService) EvaluateRule(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewInvalidRuleFormatError(err))
	}

	in, err := req.input()
	if err != nil {
		return HandleError(c, err)
	}

	active := types.NewFlowSet(req.Flows...)
	if req.ConnectionID != "" {
		for name := range rs.flows.Active(req.ConnectionID) {
			active[name] = struct{}{}
		}
	}
	in.ActiveFlows = active

	effects := rs.engine.Evaluate(in)

	if req.ConnectionID != "" {
		if req.Close {
			rs.flows.Forget(req.ConnectionID)
		} else {
			rs.flows.Record(req.ConnectionID, effects)
		}
	}

	data := map[string]interface{}{
		"effects": NewEffectsView(effects),
	}
	if rs.policy != nil {
		decision, err := rs.policy.Decide(effects)
		if err != nil {
			return HandleError(c, NewInternalServerError(err))
		}
		data["decision"] = decision
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "评估完成",
		Data:    data,
	})
}

// GetRules 返回当前生效的规则集
func (rs *RuleService) GetRules(c echo.Context) error {
	set := rs.engine.RuleSet()
	rules := make([]string, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		rules = append(rules, set.At(i).String())
	}

	logrus.WithFields(logrus.Fields{
		"rule_count": len(rules),
		"operation":  "get_rules",
	}).Debug("获取当前规则集")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则成功",
		Data: map[string]interface{}{
			"info":  rs.engine.Info(),
			"rules": rules,
		},
	})
}

// ReloadRules 重新加载规则目录，失败时保留当前规则集
func (rs *RuleService) ReloadRules(c echo.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.engine.ReloadDirectory(rs.ruleDir, rs.extension); err != nil {
		return HandleError(c, err)
	}
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "重新加载规则成功",
		Data:    rs.engine.Info(),
	})
}

// RuleFileView 规则文件概要
type RuleFileView struct {
	Name      string `json:"name"`
	RuleCount int    `json:"rule_count"`
	Rules     string `json:"rules,omitempty"`
}

// GetRuleConfigs 列出规则目录下的规则文件
func (rs *RuleService) GetRuleConfigs(c echo.Context) error {
	files, err := ruleEngine.RuleFiles(rs.ruleDir, rs.extension)
	if err != nil {
		return HandleError(c, NewInternalServerError(err))
	}

	views := make([]RuleFileView, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return HandleError(c, NewInternalServerError(err))
		}
		res := ruleEngine.Lint(path, data)
		views = append(views, RuleFileView{
			Name:      strings.TrimSuffix(filepath.Base(path), rs.extension),
			RuleCount: res.RuleCount,
		})
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则文件成功",
		Data:    views,
	})
}

func (rs *RuleService) rulePath(c echo.Context) (string, string, error) {
	name := c.Param("name")
	if !ruleNamePattern.MatchString(name) {
		return "", "", NewInvalidRuleNameError(name)
	}
	return name, filepath.Join(rs.ruleDir, name+rs.extension), nil
}

// GetRuleConfig 获取单个规则文件的内容
func (rs *RuleService) GetRuleConfig(c echo.Context) error {
	name, path, err := rs.rulePath(c)
	if err != nil {
		return HandleError(c, err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return HandleError(c, NewRuleNotFoundError(name))
	}
	if err != nil {
		return HandleError(c, NewInternalServerError(err))
	}

	res := ruleEngine.Lint(path, data)
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则文件成功",
		Data:    RuleFileView{Name: name, RuleCount: res.RuleCount, Rules: string(data)},
	})
}

// CreateRule 新建规则文件并重新加载
func (rs *RuleService) CreateRule(c echo.Context) error {
	return rs.writeRule(c, false)
}

// UpdateRule 覆盖已有规则文件并重新加载
func (rs *RuleService) UpdateRule(c echo.Context) error {
	return rs.writeRule(c, true)
}

func (rs *RuleService) writeRule(c echo.Context, update bool) error {
	name, path, err := rs.rulePath(c)
	if err != nil {
		return HandleError(c, err)
	}

	var req RuleTextRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewInvalidRuleFormatError(err))
	}

	res := ruleEngine.Lint(name+rs.extension, []byte(req.Rules))
	if !res.OK() {
		return HandleError(c, NewRuleValidationError(res.Err))
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	previous, readErr := os.ReadFile(path)
	exists := readErr == nil
	switch {
	case update && !exists:
		return HandleError(c, NewRuleNotFoundError(name))
	case !update && exists:
		return HandleError(c, NewRuleAlreadyExistsError(name))
	}

	if err := os.WriteFile(path, []byte(req.Rules), 0o644); err != nil {
		return HandleError(c, NewInternalServerError(fmt.Errorf("保存规则文件失败: %w", err)))
	}

	if err := rs.engine.ReloadDirectory(rs.ruleDir, rs.extension); err != nil {
		// 恢复原文件，引擎仍使用旧规则集
		if exists {
			_ = os.WriteFile(path, previous, 0o644)
		} else {
			_ = os.Remove(path)
		}
		logrus.WithFields(logrus.Fields{
			"rule_file": name,
			"error":     err.Error(),
		}).Warn("重新加载规则引擎失败")
		return HandleError(c, err)
	}

	operation, code, message := "create", http.StatusCreated, "创建规则成功"
	if update {
		operation, code, message = "update", http.StatusOK, "更新规则成功"
	}
	logrus.WithFields(logrus.Fields{
		"rule_file":  name,
		"rule_count": res.RuleCount,
		"operation":  operation,
	}).Info("规则文件已保存")

	return c.JSON(code, Response{
		Code:    code,
		Message: message,
		Data:    RuleFileView{Name: name, RuleCount: res.RuleCount},
	})
}

// DeleteRule 删除规则文件并重新加载
func (rs *RuleService) DeleteRule(c echo.Context) error {
	name, path, err := rs.rulePath(c)
	if err != nil {
		return HandleError(c, err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	previous, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return HandleError(c, NewRuleNotFoundError(name))
	}
	if err != nil {
		return HandleError(c, NewInternalServerError(err))
	}

	if err := os.Remove(path); err != nil {
		return HandleError(c, NewInternalServerError(fmt.Errorf("删除规则文件失败: %w", err)))
	}
	if err := rs.engine.ReloadDirectory(rs.ruleDir, rs.extension); err != nil {
		_ = os.WriteFile(path, previous, 0o644)
		return HandleError(c, err)
	}

	logrus.WithFields(logrus.Fields{
		"rule_file": name,
		"operation": "delete",
	}).Info("规则文件已删除")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "删除规则成功",
	})
}

// ValidateEscalation 检查处置策略表达式
func (rs *RuleService) ValidateEscalation(c echo.Context) error {
	var req struct {
		Expression string `json:"expression"`
	}
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewInvalidRuleFormatError(err))
	}
	if err := verdict.ValidateExpression(req.Expression); err != nil {
		return HandleError(c, NewRuleValidationError(err))
	}
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "表达式验证通过",
	})
}
