package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/haolipeng/filter_engine/pkg/ruleEngine"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternalServerError = http.StatusInternalServerError // 服务器内部错误
	ErrCodeBadRequest          = http.StatusBadRequest          // 请求参数错误
	ErrCodeNotFound            = http.StatusNotFound            // 资源不存在
	ErrCodeConflict            = http.StatusConflict            // 资源冲突

	// 规则相关错误
	ErrCodeRuleNotFound       = http.StatusNotFound   // 规则文件不存在
	ErrCodeRuleAlreadyExists  = http.StatusConflict   // 规则文件已存在
	ErrCodeInvalidRuleFormat  = http.StatusBadRequest // 请求体格式无效
	ErrCodeRuleValidationFail = http.StatusBadRequest // 规则解析失败
)

// RuleError 自定义规则错误类型
type RuleError struct {
	Code    int         // HTTP 状态码
	Message string      // 错误消息
	Err     error       // 原始错误
	Data    interface{} // 附加数据（可选）
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

func NewRuleError(code int, message string, err error) *RuleError {
	return &RuleError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewRuleNotFoundError(name string) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleNotFound,
		Message: fmt.Sprintf("规则文件 %s 不存在", name),
	}
}

func NewRuleAlreadyExistsError(name string) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleAlreadyExists,
		Message: fmt.Sprintf("规则文件 %s 已存在", name),
	}
}

func NewInvalidRuleNameError(name string) *RuleError {
	return &RuleError{
		Code:    ErrCodeBadRequest,
		Message: fmt.Sprintf("规则文件名 %q 无效，只允许字母、数字、下划线和短横线", name),
	}
}

func NewInvalidRuleFormatError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInvalidRuleFormat,
		Message: "请求格式无效",
		Err:     err,
	}
}

func NewRuleValidationError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleValidationFail,
		Message: "规则验证失败",
		Err:     err,
	}
}

func NewInternalServerError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInternalServerError,
		Message: "服务器内部错误",
		Err:     err,
	}
}

// ParseErrorDetail 单条规则的解析错误
type ParseErrorDetail struct {
	Kind    string `json:"kind"`
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func parseErrorDetails(rse *ruleEngine.RuleSetError) []ParseErrorDetail {
	details := make([]ParseErrorDetail, 0, len(rse.Errors))
	for _, pe := range rse.Errors {
		details = append(details, ParseErrorDetail{
			Kind:    pe.Kind.String(),
			Rule:    pe.Rule,
			Line:    pe.Line,
			Column:  pe.Column,
			Message: pe.Error(),
		})
	}
	return details
}

// HandleError 统一错误处理函数
// 规则解析错误和调用方参数错误返回400，其余返回500
func HandleError(c echo.Context, err error) error {
	logrus.WithFields(logrus.Fields{
		"error":      err.Error(),
		"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
		"path":       c.Request().URL.Path,
		"method":     c.Request().Method,
	}).Error("API 错误")

	var (
		rse     *ruleEngine.RuleSetError
		be      *types.BoundaryError
		ruleErr *RuleError
		resp    Response
	)
	switch {
	case errors.As(err, &rse):
		resp = Response{
			Code:    ErrCodeRuleValidationFail,
			Message: "规则验证失败",
			Data:    map[string]interface{}{"errors": parseErrorDetails(rse)},
		}
	case errors.As(err, &be):
		resp = Response{Code: ErrCodeBadRequest, Message: be.Error()}
	case errors.As(err, &ruleErr):
		resp = Response{Code: ruleErr.Code, Message: ruleErr.Message, Data: ruleErr.Data}
		if resp.Data == nil && ruleErr.Err != nil && ruleErr.Code < http.StatusInternalServerError {
			resp.Data = map[string]string{"error_detail": ruleErr.Err.Error()}
		}
	default:
		resp = Response{Code: ErrCodeInternalServerError, Message: "服务器内部错误"}
	}

	return c.JSON(resp.Code, resp)
}
