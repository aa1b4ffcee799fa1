package types

import (
	"errors"
	"fmt"
)

var ErrProcessorNotReady = errors.New("processor not ready")

type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(stage string, err error) error {
	return &PipelineError{Stage: stage, Err: err}
}

// BoundaryError 调用方传入的值违反约定(例如方向标记或端口字段无法解析)
// 由边界适配层返回，规则解析器不会产生此类错误
type BoundaryError struct {
	Field string
	Value string
	Err   error
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *BoundaryError) Unwrap() error {
	return e.Err
}

func NewBoundaryError(field, value string, err error) error {
	return &BoundaryError{Field: field, Value: value, Err: err}
}
