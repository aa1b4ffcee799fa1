package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Port 端口号
type Port = uint16

// ConnectionDirection 一次观测到的数据交换的实际方向，由调用方提供
type ConnectionDirection uint8

const (
	InBound ConnectionDirection = iota + 1
	OutBound
)

func (d ConnectionDirection) String() string {
	switch d {
	case InBound:
		return "IN"
	case OutBound:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// ParseConnectionDirection 解析边界层传入的方向标记
// 支持 IN/OUT 以及 inbound/outbound，大小写不敏感
func ParseConnectionDirection(token string) (ConnectionDirection, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "in", "inbound":
		return InBound, nil
	case "out", "outbound":
		return OutBound, nil
	default:
		return 0, NewBoundaryError("direction", token, fmt.Errorf("expected IN or OUT"))
	}
}

// ParsePort 解析边界层传入的端口字段
func ParsePort(field, value string) (Port, error) {
	p, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil {
		return 0, NewBoundaryError(field, value, err)
	}
	return Port(p), nil
}

// RulePort 规则中的端口约束，零值表示匹配所有端口
type RulePort struct {
	Specific bool
	Port     Port
}

// AllPorts 通配端口
func AllPorts() RulePort {
	return RulePort{}
}

// SpecificPort 指定端口
func SpecificPort(p Port) RulePort {
	return RulePort{Specific: true, Port: p}
}

// Matches 通配或者与给定端口相等
func (rp RulePort) Matches(p Port) bool {
	return !rp.Specific || rp.Port == p
}

func (rp RulePort) String() string {
	if !rp.Specific {
		return ""
	}
	return strconv.FormatUint(uint64(rp.Port), 10)
}

// RulePorts 本端端口和对端端口的约束
type RulePorts struct {
	Ours   RulePort
	Theirs RulePort
}

// Direction 规则适用的方向及其端口约束
type Direction struct {
	Way   ConnectionDirection
	Ports RulePorts
}

// InBoundDirection 入方向规则
func InBoundDirection(ports RulePorts) Direction {
	return Direction{Way: InBound, Ports: ports}
}

// OutBoundDirection 出方向规则
func OutBoundDirection(ports RulePorts) Direction {
	return Direction{Way: OutBound, Ports: ports}
}

// Allows 方向门和端口门，方向不一致时不检查端口
func (d Direction) Allows(way ConnectionDirection, ourPort, theirPort Port) bool {
	if d.Way != way {
		return false
	}
	return d.Ports.Ours.Matches(ourPort) && d.Ports.Theirs.Matches(theirPort)
}

// String 以规则语言的形式输出，例如 IN、IN(443)、OUT(,8080)
func (d Direction) String() string {
	ours, theirs := d.Ports.Ours, d.Ports.Theirs
	switch {
	case !ours.Specific && !theirs.Specific:
		return d.Way.String()
	case !theirs.Specific:
		return fmt.Sprintf("%s(%s)", d.Way, ours)
	default:
		return fmt.Sprintf("%s(%s,%s)", d.Way, ours, theirs)
	}
}
