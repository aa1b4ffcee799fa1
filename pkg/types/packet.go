package types

import "net"

// Packet 表示处理流水线中传递的数据包
type Packet struct {
	ID        string
	Timestamp int64
	RawData   []byte
	Protocol  string
	Error     error

	// 解码阶段填充
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   Port
	DstPort   Port
	Payload   []byte
	ConnKey   string              // 连接标识，用于流标记存储
	Direction ConnectionDirection // 相对于本端的方向
	OurPort   Port
	TheirPort Port
	// ConnClosed 连接在本包后结束(FIN/RST)，流标记随之清除
	ConnClosed bool

	Effects  Effects   // 规则引擎的合并结果
	Decision *Decision // 处置策略的最终结论
}

// Decision 边界层根据Effects和默认策略得出的最终处置
type Decision struct {
	ID          string     `json:"id"`
	Verdict     ActionKind `json:"-"`
	VerdictName string     `json:"verdict"`
	Message     string     `json:"message,omitempty"`
	Explicit    bool       `json:"explicit"` // 是否由规则显式给出动作
	Tags        []string   `json:"tags"`
	FlowSets    []string   `json:"flow_sets"`
	Escalations []string   `json:"escalations,omitempty"`
}

// Stage 表示处理阶段的状态
type Stage int

const (
	StagePayloadDecoding     Stage = iota + 1 //负载解码
	StageRuleEngineDetection                  //规则引擎检测
	StageVerdictPolicy                        //处置策略
)
