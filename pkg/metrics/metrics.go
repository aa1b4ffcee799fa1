package metrics

import (
	"sync/atomic"
	"time"
)

// ProcessorMetrics 流水线处理器的计数器
type ProcessorMetrics struct {
	ProcessedPackets uint64
	DroppedPackets   uint64
	ProcessingTime   uint64 // 纳秒
	RuleMatched      uint64 // 至少命中一条规则的数据包
	DecodeErrors     uint64
}

func (m *ProcessorMetrics) IncrementProcessed() {
	atomic.AddUint64(&m.ProcessedPackets, 1)
}

func (m *ProcessorMetrics) IncrementDropped() {
	atomic.AddUint64(&m.DroppedPackets, 1)
}

func (m *ProcessorMetrics) IncrementRuleMatched() {
	atomic.AddUint64(&m.RuleMatched, 1)
}

func (m *ProcessorMetrics) IncrementDecodeErrors() {
	atomic.AddUint64(&m.DecodeErrors, 1)
}

func (m *ProcessorMetrics) AddProcessingTime(duration time.Duration) {
	atomic.AddUint64(&m.ProcessingTime, uint64(duration.Nanoseconds()))
}

// GetStats 以map形式返回当前计数
func (m *ProcessorMetrics) GetStats() map[string]interface{} {
	processed := atomic.LoadUint64(&m.ProcessedPackets)
	return map[string]interface{}{
		"processed_packets": processed,
		"dropped_packets":   atomic.LoadUint64(&m.DroppedPackets),
		"processing_time":   atomic.LoadUint64(&m.ProcessingTime),
		"rule_matched":      atomic.LoadUint64(&m.RuleMatched),
		"decode_errors":     atomic.LoadUint64(&m.DecodeErrors),
		"avg_process_time":  float64(atomic.LoadUint64(&m.ProcessingTime)) / float64(processed+1),
	}
}

type SourceMetrics struct {
	PacketsCaptured uint64
	PacketsDropped  uint64
	BytesProcessed  uint64
	ErrorCount      uint64
}

func (m *SourceMetrics) IncrementErrorCount() {
	atomic.AddUint64(&m.ErrorCount, 1)
}

// IncrementPacketsCaptured 增加捕获的数据包计数
func (m *SourceMetrics) IncrementPacketsCaptured() {
	atomic.AddUint64(&m.PacketsCaptured, 1)
}

// AddBytesProcessed 增加处理的字节数
func (m *SourceMetrics) AddBytesProcessed(bytes uint64) {
	atomic.AddUint64(&m.BytesProcessed, bytes)
}

type SinkMetrics struct {
	DecisionsWritten uint64
	WriteErrors      uint64
	BytesWritten     uint64
}

func (m *SinkMetrics) IncrementWritten(bytes int) {
	atomic.AddUint64(&m.DecisionsWritten, 1)
	atomic.AddUint64(&m.BytesWritten, uint64(bytes))
}

func (m *SinkMetrics) IncrementWriteErrors() {
	atomic.AddUint64(&m.WriteErrors, 1)
}
