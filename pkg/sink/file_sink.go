package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/sirupsen/logrus"
)

// DecisionRecord 每个数据包输出一行JSON
type DecisionRecord struct {
	ID          string    `json:"id"`
	PacketID    string    `json:"packet_id"`
	Time        time.Time `json:"time"`
	Protocol    string    `json:"protocol"`
	SrcIP       string    `json:"src_ip,omitempty"`
	SrcPort     uint16    `json:"src_port"`
	DstIP       string    `json:"dst_ip,omitempty"`
	DstPort     uint16    `json:"dst_port"`
	Direction   string    `json:"direction"`
	Verdict     string    `json:"verdict,omitempty"`
	Message     string    `json:"message,omitempty"`
	Explicit    bool      `json:"explicit"`
	Tags        []string  `json:"tags"`
	FlowSets    []string  `json:"flow_sets"`
	Escalations []string  `json:"escalations,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NewDecisionRecord 把数据包和处置结论转换为输出记录
func NewDecisionRecord(packet *types.Packet) DecisionRecord {
	rec := DecisionRecord{
		PacketID:  packet.ID,
		Time:      time.Unix(0, packet.Timestamp).UTC(),
		Protocol:  packet.Protocol,
		SrcPort:   packet.SrcPort,
		DstPort:   packet.DstPort,
		Direction: packet.Direction.String(),
		Tags:      []string{},
		FlowSets:  []string{},
	}
	if packet.SrcIP != nil {
		rec.SrcIP = packet.SrcIP.String()
	}
	if packet.DstIP != nil {
		rec.DstIP = packet.DstIP.String()
	}
	if d := packet.Decision; d != nil {
		rec.ID = d.ID
		rec.Verdict = d.VerdictName
		rec.Message = d.Message
		rec.Explicit = d.Explicit
		rec.Tags = d.Tags
		rec.FlowSets = d.FlowSets
		rec.Escalations = d.Escalations
	}
	if packet.Error != nil {
		rec.Error = packet.Error.Error()
	}
	return rec
}

// DecisionSink 以JSON Lines格式写出处置结论
// 输出到文件时超过大小限制会切换到新文件
type DecisionSink struct {
	baseFilename  string // 为空表示写入外部提供的writer
	maxFileSize   int64
	currentSize   int64
	fileIndex     int
	curFileName   string
	file          *os.File
	writer        *bufio.Writer
	alertEndpoint string
	client        *http.Client
	stats         *metrics.SinkMetrics
	mu            sync.Mutex
	ready         chan struct{}
}

func NewDecisionSink(cfg *config.Config) (*DecisionSink, error) {
	s := &DecisionSink{
		baseFilename:  cfg.Output.Filename,
		maxFileSize:   cfg.Output.MaxFileSize,
		fileIndex:     1,
		alertEndpoint: cfg.Output.AlertEndpoint,
		client:        &http.Client{Timeout: 5 * time.Second},
		stats:         &metrics.SinkMetrics{},
		ready:         make(chan struct{}),
	}
	if err := s.openFile(s.baseFilename); err != nil {
		return nil, err
	}
	return s, nil
}

// NewDecisionWriterSink 写入任意writer(例如标准输出)，不做文件切换
func NewDecisionWriterSink(w io.Writer) *DecisionSink {
	return &DecisionSink{
		writer: bufio.NewWriter(w),
		client: &http.Client{Timeout: 5 * time.Second},
		stats:  &metrics.SinkMetrics{},
		ready:  make(chan struct{}),
	}
}

// SetAlertEndpoint ALERT和DROP结论额外以JSON POST到该地址
func (s *DecisionSink) SetAlertEndpoint(endpoint string) {
	s.alertEndpoint = endpoint
}

func (s *DecisionSink) openFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create decision file %s: %w", filename, err)
	}
	if s.file != nil {
		if err := s.writer.Flush(); err != nil {
			logrus.Errorf("Failed to flush previous decision file: %v", err)
		}
		if err := s.file.Close(); err != nil {
			logrus.Errorf("Failed to close previous decision file: %v", err)
		}
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.curFileName = filename
	s.currentSize = 0
	logrus.Infof("Writing decisions to %s", filename)
	return nil
}

// rotate 生成文件名：decisions.json.20240318_153000.1
func (s *DecisionSink) rotate() error {
	name := fmt.Sprintf("%s.%s.%d", s.baseFilename, time.Now().Format("20060102_150405"), s.fileIndex)
	s.fileIndex++
	return s.openFile(name)
}

func (s *DecisionSink) write(packet *types.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(NewDecisionRecord(packet))
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if s.file != nil && s.maxFileSize > 0 && s.currentSize+int64(len(line)) > s.maxFileSize && s.currentSize > 0 {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	n, err := s.writer.Write(line)
	s.currentSize += int64(n)
	if err != nil {
		return err
	}
	s.stats.IncrementWritten(n)
	return nil
}

func (s *DecisionSink) Consume(ctx context.Context, in <-chan *types.Packet) error {
	logrus.Info("Starting decision sink consumer")
	defer func() {
		if err := s.Close(); err != nil {
			logrus.Errorf("Failed to close decision sink: %v", err)
		}
		logrus.Info("Decision sink consumer stopped")
	}()

	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Decision sink received context cancellation")
			return nil
		case packet, ok := <-in:
			if !ok {
				logrus.Debug("Decision sink input channel closed")
				return nil
			}
			if err := s.write(packet); err != nil {
				s.stats.IncrementWriteErrors()
				logrus.Errorf("Failed to write decision: %v", err)
				continue
			}
			if d := packet.Decision; d != nil && d.Verdict >= types.ActionAlert {
				s.sendAlert(packet)
			}
		}
	}
}

// Close 刷新缓冲并关闭当前文件
func (s *DecisionSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *DecisionSink) Ready() <-chan struct{} {
	return s.ready
}

func (s *DecisionSink) GetStats() *metrics.SinkMetrics {
	return s.stats
}

// CurrentFile 当前写入的文件名
func (s *DecisionSink) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curFileName
}

func (s *DecisionSink) sendAlert(packet *types.Packet) {
	rec := NewDecisionRecord(packet)
	logrus.WithFields(logrus.Fields{
		"decision_id": rec.ID,
		"packet_id":   rec.PacketID,
		"verdict":     rec.Verdict,
		"message":     rec.Message,
		"tags":        rec.Tags,
	}).Warn("告警信息")

	if s.alertEndpoint == "" {
		return
	}

	jsonData, err := json.Marshal(rec)
	if err != nil {
		logrus.Errorf("Failed to marshal alert info: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.alertEndpoint, bytes.NewReader(jsonData))
	if err != nil {
		logrus.Errorf("Failed to create HTTP request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		logrus.Errorf("Failed to send alert: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logrus.Errorf("Alert server returned non-200 status code: %d", resp.StatusCode)
		return
	}
	logrus.Debugf("Alert successfully sent to %s", s.alertEndpoint)
}
