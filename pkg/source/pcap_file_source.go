package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrFilterUnsupported 纯Go的pcap读取器不能编译BPF表达式
var ErrFilterUnsupported = errors.New("BPF filters are not supported when replaying capture files")

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapFileSource 回放pcap/pcapng文件中的数据包
type PcapFileSource struct {
	file     *os.File
	reader   packetReader
	output   chan *types.Packet
	done     chan struct{}
	stats    *metrics.SourceMetrics
	filename string
}

func NewPcapFileSource(filename string, bufferSize int) (*PcapFileSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}

	reader, err := openReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap file %s: %w", filename, err)
	}

	return &PcapFileSource{
		file:     f,
		reader:   reader,
		output:   make(chan *types.Packet, bufferSize),
		done:     make(chan struct{}),
		filename: filename,
		stats:    &metrics.SourceMetrics{},
	}, nil
}

// openReader 先按pcap格式读取文件头，失败时再尝试pcapng
func openReader(f *os.File) (packetReader, error) {
	r, err := pcapgo.NewReader(f)
	if err == nil {
		return r, nil
	}
	if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
		return nil, seekErr
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("not a pcap (%v) or pcapng (%w) file", err, ngErr)
	}
	return ng, nil
}

// LinkType 抓包文件的链路层类型，解码阶段据此选择第一层
func (s *PcapFileSource) LinkType() layers.LinkType {
	return s.reader.LinkType()
}

func (s *PcapFileSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	logrus.Infof("Started reading packets from file: %s", s.filename)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(s.output)
		defer s.file.Close()
		defer close(s.done)

		var packetCount int64
		for {
			data, ci, err := s.reader.ReadPacketData()
			if err != nil {
				if errors.Is(err, io.EOF) {
					logrus.Info("Reached end of pcap file")
					return
				}
				// 记录头损坏后无法重新对齐，直接结束
				logrus.Warnf("Stop reading %s: %v", s.filename, err)
				s.stats.IncrementErrorCount()
				return
			}

			packetCount++
			packet := &types.Packet{
				ID:        fmt.Sprintf("pkt-%d", packetCount),
				Timestamp: ci.Timestamp.UnixNano(),
				RawData:   data,
			}

			select {
			case s.output <- packet:
				s.stats.IncrementPacketsCaptured()
				s.stats.AddBytesProcessed(uint64(len(data)))
			case <-ctx.Done():
				logrus.Info("Stopping packet reading due to context cancellation")
				return
			}
		}
	}()

	return nil
}

func (s *PcapFileSource) Output() <-chan *types.Packet {
	return s.output
}

// SetFilter 只接受空过滤器
func (s *PcapFileSource) SetFilter(filter string) error {
	if filter != "" {
		return fmt.Errorf("%w: %q", ErrFilterUnsupported, filter)
	}
	return nil
}

func (s *PcapFileSource) GetStats() *metrics.SourceMetrics {
	return s.stats
}

func (s *PcapFileSource) WaitForCompletion() <-chan struct{} {
	return s.done
}
