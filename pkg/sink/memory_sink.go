package sink

import (
	"context"
	"sync"

	"github.com/haolipeng/filter_engine/pkg/types"
)

// MemorySink 把数据包收集在内存中，用于测试
type MemorySink struct {
	results []*types.Packet
	ready   chan struct{}
	mu      sync.Mutex
}

func NewMemorySink() *MemorySink {
	sink := &MemorySink{
		results: make([]*types.Packet, 0),
		ready:   make(chan struct{}),
	}
	close(sink.ready) // 立即标记为就绪
	return sink
}

func (s *MemorySink) Consume(ctx context.Context, in <-chan *types.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case packet, ok := <-in:
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.results = append(s.results, packet)
			s.mu.Unlock()
		}
	}
}

func (s *MemorySink) Ready() <-chan struct{} {
	return s.ready
}

// GetResults 返回收集结果的拷贝
func (s *MemorySink) GetResults() []*types.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Packet, len(s.results))
	copy(out, s.results)
	return out
}
