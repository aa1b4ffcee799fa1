package flowbits

import (
	"sync"

	"github.com/haolipeng/filter_engine/pkg/types"
)

// Store 按连接保存已设置的流标记
// 规则引擎只读取某次评估时的快照，写入由调用方在得到结论后完成
type Store struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

func NewStore() *Store {
	return &Store{conns: make(map[string]map[string]struct{})}
}

// Active 返回连接当前流标记的拷贝，未知连接返回nil
func (s *Store) Active(conn string) types.FlowSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bits, ok := s.conns[conn]
	if !ok {
		return nil
	}
	out := make(types.FlowSet, len(bits))
	for name := range bits {
		out[name] = struct{}{}
	}
	return out
}

// Set 为连接添加流标记，返回新增的数量
func (s *Store) Set(conn string, names ...string) int {
	if len(names) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bits, ok := s.conns[conn]
	if !ok {
		bits = make(map[string]struct{}, len(names))
		s.conns[conn] = bits
	}
	added := 0
	for _, name := range names {
		if _, exists := bits[name]; exists {
			continue
		}
		bits[name] = struct{}{}
		added++
	}
	return added
}

// Record 把一次评估结果中的流标记写入连接
func (s *Store) Record(conn string, effects types.Effects) int {
	return s.Set(conn, effects.FlowSets...)
}

// Forget 连接关闭后删除其全部流标记
func (s *Store) Forget(conn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Len 当前跟踪的连接数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
