package processor

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/haolipeng/filter_engine/pkg/flowbits"
	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/sirupsen/logrus"
)

// RuleEngine 流水线中的规则检测阶段
// 同一连接的数据包总是分到同一个worker，保证流标记按到达顺序生效
type RuleEngine struct {
	engine  *Engine
	flows   *flowbits.Store
	workers int
	metrics *metrics.ProcessorMetrics
}

func NewRuleEngine(engine *Engine, flows *flowbits.Store, workers int) *RuleEngine {
	if workers <= 0 {
		workers = 1
	}
	if flows == nil {
		flows = flowbits.NewStore()
	}
	return &RuleEngine{
		engine:  engine,
		flows:   flows,
		workers: workers,
		metrics: &metrics.ProcessorMetrics{},
	}
}

// Engine 返回底层评估引擎，供重新加载使用
func (r *RuleEngine) Engine() *Engine {
	return r.engine
}

// Flows 返回流标记存储
func (r *RuleEngine) Flows() *flowbits.Store {
	return r.flows
}

func (r *RuleEngine) SetMetrics(m *metrics.ProcessorMetrics) {
	r.metrics = m
}

func (r *RuleEngine) Stage() types.Stage {
	return types.StageRuleEngineDetection
}

func (r *RuleEngine) Name() string {
	return "RuleEngine"
}

func (r *RuleEngine) CheckReady() error {
	if r.engine == nil {
		return types.ErrProcessorNotReady
	}
	return nil
}

// Process 分发goroutine按连接标识把数据包分到各worker
// 所有worker退出后关闭输出channel
func (r *RuleEngine) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, 1000)
	shards := make([]chan *types.Packet, r.workers)
	var workers sync.WaitGroup

	for i := range shards {
		shards[i] = make(chan *types.Packet, 100)
		workers.Add(1)
		wg.Add(1)
		go func(workerID int, queue <-chan *types.Packet) {
			defer wg.Done()
			defer workers.Done()
			logrus.Debugf("Rule engine worker %d started", workerID)
			for packet := range queue {
				r.Inspect(packet)
				select {
				case out <- packet:
				case <-ctx.Done():
					logrus.Debugf("Rule engine worker %d stopping due to context cancellation", workerID)
					return
				}
			}
		}(i, shards[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			for _, s := range shards {
				close(s)
			}
			workers.Wait()
			close(out)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-in:
				if !ok {
					return
				}
				if packet == nil {
					continue
				}
				select {
				case shards[r.shardOf(packet.ConnKey)] <- packet:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (r *RuleEngine) shardOf(connKey string) int {
	if r.workers == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(connKey))
	return int(h.Sum32() % uint32(r.workers))
}

// Inspect 用连接当前的流标记评估数据包，记录新的流标记
func (r *RuleEngine) Inspect(packet *types.Packet) {
	start := time.Now()

	var active types.FlowSet
	if packet.ConnKey != "" {
		active = r.flows.Active(packet.ConnKey)
	}

	effects, matched := r.engine.EvaluateCounted(types.Input{
		Payload:     packet.Payload,
		OurPort:     packet.OurPort,
		TheirPort:   packet.TheirPort,
		Direction:   packet.Direction,
		ActiveFlows: active,
	})
	packet.Effects = effects

	if packet.ConnKey != "" {
		if packet.ConnClosed {
			r.flows.Forget(packet.ConnKey)
		} else if added := r.flows.Record(packet.ConnKey, effects); added > 0 {
			logrus.WithFields(logrus.Fields{
				"conn":  packet.ConnKey,
				"flows": effects.FlowSets,
			}).Debug("连接设置了新的流标记")
		}
	}

	if matched > 0 {
		r.metrics.IncrementRuleMatched()
	}
	r.metrics.IncrementProcessed()
	r.metrics.AddProcessingTime(time.Since(start))
}
