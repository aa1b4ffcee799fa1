package processor

import (
	"context"
	"sync"
	"time"

	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/haolipeng/filter_engine/pkg/verdict"
	"github.com/sirupsen/logrus"
)

// VerdictStage 根据规则结果和处置策略给出最终结论
type VerdictStage struct {
	policy  *verdict.Policy
	metrics *metrics.ProcessorMetrics
}

func NewVerdictStage(policy *verdict.Policy) *VerdictStage {
	return &VerdictStage{policy: policy, metrics: &metrics.ProcessorMetrics{}}
}

func (v *VerdictStage) SetMetrics(m *metrics.ProcessorMetrics) {
	v.metrics = m
}

func (v *VerdictStage) Stage() types.Stage {
	return types.StageVerdictPolicy
}

func (v *VerdictStage) Name() string {
	return "VerdictPolicy"
}

func (v *VerdictStage) CheckReady() error {
	if v.policy == nil {
		return types.ErrProcessorNotReady
	}
	return nil
}

func (v *VerdictStage) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, 1000)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		for packet := range in {
			start := time.Now()
			decision, err := v.policy.Decide(packet.Effects)
			if err != nil {
				// 不给出结论，由sink记录错误
				packet.Error = err
				logrus.WithFields(logrus.Fields{
					"packet_id": packet.ID,
					"error":     err.Error(),
				}).Warn("处置策略评估失败")
				v.metrics.IncrementDropped()
			} else {
				packet.Decision = &decision
			}
			v.metrics.IncrementProcessed()
			v.metrics.AddProcessingTime(time.Since(start))

			select {
			case out <- packet:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
