package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/sirupsen/logrus"
)

type pipeline struct {
	source     Source
	processors []Processor
	sink       Sink
	running    bool
	mu         sync.Mutex
	errChan    chan error
	status     string
	metrics    map[string]*metrics.ProcessorMetrics
	config     *config.Config
	startTime  time.Time
	wg         sync.WaitGroup // 用于跟踪所有goroutine
	sinkDone   chan struct{}
}

func NewPipeline() Pipeline {
	return &pipeline{
		processors: make([]Processor, 0),
		errChan:    make(chan error, 1),
		metrics:    make(map[string]*metrics.ProcessorMetrics),
		status:     "initialized",
	}
}

func (p *pipeline) AddProcessor(processor Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("cannot add processor while pipeline is running")
	}

	p.processors = append(p.processors, processor)
	// 按Stage排序处理器
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Stage() < p.processors[j].Stage()
	})

	return nil
}

func (p *pipeline) SetSource(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

func (p *pipeline) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("pipeline already running"))
	}
	if p.source == nil || p.sink == nil {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("source and sink are required"))
	}

	// 重置 WaitGroup
	p.wg = sync.WaitGroup{}

	// 设置状态为正在启动
	p.running = true
	p.startTime = time.Now()
	p.status = "starting"
	p.metrics = make(map[string]*metrics.ProcessorMetrics)
	p.errChan = make(chan error, 100)
	p.sinkDone = make(chan struct{})
	errChan := p.errChan
	sinkDone := p.sinkDone

	// 为每个处理器初始化指标对象
	for _, proc := range p.processors {
		m := &metrics.ProcessorMetrics{}
		p.metrics[proc.Name()] = m
		if aware, ok := proc.(MetricsAware); ok {
			aware.SetMetrics(m)
		}
	}
	p.mu.Unlock()

	logrus.Info("Starting pipeline")

	// 启动错误处理goroutine
	go p.handleErrors(ctx, errChan)

	// 1. 首先检查所有处理器是否就绪
	processorReady := make(chan error, 1)
	go func() {
		for _, processor := range p.processors {
			if err := processor.CheckReady(); err != nil {
				processorReady <- fmt.Errorf("processor %s not ready: %w", processor.Name(), err)
				return
			}
		}
		close(processorReady)
	}()

	// 2. 等待处理器就绪，设置超时
	select {
	case err, failed := <-processorReady:
		if failed {
			p.abort()
			return types.NewPipelineError("start", err)
		}
		logrus.Debug("All processors are ready")
	case <-time.After(10 * time.Second):
		p.abort()
		return types.NewPipelineError("start", fmt.Errorf("timeout waiting for processors to be ready"))
	}

	// 3. 串联处理器，前一个stage的输出直接作为下一个stage的输入
	var input = p.source.Output()
	for _, proc := range p.processors {
		logrus.WithFields(logrus.Fields{"stage": proc.Stage(), "processor": proc.Name()}).Debug("Starting processor")
		out, err := proc.Process(ctx, input, &p.wg)
		if err != nil {
			p.abort()
			return types.NewPipelineError(proc.Name(), err)
		}
		input = out
	}
	logrus.Info("All processors have started successfully")

	// 4. 处理器就绪后，再启动sink
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(sinkDone)
		if err := p.sink.Consume(ctx, input); err != nil {
			logrus.Errorf("Sink error: %v", err)
			p.reportError(fmt.Errorf("sink error: %w", err))
		}
	}()

	// 5. 等待sink就绪
	select {
	case <-p.sink.Ready():
		logrus.Debug("Sink is ready")
	case <-time.After(5 * time.Second):
		return types.NewPipelineError("start", fmt.Errorf("timeout waiting for sink to be ready"))
	}

	// 6. 最后启动数据源，开始数据流转
	if err := p.source.Start(ctx, &p.wg); err != nil {
		logrus.Errorf("Failed to start source: %v", err)
		return types.NewPipelineError("source", err)
	}
	logrus.Info("Data source has started successfully")

	p.mu.Lock()
	p.status = "running"
	p.mu.Unlock()
	logrus.Info("Pipeline is now running")
	return nil
}

// abort 启动失败时恢复到可重新启动的状态
func (p *pipeline) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.status = "failed"
}

func (p *pipeline) reportError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errChan == nil {
		return
	}
	select {
	case p.errChan <- err:
	default:
		logrus.Warnf("Pipeline error dropped: %v", err)
	}
}

// Wait 等待sink消费完所有数据包
func (p *pipeline) Wait() {
	p.mu.Lock()
	done := p.sinkDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.status = "stopping"
	logrus.Info("Pipeline stopping...")

	// 1. 先设置状态，防止新的goroutine启动
	p.running = false

	// 2. 关闭错误通道，停止错误处理 goroutine
	if p.errChan != nil {
		close(p.errChan)
		p.errChan = nil
	}
	p.mu.Unlock()

	// 3. 等待所有处理器完成
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	// 设置超时时间
	select {
	case <-done:
		logrus.Info("All processors completed gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Timeout waiting for processors to complete")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// 4. 清理处理器资源
	for _, processor := range p.processors {
		if cleaner, ok := processor.(interface{ Cleanup() error }); ok {
			if err := cleaner.Cleanup(); err != nil {
				logrus.Errorf("Error cleaning up processor %s: %v", processor.Name(), err)
			}
		}
	}

	p.status = "stopped"
	logrus.Info("Pipeline stopped and cleaned up")
	return nil
}

func (p *pipeline) handleErrors(ctx context.Context, errChan <-chan error) {
	logrus.Debug("Starting error handler")
	for {
		select {
		case err, ok := <-errChan:
			if !ok {
				logrus.Debug("Error channel closed, stopping error handler")
				return
			}
			logrus.Errorf("Pipeline error: %v", err)
		case <-ctx.Done():
			logrus.Debug("Context cancelled, stopping error handler")
			return
		}
	}
}

// GetStats 流水线运行状态和各处理器计数
func (p *pipeline) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]interface{}, len(p.metrics))
	for name, m := range p.metrics {
		stats[name] = m.GetStats()
	}
	return map[string]interface{}{
		"status":     p.status,
		"uptime":     time.Since(p.startTime).String(),
		"processors": len(p.processors),
		"metrics":    stats,
	}
}

// GetMetrics 实现Pipeline接口的GetMetrics方法
func (p *pipeline) GetMetrics() map[string]*metrics.ProcessorMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// SetConfig 实现Pipeline接口的SetConfig方法
func (p *pipeline) SetConfig(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return types.NewPipelineError("config", fmt.Errorf("cannot set config while pipeline is running"))
	}

	if err := cfg.Validate(); err != nil {
		return types.NewPipelineError("config", err)
	}

	p.config = cfg
	return nil
}

// Status 实现Pipeline接口的Status方法
func (p *pipeline) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
