package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/haolipeng/filter_engine/pkg/api"
	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/haolipeng/filter_engine/pkg/flowbits"
	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/pipeline"
	"github.com/haolipeng/filter_engine/pkg/processor"
	"github.com/haolipeng/filter_engine/pkg/ruleEngine"
	"github.com/haolipeng/filter_engine/pkg/sink"
	"github.com/haolipeng/filter_engine/pkg/source"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/haolipeng/filter_engine/pkg/verdict"
)

func engineOptions(cfg *config.Config, m *metrics.EngineMetrics) processor.Options {
	return processor.Options{
		ParallelThreshold: cfg.Engine.ParallelThreshold,
		Workers:           cfg.Engine.Workers,
		Prefilter:         cfg.Engine.Prefilter,
		Metrics:           m,
	}
}

// newEngine path为目录时加载目录下所有规则文件，否则作为单个规则文件
func newEngine(cfg *config.Config, path string, m *metrics.EngineMetrics) (*processor.Engine, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules %s: %w", path, err)
	}
	if info.IsDir() {
		return processor.NewEngineFromDirectory(path, cfg.Rules.Extension, engineOptions(cfg, m))
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s: %w", path, err)
	}
	engine, err := processor.NewEngineFromText(string(text), engineOptions(cfg, m))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return engine, nil
}

func lint(c *cli.Context) error {
	var (
		results []ruleEngine.LintResult
		err     error
	)
	if c.NArg() == 0 {
		text, readErr := io.ReadAll(os.Stdin)
		if readErr != nil {
			return readErr
		}
		res := ruleEngine.Lint("<stdin>", text)
		results, err = []ruleEngine.LintResult{res}, res.Err
	} else {
		results, err = ruleEngine.LintFiles(c.Args().Slice()...)
	}

	for _, res := range results {
		if res.OK() {
			fmt.Fprintf(c.App.Writer, "%s: ok (%d rules)\n", res.Source, res.RuleCount)
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s: %v\n", res.Source, res.Err)
	}
	if err != nil {
		return cli.Exit("rule check failed", 1)
	}
	return nil
}

func eval(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	rulesPath := c.String("rules")
	if rulesPath == "" {
		rulesPath = cfg.Rules.Directory
	}
	engine, err := newEngine(cfg, rulesPath, nil)
	if err != nil {
		return err
	}
	policy, err := verdict.NewPolicy(cfg.Policy.DefaultVerdict, cfg.Policy.Escalations, nil)
	if err != nil {
		return err
	}

	var in types.Input
	if in.OurPort, err = types.ParsePort("our-port", c.String("our-port")); err != nil {
		return err
	}
	if in.TheirPort, err = types.ParsePort("their-port", c.String("their-port")); err != nil {
		return err
	}
	if in.Direction, err = types.ParseConnectionDirection(c.String("direction")); err != nil {
		return err
	}
	in.Payload = []byte(c.String("payload"))
	if file := c.String("payload-file"); file != "" {
		if in.Payload, err = os.ReadFile(file); err != nil {
			return err
		}
	}
	in.ActiveFlows = types.NewFlowSet(c.StringSlice("flow")...)

	effects := engine.Evaluate(in)
	decision, err := policy.Decide(effects)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"effects":  api.NewEffectsView(effects),
		"decision": decision,
	})
}

func replay(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if file := c.String("pcap"); file != "" {
		cfg.Source.Filename = file
	}
	if file := c.String("output"); file != "" {
		cfg.Output.Filename = file
	}
	if err := InitLogger(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logrus.Info("Starting filter engine replay...")

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := pipeline.NewPipeline()
	if err := p.SetConfig(cfg); err != nil {
		return err
	}

	src, err := source.NewPcapFileSource(cfg.Source.Filename, cfg.Pipeline.BufferSize)
	if err != nil {
		return err
	}
	if err := src.SetFilter(cfg.Source.BPFFilter); err != nil {
		return err
	}
	p.SetSource(src)

	decoder, err := processor.NewPayloadDecoder(cfg)
	if err != nil {
		return err
	}
	decoder.SetLinkType(src.LinkType())

	engine, err := newEngine(cfg, cfg.Rules.Directory, nil)
	if err != nil {
		return err
	}
	policy, err := verdict.NewPolicy(cfg.Policy.DefaultVerdict, cfg.Policy.Escalations, nil)
	if err != nil {
		return err
	}

	for _, proc := range []pipeline.Processor{
		decoder,
		processor.NewRuleEngine(engine, flowbits.NewStore(), cfg.Pipeline.WorkerCount),
		processor.NewVerdictStage(policy),
	} {
		if err := p.AddProcessor(proc); err != nil {
			return fmt.Errorf("add processor %s failed: %w", proc.Name(), err)
		}
	}

	out, err := sink.NewDecisionSink(cfg)
	if err != nil {
		return err
	}
	p.SetSink(out)

	start := time.Now()
	if err := p.Start(ctx); err != nil {
		return err
	}
	p.Wait()
	if err := p.Stop(); err != nil {
		logrus.Errorf("Error stopping pipeline: %v", err)
	}

	srcStats := src.GetStats()
	sinkStats := out.GetStats()
	fmt.Fprintf(c.App.Writer, "replayed %d packets, wrote %d decisions to %s in %s\n",
		srcStats.PacketsCaptured, sinkStats.DecisionsWritten, out.CurrentFile(), time.Since(start).Round(time.Millisecond))
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logrus.Info("Starting filter engine API...")

	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg)

	engine, err := processor.NewEngineFromDirectory(cfg.Rules.Directory, cfg.Rules.Extension, engineOptions(cfg, m))
	if err != nil {
		return err
	}
	policy, err := verdict.NewPolicy(cfg.Policy.DefaultVerdict, cfg.Policy.Escalations, m)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg)
	server.RegisterRuleService(api.NewRuleService(cfg, engine, flowbits.NewStore(), policy))
	server.RegisterMetrics(reg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logrus.WithField("address", cfg.APIAddress()).Info("API server started")

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logrus.Infof("Received signal %v, shutting down...", sig)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logrus.Errorf("Error stopping API server: %v", err)
	}
	logrus.Info("Shutdown complete")
	return nil
}
