package config

import (
	"fmt"
	"net"
	"os"

	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/haolipeng/filter_engine/pkg/verdict"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Rules struct {
		Directory string `yaml:"directory"`
		Extension string `yaml:"extension"`
	} `yaml:"rules"`

	Engine struct {
		ParallelThreshold int  `yaml:"parallel_threshold"`
		Workers           int  `yaml:"workers"`
		Prefilter         bool `yaml:"prefilter"`
	} `yaml:"engine"`

	Policy struct {
		DefaultVerdict string               `yaml:"default_verdict"`
		Escalations    []verdict.Escalation `yaml:"escalations"`
	} `yaml:"policy"`

	// Network 用于判断数据包方向: 目的地址或目的端口属于本端时为入方向
	Network struct {
		LocalPorts    []uint16 `yaml:"local_ports"`
		LocalNetworks []string `yaml:"local_networks"`
	} `yaml:"network"`

	Pipeline struct {
		WorkerCount int `yaml:"worker_count"`
		BufferSize  int `yaml:"buffer_size"`
	} `yaml:"pipeline"`

	Source struct {
		Filename  string `yaml:"filename"`
		BPFFilter string `yaml:"bpf_filter"`
	} `yaml:"source"`

	Output struct {
		Filename      string `yaml:"filename"`
		MaxFileSize   int64  `yaml:"max_file_size"`  // 字节，0表示不切换文件
		AlertEndpoint string `yaml:"alert_endpoint"` // ALERT/DROP结论的上报地址
	} `yaml:"output"`

	API struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"api"`

	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		Filename   string `yaml:"filename"`
		MaxAge     int    `yaml:"max_age"`     // 小时
		RotateTime int    `yaml:"rotate_time"` // 小时
	} `yaml:"log"`
}

// Default 返回填好默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Rules.Directory == "" {
		c.Rules.Directory = "rules"
	}
	if c.Rules.Extension == "" {
		c.Rules.Extension = ".rls"
	}
	if c.Policy.DefaultVerdict == "" {
		c.Policy.DefaultVerdict = "ACCEPT"
	}
	if c.Pipeline.WorkerCount == 0 {
		c.Pipeline.WorkerCount = 4
	}
	if c.Pipeline.BufferSize == 0 {
		c.Pipeline.BufferSize = 1000
	}
	if c.Output.Filename == "" {
		c.Output.Filename = "decisions.json"
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "WARN"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.Filename == "" {
		c.Log.Filename = "filter_engine.log"
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 24
	}
	if c.Log.RotateTime == 0 {
		c.Log.RotateTime = 1
	}
}

func (c *Config) Validate() error {
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	if c.Engine.ParallelThreshold < 0 {
		return fmt.Errorf("engine parallel_threshold must not be negative")
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine workers must not be negative")
	}
	if _, err := types.ParseActionKind(c.Policy.DefaultVerdict); err != nil {
		return fmt.Errorf("policy default_verdict: %w", err)
	}
	for _, esc := range c.Policy.Escalations {
		if esc.Name == "" {
			return fmt.Errorf("policy escalation name is required")
		}
		if _, err := types.ParseActionKind(esc.Verdict); err != nil {
			return fmt.Errorf("policy escalation %s: %w", esc.Name, err)
		}
	}
	if _, err := c.LocalNetworks(); err != nil {
		return err
	}
	if c.Output.MaxFileSize < 0 {
		return fmt.Errorf("output max_file_size must not be negative")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port out of range: %d", c.API.Port)
	}
	return nil
}

// LocalNetworks 解析本端网段
func (c *Config) LocalNetworks() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.Network.LocalNetworks))
	for _, cidr := range c.Network.LocalNetworks {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid local network %q: %w", cidr, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// APIAddress echo监听地址
func (c *Config) APIAddress() string {
	return net.JoinHostPort(c.API.Host, fmt.Sprint(c.API.Port))
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
