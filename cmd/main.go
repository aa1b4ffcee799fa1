package main

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/haolipeng/filter_engine/pkg/config"
)

const VERSION = "v1.0.0"

func InitLogger(cfg *config.Config) error {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	logrus.SetFormatter(formatter)
	logrus.SetLevel(parseLevel(cfg.Log.Level))

	//1、判断文件路径和文件是否存在，不存在则创建
	if _, err := os.Stat(cfg.Log.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
			return err
		}
	}
	logFileName := path.Join(cfg.Log.Dir, cfg.Log.Filename)

	//2、日志切割功能，按时间来切割
	options := []rotates.Option{
		rotates.WithMaxAge(time.Duration(cfg.Log.MaxAge) * time.Hour),           //文件最大保存时间
		rotates.WithRotationTime(time.Duration(cfg.Log.RotateTime) * time.Hour), //文件切割间隔
	}
	if runtime.GOOS == "linux" {
		options = append(options, rotates.WithLinkName(logFileName)) //文件软链接
	}
	logWriter, err := rotates.New(logFileName+".%Y%m%d%H%M", options...)
	if err != nil {
		return err
	}

	//3、所有级别写入同一个切割文件
	lfHook := lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{})

	logrus.AddHook(lfHook)
	return nil
}

// parseLevel 未知级别使用WARN
func parseLevel(name string) logrus.Level {
	switch name {
	case "DEBUG":
		return logrus.DebugLevel
	case "INFO":
		return logrus.InfoLevel
	case "WARN":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	case "FATAL":
		return logrus.FatalLevel
	case "PANIC":
		return logrus.PanicLevel
	default:
		return logrus.WarnLevel
	}
}

// loadConfig 读取--config指定的文件，未显式指定且默认文件不存在时使用默认配置
func loadConfig(c *cli.Context) (*config.Config, error) {
	filename := c.String("config")
	if !c.IsSet("config") {
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.LoadConfig(filename)
}

var App = &cli.App{
	Name:    "filter_engine",
	Usage:   "payload filter rule engine",
	Version: VERSION,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "config file path",
			Value: "config.yaml",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "lint",
			Usage:     "check rule files, read stdin when no file is given",
			ArgsUsage: "[FILE...]",
			Action:    lint,
		},
		{
			Name:  "eval",
			Usage: "evaluate one payload against the rule set",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "rules", Usage: "rule file or directory, defaults to rules.directory"},
				&cli.StringFlag{Name: "payload", Usage: "payload text"},
				&cli.StringFlag{Name: "payload-file", Usage: "read payload bytes from file"},
				&cli.StringFlag{Name: "our-port", Usage: "local port", Required: true},
				&cli.StringFlag{Name: "their-port", Usage: "remote port", Required: true},
				&cli.StringFlag{Name: "direction", Usage: "IN or OUT", Value: "IN"},
				&cli.StringSliceFlag{Name: "flow", Usage: "flow bit already set on the connection"},
			},
			Action: eval,
		},
		{
			Name:  "replay",
			Usage: "replay a pcap file through the rule engine",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pcap", Usage: "capture file, defaults to source.filename"},
				&cli.StringFlag{Name: "output", Usage: "decision file, defaults to output.filename"},
			},
			Action: replay,
		},
		{
			Name:   "serve",
			Usage:  "start the HTTP API",
			Action: serve,
		},
	},
}

func main() {
	if err := App.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
