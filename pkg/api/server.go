package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server HTTP 服务器
type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())

	return &Server{
		echo: e,
		addr: cfg.APIAddress(),
	}
}

// Start 启动 HTTP 服务器，正常关闭时返回nil
func (s *Server) Start() error {
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// RegisterRuleService 注册规则服务
func (s *Server) RegisterRuleService(rs *RuleService) {
	s.echo.POST("/ruleEngine/validate", rs.ValidateRule)                 // 验证规则文本
	s.echo.POST("/ruleEngine/evaluate", rs.EvaluateRule)                 // 评估一次输入
	s.echo.GET("/ruleEngine/rules", rs.GetRules)                         // 当前生效的规则集
	s.echo.POST("/ruleEngine/reload", rs.ReloadRules)                    // 重新加载规则目录
	s.echo.GET("/ruleEngine/configs", rs.GetRuleConfigs)                 // 列出规则文件
	s.echo.GET("/ruleEngine/configs/:name", rs.GetRuleConfig)            // 获取规则文件
	s.echo.POST("/ruleEngine/configs/:name", rs.CreateRule)              // 创建规则文件
	s.echo.PUT("/ruleEngine/configs/:name", rs.UpdateRule)               // 更新规则文件
	s.echo.POST("/ruleEngine/configs/:name/delete", rs.DeleteRule)       // 删除规则文件
	s.echo.POST("/policy/escalations/validate", rs.ValidateEscalation)   // 验证处置策略表达式
}

// RegisterMetrics 暴露Prometheus指标
func (s *Server) RegisterMetrics(gatherer prometheus.Gatherer) {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
