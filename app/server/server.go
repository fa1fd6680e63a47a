package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"trend-pipeline/app/config"
	"trend-pipeline/app/handler"
	"trend-pipeline/app/logger"
	"trend-pipeline/app/service"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config    *config.Config
	Logger    *logger.Logger
	gin       *gin.Engine
	http      *http.Server
	scheduler *service.Scheduler
}

// New 创建一个新的 Server 实例，scheduler 为 nil 时不运行定时任务
func New(cfg *config.Config, log *logger.Logger, svc handler.Services, scheduler *service.Scheduler) *Server {
	gin.SetMode(cfg.Server.Mode)
	log = log.Named("http")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(log))

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Config:    cfg,
		Logger:    log,
		scheduler: scheduler,
	}

	// 设置路由
	s.setupRoutes(svc)

	return s
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动定时任务和服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止定时任务并关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes(svc handler.Services) {
	api := s.gin.Group("/api")
	handler.NewTaskHandler(svc).RegisterRoutes(api)
}

// accessLog 简单的访问日志
func accessLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		log.Debugf("%s %s %d %v",
			c.Request.Method,
			c.Request.RequestURI,
			c.Writer.Status(),
			latency,
		)
	}
}
