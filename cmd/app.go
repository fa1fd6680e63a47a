package cmd

import (
	"fmt"

	"trend-pipeline/app/config"
	"trend-pipeline/app/database"
	"trend-pipeline/app/logger"
	"trend-pipeline/app/service"
	"trend-pipeline/app/tasklog"
	"trend-pipeline/app/worker"
)

// app 各子命令共用的组件
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	logs    *tasklog.Store
	queue   *service.QueueManager
	locks   *service.LockManager
	engine  *service.StageEngine
	sweeper *service.Sweeper
	cancel  *service.CancelService
	tasks   *service.TaskService
	pids    *worker.PidFiles
}

// bootstrap 读取配置，初始化日志和数据库，创建服务
func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(cfg.Log)
	if err := database.Init(cfg, log); err != nil {
		log.Close()
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}

	pids, err := worker.NewPidFiles(cfg.Worker.PidDir)
	if err != nil {
		log.Close()
		return nil, err
	}

	db := database.GetDB()
	logs := tasklog.New(cfg.Queue.LogDir)
	queue := service.NewQueueManager(db, log, logs)
	locks := service.NewLockManager(db, log)

	return &app{
		cfg:     cfg,
		log:     log,
		logs:    logs,
		queue:   queue,
		locks:   locks,
		engine:  service.NewStageEngine(db, log, queue),
		sweeper: service.NewSweeper(db, log, queue, locks).WithOrphanGrace(cfg.Queue.OrphanLockGrace),
		cancel:  service.NewCancelService(db, log, queue, worker.NewPidKiller(pids, log), cfg.Queue.KillTimeout),
		tasks:   service.NewTaskService(db, log, queue, logs),
		pids:    pids,
	}, nil
}

// close 关闭数据库和日志
func (a *app) close() {
	if err := database.Close(); err != nil {
		a.log.Errorf("关闭数据库连接失败: %v", err)
	}
	_ = a.log.Close()
}
