package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trend-pipeline/app/config"
	"trend-pipeline/app/handler"
	"trend-pipeline/app/server"
	"trend-pipeline/app/service"

	"github.com/spf13/cobra"
)

var withWorkers bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动管理接口和定时任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()
		log := a.log

		// 单机部署时 worker 随服务器启动，启动前先恢复上次中断的任务
		if withWorkers && a.cfg.Queue.RecoverOnStartup {
			if _, err := a.sweeper.Recover(cmd.Context()); err != nil {
				return err
			}
		}

		scheduler, err := service.NewScheduler(a.cfg.Queue, log, a.sweeper, a.tasks, a.queue)
		if err != nil {
			return err
		}
		config.Watch(func(cfg *config.Config) {
			scheduler.SetStuckTimeout(cfg.Queue.StuckTimeoutMinutes)
			log.Infof("卡死判定时长已更新为 %d 分钟", scheduler.StuckTimeout())
		})

		srv := server.New(a.cfg, log, handler.Services{
			Tasks:        a.tasks,
			Queue:        a.queue,
			Locks:        a.locks,
			Engine:       a.engine,
			Cancel:       a.cancel,
			Sweeper:      a.sweeper,
			StuckTimeout: scheduler.StuckTimeout,
		}, scheduler)

		var stopWorkers func()
		if withWorkers {
			pool, err := a.newPool(a.cfg.Worker.Stages)
			if err != nil {
				return err
			}
			pool.Start(context.Background())
			stopWorkers = pool.Stop
		}

		// 在协程中启动服务器
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			log.Info("收到关闭信号，正在关闭服务器...")
		case err := <-errCh:
			if err != nil {
				log.Errorf("启动服务器失败: %v", err)
			}
		}

		if stopWorkers != nil {
			stopWorkers()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
		return nil
	},
}

func init() {
	serverCmd.Flags().BoolVar(&withWorkers, "with-workers", false, "在同一进程中运行各阶段 worker")
	rootCmd.AddCommand(serverCmd)
}
