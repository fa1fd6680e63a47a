package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"trend-pipeline/app/pipeline"
	"trend-pipeline/app/worker"

	"github.com/spf13/cobra"
)

var workerStages []string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "启动阶段 worker",
	Long:  "轮询队列并执行各阶段任务，未指定 --stage 时使用配置中的全部阶段",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		stages := a.cfg.Worker.Stages
		if len(workerStages) > 0 {
			stages = workerStages
		}
		if a.cfg.Queue.RecoverOnStartup {
			if _, err := a.sweeper.Recover(cmd.Context()); err != nil {
				return err
			}
		}

		pool, err := a.newPool(stages)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		pool.Start(ctx)
		<-ctx.Done()
		a.log.Info("收到关闭信号，正在停止 worker...")
		pool.Stop()
		return nil
	},
}

// newPool 为每个阶段创建 worker
func (a *app) newPool(stages []string) (*worker.Pool, error) {
	executor, err := worker.NewExecutor(a.cfg.Worker, a.pids)
	if err != nil {
		return nil, err
	}

	deps := worker.Deps{
		Queue:  a.queue,
		Locks:  a.locks,
		Engine: a.engine,
		Logs:   a.logs,
		Log:    a.log,
	}
	workers := make([]*worker.Worker, 0, len(stages))
	for _, name := range stages {
		stage, err := pipeline.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("worker 阶段配置无效: %w", err)
		}
		workers = append(workers, worker.New(stage, deps, executor, a.cfg.Worker.PollInterval))
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("没有配置任何 worker 阶段")
	}
	return worker.NewPool(a.log, workers...), nil
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerStages, "stage", nil, "只运行指定阶段，可重复")
	rootCmd.AddCommand(workerCmd)
}
