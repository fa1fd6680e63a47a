package worker

import (
	"context"
	"sync"

	"trend-pipeline/app/logger"
)

// Pool 管理各阶段的 worker
type Pool struct {
	workers   []*Worker
	log       *logger.Logger
	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// NewPool 创建 worker 池
func NewPool(log *logger.Logger, workers ...*Worker) *Pool {
	return &Pool{workers: workers, log: log.Named("pool")}
}

// Start 为每个阶段启动一个 goroutine
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		p.log.Warn("worker 池已经在运行中")
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.isRunning = true
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.log.Infof("启动 %d 个 worker", len(p.workers))
}

// Stop 通知所有 worker 停止，正在执行的任务会被中断并写回失败结果
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return
	}

	p.log.Info("正在停止 worker 池...")
	p.cancel()
	p.wg.Wait()
	p.isRunning = false
	p.log.Info("worker 池已停止")
}
