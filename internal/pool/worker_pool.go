package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于执行异步通知等后台任务，限制并发协程数量。
// 任务中的 panic 会被捕获并记录，不会影响主流程。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func(context.Context)
	wg         sync.WaitGroup
	pending    sync.WaitGroup
	log        *zap.Logger
	stopOnce   sync.Once
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(context.Context), queueSize),
		log:        log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位
func (p *WorkerPool) Submit(task func(context.Context)) {
	p.pending.Add(1)
	p.taskQueue <- task
}

// TrySubmit 尝试提交任务
//
// 如果队列已满，立即返回 false
func (p *WorkerPool) TrySubmit(task func(context.Context)) bool {
	p.pending.Add(1)
	select {
	case p.taskQueue <- task:
		return true
	default:
		p.pending.Done()
		return false
	}
}

// Wait 等待已提交的任务全部执行完毕
func (p *WorkerPool) Wait() {
	p.pending.Wait()
}

// Stop 停止协程池，等待队列中剩余任务执行完毕
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.taskQueue)
		p.wg.Wait()
	})
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

// drain 上下文取消后丢弃未执行的任务
func (p *WorkerPool) drain() {
	for {
		select {
		case _, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.pending.Done()
		default:
			return
		}
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(ctx context.Context, task func(context.Context)) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("background task panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}
