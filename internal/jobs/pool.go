package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// task はワーカーが実行する1件の処理です。
type task func(ctx context.Context)

// Pool は固定数の goroutine でタスクを処理するワーカープールです。
// 待機列はバッファ付きチャネルで、溢れた場合は投入側に即座に ErrQueueFull を返します。
type Pool struct {
	taskCh  chan task
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
	logger  *slog.Logger
}

// NewPool は待機列の長さを指定して Pool を作成します。
func NewPool(queueSize int, logger *slog.Logger) *Pool {
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		taskCh: make(chan task, queueSize),
		logger: logger,
	}
}

// Start は workers 個のワーカーを起動します。ctx は各タスクに渡されます。
func (p *Pool) Start(ctx context.Context, workers int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("pool already started")
	}
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.logger.Debug("worker started", "worker_id", id)
			for t := range p.taskCh {
				t(ctx)
			}
			p.logger.Debug("worker stopped", "worker_id", id)
		}(i)
	}
	p.started = true
	return nil
}

// Submit はタスクを待機列に入れます。待機列が一杯ならブロックせず ErrQueueFull を返します。
func (p *Pool) Submit(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.taskCh <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending は待機中のタスク数を返します。
func (p *Pool) Pending() int {
	return len(p.taskCh)
}

// Stop は新規投入を止め、待機列を処理し終えるか ctx が終わるまで待ちます。
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
