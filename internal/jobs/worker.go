// Package jobs は非同期ジョブの状態管理と実行を提供します。
package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrRunnerClosed は停止済みの Runner にジョブを投入した場合のエラーです。
var ErrRunnerClosed = errors.New("runner is shut down")

// Processor はジョブを1件処理します。Manager が実装します。
type Processor interface {
	Process(ctx context.Context, id string) (*Record, error)
}

// Runner はプロセス内でジョブを実行するスケジューラです。同時実行数は workers で制限します。
type Runner struct {
	proc   Processor
	sem    chan struct{}
	quit   chan struct{}
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner は Runner を作成します。
func NewRunner(proc Processor, workers int, logger *log.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		proc:   proc,
		sem:    make(chan struct{}, workers),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

// Schedule はジョブをバックグラウンドで実行します。呼び出し元のコンテキストとは切り離して実行します。
func (r *Runner) Schedule(_ context.Context, jobID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
		case <-r.quit:
			// 未着手のジョブは queued のまま残り、次回起動時に再実行される
			return
		}
		defer func() { <-r.sem }()
		r.run(jobID)
	}()
	return nil
}

func (r *Runner) run(jobID string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("job=%s worker panic: %v", jobID, p)
		}
	}()
	if _, err := r.proc.Process(context.Background(), jobID); err != nil {
		r.logger.Printf("job=%s process failed: %v", jobID, err)
	}
}

// Wait は投入済みのジョブがすべて終わるまで待ちます。
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown は新規投入を止め、実行中のジョブの完了を待ちます。
// ctx が先に終了した場合、実行中のジョブは待たずに戻ります。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
