package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeProcess はジョブ処理タスクの種別です。
	TaskTypeProcess = "openclaw:process"
	queueName       = "openclaw"
)

// TaskPayload はジョブ処理タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// QueueScheduler は Asynq (Redis) 経由でジョブ処理を起動します。
// タスクは起動の合図のみを運び、ジョブの状態はストアが持ちます。
type QueueScheduler struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	proc   Processor
	logger *log.Logger
}

// NewQueueScheduler は QueueScheduler を初期化します。
func NewQueueScheduler(redisURL string, workers int, proc Processor, logger *log.Logger) (*QueueScheduler, error) {
	if proc == nil {
		return nil, errors.New("processor is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = log.Default()
	}

	q := &QueueScheduler{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: workers,
			Queues: map[string]int{
				queueName: 1,
			},
		}),
		mux:    asynq.NewServeMux(),
		proc:   proc,
		logger: logger,
	}
	q.mux.HandleFunc(TaskTypeProcess, q.handleTask)
	return q, nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (q *QueueScheduler) Start() error {
	if err := q.server.Start(q.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Schedule はジョブ処理タスクをキューに投入します。
func (q *QueueScheduler) Schedule(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeProcess, body, asynq.Queue(queueName))
	if _, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(1)); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (q *QueueScheduler) Shutdown(ctx context.Context) error {
	q.server.Shutdown()
	return q.client.Close()
}

func (q *QueueScheduler) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	record, err := q.proc.Process(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if record == nil {
		q.logger.Printf("job=%s not found, task dropped", payload.JobID)
	}
	return nil
}
