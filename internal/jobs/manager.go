package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yourusername/agent-relay/internal/storage"
)

const (
	// DefaultThreadID は threadId 未指定時の値です。
	DefaultThreadID = "unknown"
	// DefaultModel は model 未指定時の値です。
	DefaultModel = "gpt-5.3-codex"
	// CancelReason はユーザーによるキャンセル時に error に記録する文言です。
	CancelReason = "cancelled_by_user"

	interruptedReason     = "interrupted_by_restart"
	resultNotSavedMessage = "internal_error: failed to save result"
	logPromptLength       = 60
)

// ErrMessageRequired は空のメッセージでジョブを作成しようとした場合のエラーです。
var ErrMessageRequired = errors.New("message_required")

// Upstream はジョブのメッセージを処理する上流です。
type Upstream interface {
	Configured() bool
	Dispatch(ctx context.Context, threadID, message, model string) (string, error)
}

// ArtifactSink は完了したジョブの成果物を保存します。
type ArtifactSink interface {
	Write(in storage.ArtifactInput) (string, error)
}

// Scheduler はジョブの処理を非同期に起動します。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// ManagerOptions は Manager の依存関係です。
type ManagerOptions struct {
	Store          Store
	Upstream       Upstream
	Artifacts      ArtifactSink
	Logger         *log.Logger
	StreamInterval time.Duration
	StreamMaxLoops int
	Now            func() time.Time
}

// Manager はジョブの状態遷移を担います。状態の変更はすべてストアの Update を通して行います。
type Manager struct {
	store          Store
	upstream       Upstream
	artifacts      ArtifactSink
	scheduler      Scheduler
	logger         *log.Logger
	streamInterval time.Duration
	streamMaxLoops int
	now            func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Upstream == nil {
		return nil, errors.New("upstream is nil")
	}
	m := &Manager{
		store:          opts.Store,
		upstream:       opts.Upstream,
		artifacts:      opts.Artifacts,
		logger:         opts.Logger,
		streamInterval: opts.StreamInterval,
		streamMaxLoops: opts.StreamMaxLoops,
		now:            opts.Now,
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	if m.streamInterval <= 0 {
		m.streamInterval = time.Second
	}
	if m.streamMaxLoops <= 0 {
		m.streamMaxLoops = 240
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// SetScheduler は作成・再試行時に使うスケジューラを設定します。
func (m *Manager) SetScheduler(s Scheduler) {
	m.scheduler = s
}

// Create はジョブを queued で作成し、処理を起動します。
func (m *Manager) Create(ctx context.Context, in NewJob) (*Record, error) {
	in.Message = strings.TrimSpace(in.Message)
	if in.Message == "" {
		return nil, ErrMessageRequired
	}
	if in.ThreadID = strings.TrimSpace(in.ThreadID); in.ThreadID == "" {
		in.ThreadID = DefaultThreadID
	}
	if in.Model = strings.TrimSpace(in.Model); in.Model == "" {
		in.Model = DefaultModel
	}

	record, err := m.store.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	m.logger.Printf("job=%s created thread=%s model=%s prompt=%q",
		record.ID, record.ThreadID, record.Model, truncateRunes(Prompt(record.Message), logPromptLength))
	m.schedule(ctx, record.ID)
	return record, nil
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// List は updatedAt が新しい順にジョブを返します。
func (m *Manager) List(ctx context.Context, limit int) ([]*Record, error) {
	return m.store.List(ctx, limit)
}

// Process は queued のジョブを1回だけ実行します。queued 以外のジョブに対しては何もしません。
func (m *Manager) Process(ctx context.Context, id string) (*Record, error) {
	var claimed bool
	marked, err := m.store.Update(ctx, id, func(r *Record) bool {
		claimed = false
		if r.Status != StatusQueued {
			return false
		}
		if err := r.transition(StatusRunning); err != nil {
			return false
		}
		r.Error = ""
		r.Attempt++
		claimed = true
		return true
	})
	if err != nil || marked == nil || !claimed {
		return marked, err
	}
	attempt := marked.Attempt
	m.logTransition(id, StatusQueued, StatusRunning)

	if !m.upstream.Configured() {
		return m.fail(ctx, id, attempt, UpstreamNotConfiguredMessage)
	}

	text, err := m.dispatch(ctx, marked)
	if err != nil {
		if errors.Is(err, ErrUpstreamNotConfigured) {
			return m.fail(ctx, id, attempt, UpstreamNotConfiguredMessage)
		}
		m.logger.Printf("job=%s dispatch failed, using degraded response: %v", id, err)
		text = DegradedText(marked.Message)
	}

	// キャンセル後に再試行された場合、古い試行の結果は書き込まない
	done, err := m.store.Update(ctx, id, func(r *Record) bool {
		if r.Attempt != attempt || r.transition(StatusDone) != nil {
			return false
		}
		r.Result = text
		r.Error = ""
		return true
	})
	if err != nil {
		m.logger.Printf("job=%s failed to save result: %v", id, err)
		if _, ferr := m.fail(ctx, id, attempt, resultNotSavedMessage); ferr != nil {
			m.logger.Printf("job=%s failed to mark error: %v", id, ferr)
		}
		return nil, err
	}
	if done == nil {
		return nil, nil
	}
	if done.Status != StatusDone || done.Attempt != attempt {
		m.logger.Printf("job=%s attempt=%d result discarded, status=%s attempt=%d", id, attempt, done.Status, done.Attempt)
		return done, nil
	}
	m.logTransition(id, StatusRunning, StatusDone)

	return m.attachArtifact(ctx, done), nil
}

// Retry は error/cancelled のジョブを queued に戻して処理を再起動します。それ以外の状態では何もしません。
func (m *Manager) Retry(ctx context.Context, id string) (*Record, error) {
	var from Status
	var reset bool
	record, err := m.store.Update(ctx, id, func(r *Record) bool {
		from, reset = r.Status, false
		if r.transition(StatusQueued) != nil {
			return false
		}
		r.Result = ""
		r.Error = ""
		r.ArtifactPath = ""
		reset = true
		return true
	})
	if err != nil || record == nil {
		return record, err
	}
	if reset {
		m.logTransition(id, from, StatusQueued)
		m.schedule(ctx, id)
	}
	return record, nil
}

// Cancel は queued/running のジョブを cancelled にします。実行中の上流呼び出しは中断しません。
func (m *Manager) Cancel(ctx context.Context, id string) (*Record, error) {
	var from Status
	var cancelled bool
	record, err := m.store.Update(ctx, id, func(r *Record) bool {
		from, cancelled = r.Status, false
		if r.transition(StatusCancelled) != nil {
			return false
		}
		r.Result = ""
		r.Error = CancelReason
		cancelled = true
		return true
	})
	if err == nil && cancelled {
		m.logTransition(id, from, StatusCancelled)
	}
	return record, err
}

// Recover は起動時に呼び出し、前回のプロセスで running のまま残ったジョブを queued に戻して、
// queued のジョブをすべて再スケジュールします。
func (m *Manager) Recover(ctx context.Context) (int, error) {
	records, err := m.store.List(ctx, MaxRetainedJobs)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	scheduled := 0
	for _, r := range records {
		switch r.Status {
		case StatusRunning:
			requeued, err := m.store.Update(ctx, r.ID, func(rec *Record) bool {
				if rec.transition(StatusError) != nil || rec.transition(StatusQueued) != nil {
					return false
				}
				rec.Result = ""
				rec.Error = ""
				return true
			})
			if err != nil {
				return scheduled, err
			}
			if requeued == nil || requeued.Status != StatusQueued {
				continue
			}
			m.logger.Printf("job=%s status=%s->%s (%s)", r.ID, StatusRunning, StatusQueued, interruptedReason)
		case StatusQueued:
		default:
			continue
		}
		m.schedule(ctx, r.ID)
		scheduled++
	}
	return scheduled, nil
}

func (m *Manager) fail(ctx context.Context, id string, attempt int, message string) (*Record, error) {
	record, err := m.store.Update(ctx, id, func(r *Record) bool {
		if r.Attempt != attempt || r.transition(StatusError) != nil {
			return false
		}
		r.Result = ""
		r.Error = message
		return true
	})
	if err == nil && record != nil && record.Status == StatusError && record.Attempt == attempt {
		m.logTransition(id, StatusRunning, StatusError)
	}
	return record, err
}

func (m *Manager) dispatch(ctx context.Context, r *Record) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch panic: %v", p)
		}
	}()
	return m.upstream.Dispatch(ctx, r.ThreadID, r.Message, r.Model)
}

// attachArtifact は成果物を保存してパスを記録します。失敗してもジョブは done のままです。
func (m *Manager) attachArtifact(ctx context.Context, done *Record) *Record {
	if m.artifacts == nil {
		return done
	}
	path, err := m.artifacts.Write(storage.ArtifactInput{
		JobID:       done.ID,
		ThreadID:    done.ThreadID,
		Model:       done.Model,
		Prompt:      Prompt(done.Message),
		Result:      done.Result,
		CreatedAt:   done.CreatedAt,
		CompletedAt: m.now(),
	})
	if err != nil {
		m.logger.Printf("job=%s artifact write failed: %v", done.ID, err)
		return done
	}
	if path == "" || path == storage.ArtifactsDisabled {
		return done
	}

	updated, err := m.store.Update(ctx, done.ID, func(r *Record) bool {
		if r.Status != StatusDone || r.Attempt != done.Attempt {
			return false
		}
		r.ArtifactPath = path
		return true
	})
	if err != nil || updated == nil {
		m.logger.Printf("job=%s failed to record artifact path: %v", done.ID, err)
		return done
	}
	return updated
}

func (m *Manager) schedule(ctx context.Context, id string) {
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.Schedule(ctx, id); err != nil {
		m.logger.Printf("job=%s failed to schedule: %v", id, err)
	}
}

func (m *Manager) logTransition(id string, from, to Status) {
	m.logger.Printf("job=%s status=%s->%s", id, from, to)
}
