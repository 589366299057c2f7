package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/agent-relay/internal/config"
	"github.com/yourusername/agent-relay/internal/jobs"
	"github.com/yourusername/agent-relay/internal/storage"
)

// jobsRuntime はジョブ処理に関わるコンポーネントをまとめたものです。
type jobsRuntime struct {
	manager    *jobs.Manager
	dispatcher *jobs.Dispatcher
	artifacts  *storage.ArtifactWriter
	store      jobs.Store
	runner     *jobs.Runner
	queue      *jobs.QueueScheduler
}

func setupJobs(cfg *config.Config, local *storage.Local, logger *log.Logger) (*jobsRuntime, error) {
	store, err := openJobStore(cfg, local)
	if err != nil {
		return nil, err
	}

	dispatcher := jobs.NewDispatcher(jobs.DispatcherConfig{
		ChatURL:   cfg.ChatURL,
		ChatToken: cfg.ChatToken,
		BackupURL: cfg.BackupChatURL,
		AllowMock: cfg.AllowMock,
		MockDelay: cfg.MockDelay(),
		Timeout:   cfg.UpstreamTimeout(),
		Logger:    logger,
	})

	var artifactRoot *storage.Local
	if cfg.ArtifactsEnabled {
		artifactRoot = local
	}
	artifacts := storage.NewArtifactWriter(artifactRoot)

	manager, err := jobs.NewManager(jobs.ManagerOptions{
		Store:          store,
		Upstream:       dispatcher,
		Artifacts:      artifacts,
		Logger:         logger,
		StreamInterval: cfg.StreamInterval(),
		StreamMaxLoops: cfg.StreamMaxLoops,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rt := &jobsRuntime{
		manager:    manager,
		dispatcher: dispatcher,
		artifacts:  artifacts,
		store:      store,
	}
	switch cfg.JobQueue {
	case config.QueueAsynq:
		queue, err := jobs.NewQueueScheduler(cfg.QueueRedisURL, cfg.JobWorkers, manager, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rt.queue = queue
		manager.SetScheduler(queue)
	default:
		rt.runner = jobs.NewRunner(manager, cfg.JobWorkers, logger)
		manager.SetScheduler(rt.runner)
	}
	return rt, nil
}

func openJobStore(cfg *config.Config, local *storage.Local) (jobs.Store, error) {
	switch cfg.JobStore {
	case config.StoreMemory:
		return jobs.NewMemoryStore(), nil
	case config.StoreSQLite:
		return jobs.OpenSQLiteStore(filepath.Join(cfg.DataDir, jobs.SQLiteFilename))
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return jobs.NewRedisStore(redis.NewClient(opt), ""), nil
	default:
		if local == nil {
			return nil, errors.New("file job store requires DATA_DIR")
		}
		return jobs.OpenFileStore(local)
	}
}

// Start はキューのワーカーを起動し、前回のプロセスで残ったジョブを再投入します。
func (rt *jobsRuntime) Start(ctx context.Context) error {
	if rt.queue != nil {
		if err := rt.queue.Start(); err != nil {
			return err
		}
	}
	n, err := rt.manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	if n > 0 {
		log.Printf("Rescheduled %d pending jobs", n)
	}
	return nil
}

// Shutdown はワーカーを止めてストアを閉じます。
func (rt *jobsRuntime) Shutdown(ctx context.Context) error {
	var errs []error
	if rt.runner != nil {
		errs = append(errs, rt.runner.Shutdown(ctx))
	}
	if rt.queue != nil {
		errs = append(errs, rt.queue.Shutdown(ctx))
	}
	errs = append(errs, rt.store.Close())
	return errors.Join(errs...)
}

type chatRequest struct {
	ThreadID string `json:"threadId"`
	Message  string `json:"message"`
	Model    string `json:"model"`
}

// chatHandler は POST /api/chat のハンドラーです。ジョブを作らずに上流へ同期的に問い合わせます。
func chatHandler(dispatcher *jobs.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON 形式でリクエストを送信してください。",
				"error":   "invalid_json",
			})
			return
		}
		threadID := strings.TrimSpace(req.ThreadID)
		if threadID == "" {
			threadID = jobs.DefaultThreadID
		}
		model := strings.TrimSpace(req.Model)
		if model == "" {
			model = jobs.DefaultModel
		}

		text, err := dispatcher.Dispatch(c.Request.Context(), threadID, req.Message, model)
		if err != nil {
			if errors.Is(err, jobs.ErrUpstreamNotConfigured) {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":    "UPSTREAM_NOT_CONFIGURED",
					"message": "OPENCLAW_CHAT_URL を設定してください。",
					"error":   "upstream_not_configured",
				})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{
				"code":    "UPSTREAM_ERROR",
				"message": "上流との通信に失敗しました。",
				"error":   "upstream_error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"text": text})
	}
}

// healthHandler は上流の接続モードを返します。
func healthHandler(dispatcher *jobs.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		mode := dispatcher.Mode()
		c.JSON(http.StatusOK, gin.H{
			"ok":   mode != jobs.ModeMisconfigured,
			"mode": mode,
			"checks": gin.H{
				"chatUrl":   dispatcher.ChatURL() != "",
				"backupUrl": dispatcher.BackupURL() != "",
				"allowMock": dispatcher.AllowMock(),
			},
		})
	}
}
