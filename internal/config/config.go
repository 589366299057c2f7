// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ジョブストアの種類です。
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// ジョブキューの種類です。
const (
	QueueLocal = "local"
	QueueAsynq = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AccessCode     string // ログイン用アクセスコード（平文）
	AccessCodeHash string // bcryptでハッシュ化したアクセスコード（こちらを優先）
	SessionSecret  string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 上流設定
	ChatURL                string // 主系の上流URL
	ChatToken              string // 主系の Bearer トークン
	BackupChatURL          string // 予備の上流URL
	AllowMock              bool   // 主系未設定時にモック応答を返すか
	MockDelayMS            int    // モック応答の疑似待ち時間（ミリ秒）
	UpstreamTimeoutSeconds int    // 上流呼び出し1回あたりのタイムアウト（秒）

	// 保存設定
	DataDir          string // ジョブ・成果物・セッションの保存先
	JobStore         string // file, memory, sqlite, redis
	ArtifactsEnabled bool   // 成果物を保存するか

	// ジョブ/キュー設定
	JobQueue         string // local, asynq
	JobWorkers       int    // 同時に処理するジョブ数
	QueueRedisURL    string // redis ストア・Asynq 用の Redis 接続URL
	StreamIntervalMS int    // ステータスストリームの読み出し間隔（ミリ秒）
	StreamMaxLoops   int    // ステータスストリームの最大読み出し回数
}

// Load は環境変数から設定を読み込みます。
// envFiles を指定した場合はそれらを、指定しない場合は .env.local を読み込みます（既存の環境変数は上書きしません）。
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	config := &Config{
		// アプリケーション設定
		AccessCode:     getEnv("OPENCLAW_APP_ACCESS_CODE", ""),
		AccessCodeHash: getEnv("OPENCLAW_APP_ACCESS_CODE_HASH", ""),
		SessionSecret:  getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// 上流設定
		ChatURL:                getEnv("OPENCLAW_CHAT_URL", ""),
		ChatToken:              getEnv("OPENCLAW_CHAT_TOKEN", ""),
		BackupChatURL:          getEnv("OPENCLAW_BACKUP_CHAT_URL", "http://127.0.0.1:18790/chat"),
		AllowMock:              getEnvAsBool("OPENCLAW_ALLOW_MOCK", false),
		MockDelayMS:            getEnvAsInt("OPENCLAW_MOCK_DELAY_MS", 300),
		UpstreamTimeoutSeconds: getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 90),

		// 保存設定
		DataDir:          getEnv("DATA_DIR", ".openclaw"),
		JobStore:         strings.ToLower(getEnv("JOB_STORE", StoreFile)),
		ArtifactsEnabled: getEnvAsBool("ARTIFACTS_ENABLED", true),

		// ジョブ/キュー設定
		JobQueue:         strings.ToLower(getEnv("JOB_QUEUE", QueueLocal)),
		JobWorkers:       getEnvAsInt("JOB_WORKERS", 4),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		StreamIntervalMS: getEnvAsInt("JOB_STREAM_INTERVAL_MS", 1000),
		StreamMaxLoops:   getEnvAsInt("JOB_STREAM_MAX_LOOPS", 240),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFiles(files []string) error {
	if len(files) > 0 {
		for _, f := range files {
			if f == "" {
				continue
			}
			if err := godotenv.Load(f); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", f, err)
			}
		}
		return nil
	}

	if err := godotenv.Load(".env.local"); err == nil {
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return nil
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
	return nil
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.JobStore {
	case StoreFile, StoreMemory, StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("JOB_STORE must be one of file, memory, sqlite, redis: %q", c.JobStore)
	}
	switch c.JobQueue {
	case QueueLocal, QueueAsynq:
	default:
		return fmt.Errorf("JOB_QUEUE must be local or asynq: %q", c.JobQueue)
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive")
	}
	if c.UsesRedis() && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for JOB_STORE=redis or JOB_QUEUE=asynq")
	}
	if c.DataDir == "" && (c.JobStore == StoreFile || c.JobStore == StoreSQLite) {
		return fmt.Errorf("DATA_DIR is required for JOB_STORE=%s", c.JobStore)
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.AccessCode == "" && c.AccessCodeHash == "" {
			return fmt.Errorf("OPENCLAW_APP_ACCESS_CODE or OPENCLAW_APP_ACCESS_CODE_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// UsesRedis はジョブストアかキューが Redis を使うかを返します。
func (c *Config) UsesRedis() bool {
	return c.JobStore == StoreRedis || c.JobQueue == QueueAsynq
}

// MockDelay はモック応答の待ち時間です。
func (c *Config) MockDelay() time.Duration {
	return time.Duration(max(c.MockDelayMS, 0)) * time.Millisecond
}

// UpstreamTimeout は上流呼び出しのタイムアウトです。
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// StreamInterval はステータスストリームの読み出し間隔です。
func (c *Config) StreamInterval() time.Duration {
	return time.Duration(c.StreamIntervalMS) * time.Millisecond
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。解釈できない値はデフォルト値を返します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
