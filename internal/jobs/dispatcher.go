package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// DefaultBackupURL は OPENCLAW_BACKUP_CHAT_URL 未設定時に使う予備の上流です（ローカルのブリッジサーバー）。
const DefaultBackupURL = "http://127.0.0.1:18790/chat"

const (
	promptMarker         = "사용자 요청:\n"
	degradedPromptLength = 80
	mockThreadLength     = 8
	mockMessageLength    = 120
	maxUpstreamBody      = 4 << 20
)

// ErrUpstreamNotConfigured は上流が未設定かつモックも無効な場合のエラーです。
var ErrUpstreamNotConfigured = errors.New("upstream_not_configured")

// UpstreamNotConfiguredMessage はジョブの error に記録する文言です。
const UpstreamNotConfiguredMessage = "upstream_not_configured: set OPENCLAW_CHAT_URL"

// Mode は上流の接続モードです（ヘルスチェック用）。
type Mode string

const (
	ModeConnected     Mode = "connected"
	ModeMock          Mode = "mock"
	ModeMisconfigured Mode = "misconfigured"
)

// DispatcherConfig は Dispatcher の設定です。
type DispatcherConfig struct {
	ChatURL    string
	ChatToken  string
	BackupURL  string
	AllowMock  bool
	MockDelay  time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Dispatcher はメッセージを上流（主系→予備→縮退応答、またはモック）に送ります。
type Dispatcher struct {
	chatURL   string
	chatToken string
	backupURL string
	allowMock bool
	mockDelay time.Duration
	client    *http.Client
	logger    *log.Logger
}

// NewDispatcher は Dispatcher を作成します。
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	backup := strings.TrimSpace(cfg.BackupURL)
	if backup == "" {
		backup = DefaultBackupURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		chatURL:   strings.TrimSpace(cfg.ChatURL),
		chatToken: strings.TrimSpace(cfg.ChatToken),
		backupURL: backup,
		allowMock: cfg.AllowMock,
		mockDelay: cfg.MockDelay,
		client:    client,
		logger:    logger,
	}
}

// Configured は主系の上流かモックのどちらかが使えるかを返します。
func (d *Dispatcher) Configured() bool {
	return d.chatURL != "" || d.allowMock
}

// Mode は現在の接続モードを返します。
func (d *Dispatcher) Mode() Mode {
	switch {
	case d.chatURL != "":
		return ModeConnected
	case d.allowMock:
		return ModeMock
	default:
		return ModeMisconfigured
	}
}

// ChatURL は主系の上流 URL を返します。
func (d *Dispatcher) ChatURL() string { return d.chatURL }

// BackupURL は予備の上流 URL を返します。
func (d *Dispatcher) BackupURL() string { return d.backupURL }

// AllowMock はモックが有効かを返します。
func (d *Dispatcher) AllowMock() bool { return d.allowMock }

// Dispatch は上流に問い合わせて応答テキストを返します。
// 主系と予備が両方失敗した場合も縮退応答を成功として返し、エラーになるのは未設定時のみです。
func (d *Dispatcher) Dispatch(ctx context.Context, threadID, message, model string) (string, error) {
	if d.chatURL == "" {
		if !d.allowMock {
			return "", ErrUpstreamNotConfigured
		}
		return d.mock(ctx, threadID, message, model)
	}

	payload := chatRequest{ThreadID: threadID, Message: message, Model: model}
	text, err := d.post(ctx, d.chatURL, d.chatToken, payload)
	if err == nil {
		return text, nil
	}
	d.logger.Printf("primary upstream failed thread=%s: %v", threadID, err)

	text, err = d.post(ctx, d.backupURL, "", payload)
	if err == nil {
		return text, nil
	}
	d.logger.Printf("backup upstream failed thread=%s: %v", threadID, err)

	return DegradedText(message), nil
}

func (d *Dispatcher) mock(ctx context.Context, threadID, message, model string) (string, error) {
	if d.mockDelay > 0 {
		timer := time.NewTimer(d.mockDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return MockText(threadID, message, model), nil
}

type chatRequest struct {
	ThreadID string `json:"threadId"`
	Message  string `json:"message"`
	Model    string `json:"model"`
}

type chatResponse struct {
	Text *string `json:"text"`
}

func (d *Dispatcher) post(ctx context.Context, url, token string, payload chatRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxUpstreamBody))
		return "", fmt.Errorf("upstream_error:%d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid upstream response: %w", err)
	}
	if out.Text == nil {
		return "", fmt.Errorf("invalid upstream response: text is missing")
	}
	return *out.Text, nil
}

// MockText はモック時の応答テキストです。
func MockText(threadID, message, model string) string {
	return fmt.Sprintf("(MVP Mock Async Job) model=%s thread=%s: %s",
		model, truncateRunes(threadID, mockThreadLength), truncateRunes(message, mockMessageLength))
}

// DegradedText は上流がすべて失敗した場合の縮退応答です。
func DegradedText(message string) string {
	prompt := truncateRunes(Prompt(message), degradedPromptLength)
	return fmt.Sprintf("(임시 응답) 지금은 OpenClaw 연결이 원활하지 않아 답변을 가져오지 못했어요. 요청: \"%s\" 잠시 후 다시 시도해 주세요.", prompt)
}

// Prompt はメッセージから応答形式の指示部分を取り除いた、ユーザーの依頼文を返します。
func Prompt(message string) string {
	if i := strings.LastIndex(message, promptMarker); i >= 0 {
		return strings.TrimSpace(message[i+len(promptMarker):])
	}
	return strings.TrimSpace(message)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
