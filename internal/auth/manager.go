package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/agent-relay/internal/config"
)

const (
	SessionCookieName    = "oc_session"
	sessionKeyID         = "session_id"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 30 * 24 * time.Hour
	idleTimeout        = 7 * 24 * time.Hour
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextSessionKey は、ハンドラー間でログイン中の端末セッションを共有するためのキーです。
const ContextSessionKey = "auth.session"

var errAccessCodeMissing = errors.New("OPENCLAW_APP_ACCESS_CODE または OPENCLAW_APP_ACCESS_CODE_HASH が設定されていません")

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	registry *Registry
	lock     sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, registry *Registry) *Manager {
	if registry == nil {
		registry, _ = OpenRegistry(nil)
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

func (m *Manager) ensureCredentials() error {
	if m.cfg.AccessCode == "" && m.cfg.AccessCodeHash == "" {
		return errAccessCodeMissing
	}
	return nil
}

// verifyCode はアクセスコードを検証します。ハッシュが設定されていればそちらを使います。
func (m *Manager) verifyCode(code string) bool {
	if code == "" {
		return false
	}
	if m.cfg.AccessCodeHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(m.cfg.AccessCodeHash), []byte(code)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(m.cfg.AccessCode), []byte(code)) == 1
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
