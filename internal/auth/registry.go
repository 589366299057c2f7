package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/agent-relay/internal/storage"
)

const (
	// RegistryFilename はセッション一覧の保存先（データディレクトリからの相対パス）です。
	RegistryFilename = "auth-sessions.json"

	defaultDeviceName = "My device"
	maxDeviceSessions = 200
	touchInterval     = time.Minute
)

// DeviceSession はログインした端末ごとのセッションです。
type DeviceSession struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"deviceName"`
	UserAgent  string    `json:"userAgent"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Revoked    bool      `json:"revoked,omitempty"`
}

// Registry は端末セッションの一覧を管理します。local が nil の場合はメモリ上のみで保持します。
type Registry struct {
	local *storage.Local
	now   func() time.Time

	mu       sync.Mutex
	sessions []DeviceSession
}

// OpenRegistry は保存済みのセッション一覧を読み込みます。
func OpenRegistry(local *storage.Local) (*Registry, error) {
	r := &Registry{
		local: local,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if local == nil {
		return r, nil
	}
	data, err := local.ReadFile(RegistryFilename)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read session registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.sessions); err != nil {
		return nil, fmt.Errorf("failed to parse session registry: %w", err)
	}
	return r, nil
}

// Create は新しい端末セッションを登録します。
func (r *Registry) Create(deviceName, userAgent string) (DeviceSession, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		deviceName = defaultDeviceName
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "unknown"
	}
	now := r.now()
	s := DeviceSession{
		ID:         uuid.NewString(),
		DeviceName: deviceName,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := append([]DeviceSession{s}, r.sessions...)
	if len(next) > maxDeviceSessions {
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].LastSeenAt.After(next[j].LastSeenAt)
		})
		next = next[:maxDeviceSessions]
	}
	if err := r.persist(next); err != nil {
		return DeviceSession{}, err
	}
	r.sessions = next
	return s, nil
}

// Touch は有効なセッションの最終利用時刻を更新して返します。無効・失効済みの場合は ok=false です。
func (r *Registry) Touch(id string) (DeviceSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 || r.sessions[i].Revoked {
		return DeviceSession{}, false, nil
	}
	now := r.now()
	if now.Sub(r.sessions[i].LastSeenAt) < touchInterval {
		return r.sessions[i], true, nil
	}
	next := make([]DeviceSession, len(r.sessions))
	copy(next, r.sessions)
	next[i].LastSeenAt = now
	if err := r.persist(next); err != nil {
		return DeviceSession{}, false, err
	}
	r.sessions = next
	return next[i], true, nil
}

// List は失効していないセッションを最終利用時刻の新しい順に返します。
func (r *Registry) List() []DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.Revoked {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

// Revoke はセッションを失効させます。対象が見つからない場合は false を返します。
func (r *Registry) Revoke(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return false, nil
	}
	if r.sessions[i].Revoked {
		return true, nil
	}
	next := make([]DeviceSession, len(r.sessions))
	copy(next, r.sessions)
	next[i].Revoked = true
	if err := r.persist(next); err != nil {
		return false, err
	}
	r.sessions = next
	return true, nil
}

func (r *Registry) index(id string) int {
	if id == "" {
		return -1
	}
	for i, s := range r.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) persist(list []DeviceSession) error {
	if r.local == nil {
		return nil
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if _, err := r.local.WriteFileAtomic(RegistryFilename, data); err != nil {
		return fmt.Errorf("failed to persist session registry: %w", err)
	}
	return nil
}
