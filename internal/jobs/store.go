package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store はジョブレコードの永続化を担います。
// Get/Update は対象が存在しない場合 (nil, nil) を返します。
type Store interface {
	Create(ctx context.Context, in NewJob) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, mutate Mutator) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

// StoreOption はストア共通の設定を変更します。
type StoreOption func(*storeConfig)

type storeConfig struct {
	now   func() time.Time
	newID func() string
}

// WithClock は現在時刻の取得方法を差し替えます（テスト用）。
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator はジョブIDの生成方法を差し替えます（テスト用）。
func WithIDGenerator(newID func() string) StoreOption {
	return func(c *storeConfig) {
		if newID != nil {
			c.newID = newID
		}
	}
}

func newStoreConfig(opts []StoreOption) storeConfig {
	cfg := storeConfig{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c storeConfig) newRecord(in NewJob) *Record {
	now := c.now()
	return &Record{
		ID:        c.newID(),
		ThreadID:  in.ThreadID,
		Message:   in.Message,
		Model:     in.Model,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// stamp は updatedAt を更新します。時計が巻き戻っても前回値より古くはしません。
func (c storeConfig) stamp(prev, next *Record) {
	now := c.now()
	if now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt
	}
	next.UpdatedAt = now
}

// recordList は新しい順に並んだレコード列です。要素は共有されるため直接書き換えません。
type recordList []*Record

func (l recordList) index(id string) int {
	for i, r := range l {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// withInserted は先頭に追加して保持上限で切り詰めた新しい列を返します。
func (l recordList) withInserted(r *Record) recordList {
	out := make(recordList, 0, len(l)+1)
	out = append(out, r)
	out = append(out, l...)
	return out.trimmed()
}

func (l recordList) withReplaced(i int, r *Record) recordList {
	out := make(recordList, len(l))
	copy(out, l)
	out[i] = r
	return out
}

func (l recordList) trimmed() recordList {
	if len(l) <= MaxRetainedJobs {
		return l
	}
	sorted := make(recordList, len(l))
	copy(sorted, l)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	return sorted[:MaxRetainedJobs]
}

func (l recordList) newest(limit int) []*Record {
	sorted := make(recordList, len(l))
	copy(sorted, l)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]*Record, len(sorted))
	for i, r := range sorted {
		out[i] = r.clone()
	}
	return out
}

// applyMutator は複製したレコードに mutate を適用します。変更がなければ changed=false です。
func (c storeConfig) applyMutator(current *Record, mutate Mutator) (next *Record, changed bool) {
	next = current.clone()
	if mutate == nil || !mutate(next) {
		return current.clone(), false
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	c.stamp(current, next)
	return next, true
}

// MemoryStore はプロセス内メモリにジョブを保持します。
// 永続ストレージが使えない環境向けで、再起動するとジョブは失われます。
type MemoryStore struct {
	cfg  storeConfig
	mu   sync.Mutex
	jobs recordList
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{cfg: newStoreConfig(opts)}
}

// Create はジョブを queued で作成します。
func (s *MemoryStore) Create(ctx context.Context, in NewJob) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record := s.cfg.newRecord(in)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = s.jobs.withInserted(record)
	return record.clone(), nil
}

// Get はジョブ情報を取得します。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.jobs.index(id); i >= 0 {
		return s.jobs[i].clone(), nil
	}
	return nil, nil
}

// Update はジョブ情報を書き換えます。
func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.jobs.index(id)
	if i < 0 {
		return nil, nil
	}
	next, changed := s.cfg.applyMutator(s.jobs[i], mutate)
	if changed {
		s.jobs = s.jobs.withReplaced(i, next)
	}
	return next.clone(), nil
}

// List は updatedAt が新しい順にジョブを返します。
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.newest(limit), nil
}

// Close は何もしません。
func (s *MemoryStore) Close() error { return nil }
