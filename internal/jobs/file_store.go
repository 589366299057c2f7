package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/yourusername/agent-relay/internal/storage"
)

// JobsFilename はファイルストアの保存先（データディレクトリからの相対パス）です。
const JobsFilename = "openclaw-jobs.json"

type fileSnapshot struct {
	Jobs []*Record `json:"jobs"`
}

// FileStore はジョブ一覧を1つの JSON ファイルに保存します。
// 変更のたびに一覧全体を一時ファイル経由で置き換えます。
type FileStore struct {
	cfg   storeConfig
	local *storage.Local
	name  string

	mu   sync.Mutex
	jobs recordList
}

// OpenFileStore は既存のファイルを読み込んで FileStore を返します。ファイルがなければ空で開始します。
func OpenFileStore(local *storage.Local, opts ...StoreOption) (*FileStore, error) {
	if local == nil {
		return nil, fmt.Errorf("storage is nil")
	}
	s := &FileStore{
		cfg:   newStoreConfig(opts),
		local: local,
		name:  JobsFilename,
	}

	data, err := local.ReadFile(s.name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read job store: %w", err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse job store: %w", err)
	}
	for _, r := range snap.Jobs {
		if r == nil || r.ID == "" {
			continue
		}
		s.jobs = append(s.jobs, r)
	}
	s.jobs = s.jobs.trimmed()
	return s, nil
}

// Create はジョブを queued で作成し、保存します。
func (s *FileStore) Create(ctx context.Context, in NewJob) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record := s.cfg.newRecord(in)

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.jobs.withInserted(record)
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.jobs = next
	return record.clone(), nil
}

// Get はジョブ情報を取得します。
func (s *FileStore) Get(ctx context.Context, id string) (*Record, error) {
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

// Update はジョブ情報を書き換えて保存します。保存に失敗した場合はメモリ上の状態も変更しません。
func (s *FileStore) Update(ctx context.Context, id string, mutate Mutator) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.jobs.index(id)
	if i < 0 {
		return nil, nil
	}
	record, changed := s.cfg.applyMutator(s.jobs[i], mutate)
	if !changed {
		return record, nil
	}
	next := s.jobs.withReplaced(i, record)
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.jobs = next
	return record.clone(), nil
}

// List は updatedAt が新しい順にジョブを返します。
func (s *FileStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.newest(limit), nil
}

// Close は何もしません（書き込みは変更のたびに完了しています）。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) persist(list recordList) error {
	snap := fileSnapshot{Jobs: list}
	if snap.Jobs == nil {
		snap.Jobs = recordList{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if _, err := s.local.WriteFileAtomic(s.name, data); err != nil {
		return fmt.Errorf("failed to persist job store: %w", err)
	}
	return nil
}
