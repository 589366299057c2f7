package jobs

import (
	"errors"
	"fmt"
	"time"
)

// MaxRetainedJobs はストアが保持するジョブ件数の上限です（updatedAt が新しい順）。
const MaxRetainedJobs = 300

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition は状態遷移表にない遷移を要求した場合のエラーです。
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions は許可された状態遷移の一覧です。
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusDone, StatusError, StatusCancelled},
	StatusError:     {StatusQueued},
	StatusCancelled: {StatusQueued},
	StatusDone:      nil,
}

// Valid は定義済みの状態かどうかを返します。
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal は自動遷移が発生しない終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// CanTransition は from から to への遷移が許可されているかを返します。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus は文字列を Status に変換します。
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status: %q", raw)
	}
	return s, nil
}

// Record はジョブの現在状態を表します。
type Record struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	Message      string    `json:"message"`
	Model        string    `json:"model"`
	Status       Status    `json:"status"`
	Result       string    `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
	Attempt      int       `json:"attempt"` // queued→running のたびに 1 増える
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewJob はジョブ作成時の入力です。
type NewJob struct {
	ThreadID string
	Message  string
	Model    string
}

// Mutator は更新対象のレコードを書き換えます。
// false を返した場合は変更なしとして扱われ、保存も updatedAt の更新も行いません。
type Mutator func(record *Record) bool

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// transition は遷移表に従って状態を変更します。許可されていない遷移の場合はレコードを変更しません。
func (r *Record) transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}
