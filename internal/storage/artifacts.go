package storage

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"time"
)

// ArtifactsDisabled は永続ストレージが使えない環境で Write が返す番兵値です。
const ArtifactsDisabled = "artifacts-disabled"

const artifactDir = "artifacts"

// ArtifactInput は成果物として残すジョブの情報です。
type ArtifactInput struct {
	JobID       string
	ThreadID    string
	Model       string
	Prompt      string
	Result      string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// ArtifactWriter は完了したジョブの内容を Markdown として保存します。
type ArtifactWriter struct {
	local *Local
}

// NewArtifactWriter は ArtifactWriter を作成します。local が nil の場合は成果物の保存を無効化します。
func NewArtifactWriter(local *Local) *ArtifactWriter {
	return &ArtifactWriter{local: local}
}

// Enabled は成果物を保存できるかを返します。
func (w *ArtifactWriter) Enabled() bool {
	return w != nil && w.local != nil
}

// Write は成果物を保存し、ストレージ相対パスを返します。
// 保存が無効な場合はエラーではなく ArtifactsDisabled を返します。
func (w *ArtifactWriter) Write(in ArtifactInput) (string, error) {
	if !w.Enabled() {
		return ArtifactsDisabled, nil
	}
	if strings.TrimSpace(in.JobID) == "" {
		return "", fmt.Errorf("jobID is required")
	}
	completed := in.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	name := ArtifactName(completed, in.JobID)
	return w.local.WriteFileAtomic(path.Join(artifactDir, name), renderArtifact(in, completed))
}

// Open は Write が返したパスの成果物を開きます。artifacts/ 以外のパスは ErrInvalidPath です。
func (w *ArtifactWriter) Open(relPath string) (*os.File, error) {
	if !w.Enabled() || relPath == ArtifactsDisabled {
		return nil, ErrInvalidPath
	}
	if !strings.HasPrefix(path.Clean(relPath), artifactDir+"/") {
		return nil, ErrInvalidPath
	}
	return w.local.Open(relPath)
}

// ArtifactName は {timestamp}-{jobId}.md 形式のファイル名を返します。
func ArtifactName(at time.Time, jobID string) string {
	return fmt.Sprintf("%s-%s.md", at.UTC().Format("20060102T150405Z"), jobID)
}

func renderArtifact(in ArtifactInput, completed time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Job %s\n\n", in.JobID)
	fmt.Fprintf(&b, "- thread: %s\n", in.ThreadID)
	fmt.Fprintf(&b, "- model: %s\n", in.Model)
	if !in.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "- created: %s\n", in.CreatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- completed: %s\n", completed.UTC().Format(time.RFC3339))
	b.WriteString("\n## Prompt\n\n")
	b.WriteString(strings.TrimSpace(in.Prompt))
	b.WriteString("\n\n## Result\n\n")
	b.WriteString(strings.TrimSpace(in.Result))
	b.WriteString("\n")
	return b.Bytes()
}
