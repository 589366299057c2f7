// Package storage はローカルファイルシステムへの永続化を提供します。
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath はルート外を指す、または空の相対パスを指定した場合のエラーです。
var ErrInvalidPath = errors.New("invalid storage path")

// Local はルートディレクトリ配下にファイルを保存します。
// パスはすべてルートからの相対パスで扱います。
type Local struct {
	Root string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{Root: root}, nil
}

// Resolve は相対パスを検証し、絶対パスとクリーン済みの相対パスを返します。
func (l *Local) Resolve(relPath string) (abs string, clean string, err error) {
	clean = filepath.Clean(filepath.FromSlash(strings.TrimSpace(relPath)))
	if clean == "." || clean == "" || filepath.IsAbs(clean) {
		return "", "", ErrInvalidPath
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", ErrInvalidPath
	}
	return filepath.Join(l.Root, clean), clean, nil
}

// WriteFileAtomic は一時ファイルに書き込んでから rename で置き換えます。
// 途中でプロセスが落ちても中途半端な内容のファイルは残りません。
func (l *Local) WriteFileAtomic(relPath string, data []byte) (string, error) {
	abs, clean, err := l.Resolve(relPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// rename 済みなら何もしない
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return "", fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return "", fmt.Errorf("failed to replace file: %w", err)
	}
	return filepath.ToSlash(clean), nil
}

// ReadFile は相対パスのファイルを読み込みます。
func (l *Local) ReadFile(relPath string) ([]byte, error) {
	abs, _, err := l.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Open は相対パスのファイルを開きます。
func (l *Local) Open(relPath string) (*os.File, error) {
	abs, _, err := l.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}
