// Package storage はアップロード音声と処理結果を保存するローカルストレージを提供します。
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Kind は保存領域の種別です。
type Kind string

const (
	KindUploads   Kind = "uploads"
	KindProcessed Kind = "processed"
)

// ErrInvalidName は不正なファイル名や種別が指定された場合に返されます。
var ErrInvalidName = errors.New("invalid blob name")

// ParseKind は URL パスの種別文字列を Kind に変換します。
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindUploads, KindProcessed:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidName, raw)
	}
}

// Local はディレクトリ単位でファイルを保存します。
type Local struct {
	dirs map[Kind]string
}

// NewLocal は保存先ディレクトリを作成して Local を返します。
func NewLocal(uploadDir, processedDir string) (*Local, error) {
	dirs := map[Kind]string{
		KindUploads:   uploadDir,
		KindProcessed: processedDir,
	}
	for kind, dir := range dirs {
		if dir == "" {
			return nil, fmt.Errorf("directory for %s is empty", kind)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}
	return &Local{dirs: dirs}, nil
}

// Path は種別とファイル名から保存パスを組み立てます。
func (l *Local) Path(kind Kind, name string) string {
	return filepath.Join(l.dirs[kind], name)
}

// Save は r の内容を保存し、パスとサイズを返します。
// 書き込み途中のファイルが読まれないよう一時ファイル経由で配置します。
func (l *Local) Save(kind Kind, name string, r io.Reader) (string, int64, error) {
	if err := validateName(name); err != nil {
		return "", 0, err
	}
	dir, ok := l.dirs[kind]
	if !ok {
		return "", 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidName, kind)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to write %s: %w", name, err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to place %s: %w", name, err)
	}
	return path, size, nil
}

// Exists はパスに通常ファイルが存在するかを返します。
func (l *Local) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Size はファイルサイズを返します。
func (l *Local) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open は保存済みファイルを開きます。存在しない場合は fs.ErrNotExist を返します。
func (l *Local) Open(kind Kind, name string) (*os.File, fs.FileInfo, error) {
	if err := validateName(name); err != nil {
		return nil, nil, err
	}
	dir, ok := l.dirs[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidName, kind)
	}

	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, fs.ErrNotExist
	}
	return file, info, nil
}

// Remove はファイルを削除します。存在しない場合はエラーにしません。
func (l *Local) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
