// Package audio は音声アップロードの受付と検証を提供します。
package audio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrExtensionNotAllowed は許可されていない拡張子の場合に返されます。
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	// ErrNotAudio は内容が音声として認識できない場合に返されます。
	ErrNotAudio = errors.New("content is not a recognized audio format")
)

// ValidateExtension はファイル名の拡張子を小文字で返します。許可リストに無ければエラーです。
func ValidateExtension(filename string, allowed []string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" || !slices.Contains(allowed, ext) {
		return "", fmt.Errorf("%w: %q", ErrExtensionNotAllowed, filepath.Ext(filename))
	}
	return ext, nil
}

// SniffAudio は先頭の内容から MIME タイプを判定し、音声であればその名前を返します。
// 判定結果の親タイプ（例: audio/ogg → application/ogg）もたどります。
func SniffAudio(r io.Reader) (string, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to detect content type: %w", err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		if isAudioMIME(m.String()) {
			return mtype.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotAudio, mtype.String())
}

func isAudioMIME(s string) bool {
	s, _, _ = strings.Cut(s, ";")
	return strings.HasPrefix(s, "audio/") || s == "application/ogg"
}
