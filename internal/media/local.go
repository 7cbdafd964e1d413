// Package media 处理与消息生命周期相关的附件文件。
package media

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Kind 附件类型，决定写入消息的哪个字段
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
)

var ErrUnsupportedType = errors.New("unsupported attachment type")

// Remover 删除消息附件；失败不影响删除流程
type Remover interface {
	RemoveAttachment(ctx context.Context, ref string) error
}

// Attachment 已保存的附件
type Attachment struct {
	Kind Kind
	Ref  string
}

// Local 本地上传目录。
// 附件引用形如 {urlPrefix}/{name}，删除时只取文件名部分，保证不会删到上传目录之外。
type Local struct {
	dir       string
	urlPrefix string
	logger    *slog.Logger
}

func NewLocal(dir, urlPrefix string, logger *slog.Logger) *Local {
	return &Local{dir: dir, urlPrefix: strings.TrimSuffix(urlPrefix, "/"), logger: logger}
}

// Dir 上传目录
func (l *Local) Dir() string {
	return l.dir
}

// KindOf 按 MIME 类型分类
func KindOf(contentType string) (Kind, error) {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindImage, nil
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo, nil
	case strings.HasPrefix(contentType, "audio/"):
		return KindVoice, nil
	default:
		return "", ErrUnsupportedType
	}
}

// Save 保存上传文件。存储名为 {uuid}_{原文件名}，空白替换为下划线；
// 同名上传互不覆盖，删除一条消息的附件不会影响其它消息。
func (l *Local) Save(_ context.Context, filename, contentType string, r io.Reader) (*Attachment, error) {
	kind, err := KindOf(contentType)
	if err != nil {
		return nil, err
	}
	name := fileName(strings.Join(strings.Fields(filename), "_"))
	if name == "" {
		return nil, errors.New("empty file name")
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, err
	}
	name = uuid.NewString() + "_" + name
	p := filepath.Join(l.dir, name)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(p)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	l.logger.Debug("Attachment saved", "path", p, "kind", kind)
	return &Attachment{Kind: kind, Ref: l.urlPrefix + "/" + name}, nil
}

// RemoveAttachment 删除附件；文件不存在不算错误
func (l *Local) RemoveAttachment(_ context.Context, ref string) error {
	name := fileName(ref)
	if name == "" {
		return nil
	}

	p := filepath.Join(l.dir, name)
	err := os.Remove(p)
	switch {
	case err == nil:
		l.logger.Debug("Attachment removed", "path", p)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Debug("Attachment already absent", "path", p)
		return nil
	default:
		return err
	}
}

func fileName(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	name := path.Base(filepath.ToSlash(ref))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// Nop 不做任何事的 Remover
type Nop struct{}

func (Nop) RemoveAttachment(context.Context, string) error { return nil }
