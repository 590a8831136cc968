package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"dynquery/pkg/contract"
)

// Options 为文件输入源的配置。
type Options struct {
	// Path: 被监视的文本文件（必填）。
	Path string `yaml:"path"`
	// Once: 只发出当前内容后结束，不监视后续修改。
	Once bool `yaml:"once"`
}

// Watch 把一个文本文件当作输入框：启动时发出当前全文，之后每次写入/替换再发出全文。
// 约束：
// 1) 监视父目录以覆盖编辑器"写临时文件再改名"的保存方式；
// 2) 文件暂时缺失（删除/改名中）时跳过，不报错；
// 3) ctx 取消时返回 ctx 错误。
type Watch struct {
	path string
	once bool
}

// New 创建文件输入源。
func New(opts *Options) (*Watch, error) {
	if opts == nil || strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("%w: source.file requires path", contract.ErrInvalidInput)
	}
	abs, err := filepath.Abs(strings.TrimSpace(opts.Path))
	if err != nil {
		return nil, err
	}
	return &Watch{path: abs, once: opts.Once}, nil
}

// Name 返回输入标识（用于终端提示）。
func (w *Watch) Name() string { return contract.NormalizePath(w.path) }

// Run 实现 contract.Source。
func (w *Watch) Run(ctx context.Context, emit func(text string) error) error {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	if err := emit(string(b)); err != nil {
		return err
	}
	if w.once {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			b, err := os.ReadFile(w.path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return err
			}
			if err := emit(string(b)); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", w.path, err)
		}
	}
}

var _ contract.Source = (*Watch)(nil)
