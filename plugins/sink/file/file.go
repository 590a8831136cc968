package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dynquery/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// Path: 快照输出文件（必需）。
	Path string `yaml:"path"`
	// Format: "json"（默认，每次提交整体替换为最新快照）或 "jsonl"（每次提交追加一行）。
	Format string `yaml:"format"`
	// Atomic: json 格式下是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `yaml:"atomic,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `yaml:"perm_file,omitempty"`
	PermDir  os.FileMode `yaml:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `yaml:"buf_size,omitempty"`
}

// Snapshot 为落盘的快照结构。
type Snapshot struct {
	Gen   uint64 `json:"gen"`
	Items []Item `json:"items"`
}

// Item 为快照中的单条物化记录。
type Item struct {
	Key    string            `json:"key"`
	Source string            `json:"source"`
	Code   string            `json:"code"`
	Name   string            `json:"name"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// File 把每次提交的物化列表写入文件。
type File struct {
	dest    string
	jsonl   bool
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
	mu      sync.Mutex
}

// New 创建文件 Sink。
func New(opts *Options) (*File, error) {
	if opts == nil || strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("%w: sink.file requires path", contract.ErrInvalidInput)
	}
	dest := filepath.Clean(strings.TrimSpace(opts.Path))
	if dest == "." || strings.HasSuffix(opts.Path, string(filepath.Separator)) {
		return nil, contract.ErrPathInvalid
	}
	var jsonl bool
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
	case "jsonl":
		jsonl = true
	default:
		return nil, fmt.Errorf("%w: sink.file format %q", contract.ErrInvalidInput, opts.Format)
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &File{dest: dest, jsonl: jsonl, atomic: atomic, permF: pf, permD: pd, bufSize: bsz}, nil
}

var _ contract.Sink = (*File)(nil)

// Publish 实现 contract.Sink。
func (w *File) Publish(ctx context.Context, gen uint64, items []contract.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.dest), w.permD); err != nil {
		return err
	}
	snap := Snapshot{Gen: gen, Items: make([]Item, len(items))}
	for i, e := range items {
		snap.Items[i] = Item{Key: e.Key, Source: e.Source, Code: e.Payload.Code, Name: e.Payload.Name, Meta: e.Payload.Meta}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if !w.jsonl {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(&snap); err != nil {
		return err
	}

	switch {
	case w.jsonl:
		return w.writeAppend(ctx, &buf)
	case w.atomic:
		return w.writeAtomic(ctx, &buf)
	default:
		return w.writeOverwrite(ctx, &buf)
	}
}

func (w *File) writeAppend(ctx context.Context, r io.Reader) error {
	f, err := os.OpenFile(w.dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, readerWithCtx(ctx, r))
	return err
}

func (w *File) writeOverwrite(ctx context.Context, r io.Reader) error {
	f, err := os.OpenFile(w.dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *File) writeAtomic(ctx context.Context, r io.Reader) error {
	dir := filepath.Dir(w.dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 平台特定的原子替换（或最佳努力）
	if err := osReplace(tmpPath, w.dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
