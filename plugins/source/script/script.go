package script

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"dynquery/pkg/contract"
)

// Options 为脚本输入源的可选配置（最小必要）。
type Options struct {
	// Path: 脚本文件；空或 "-" 表示 STDIN。
	Path string `yaml:"path"`
	// Separator: 快照分隔行（整行完全匹配，忽略首尾空白）。默认 "---"。
	Separator string `yaml:"separator"`
	// IntervalMS: 相邻快照之间的停顿（模拟输入节奏）。0 表示不停顿。
	IntervalMS int `yaml:"interval_ms"`
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `yaml:"buf_size"`
}

// Script 按分隔行把输入切分为连续的全量快照并依次发出。
// 约束：
// 1) 每个分隔行结束一个快照；输入结束时发出最后一个快照；
// 2) 分隔行之后若无任何内容，最后发出一个空快照（等价于清空）；
// 3) 读取是流式的：STDIN 交互输入时快照随分隔行即时发出。
type Script struct {
	path     string
	sep      string
	interval time.Duration
	bufSize  int
	stdin    io.Reader
}

// New 创建脚本输入源。
func New(opts *Options) *Script {
	const defaultBuf = 64 * 1024
	s := &Script{sep: "---", bufSize: defaultBuf, stdin: os.Stdin}
	if opts == nil {
		return s
	}
	s.path = strings.TrimSpace(opts.Path)
	if sep := strings.TrimSpace(opts.Separator); sep != "" {
		s.sep = sep
	}
	if opts.IntervalMS > 0 {
		s.interval = time.Duration(opts.IntervalMS) * time.Millisecond
	}
	if opts.BufSize > 0 {
		s.bufSize = opts.BufSize
	}
	return s
}

// Name 返回输入标识（用于终端提示）。
func (s *Script) Name() string {
	if s.path == "" || s.path == "-" {
		return "stdin"
	}
	return contract.NormalizePath(s.path)
}

// Run 实现 contract.Source。
func (s *Script) Run(ctx context.Context, emit func(text string) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var r io.Reader = s.stdin
	if s.path != "" && s.path != "-" {
		f, err := os.Open(s.path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	br := bufio.NewReaderSize(r, s.bufSize)

	var block []string
	sent := 0
	flush := func() error {
		if sent > 0 && s.interval > 0 {
			if err := sleepWithCtx(ctx, s.interval); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.Join(block, "\n")
		block = block[:0]
		sent++
		return emit(text)
	}
	pendingEmpty := false
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			if strings.TrimSpace(line) == s.sep {
				if ferr := flush(); ferr != nil {
					return ferr
				}
				pendingEmpty = true
			} else {
				block = append(block, line)
				pendingEmpty = false
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if len(block) > 0 || pendingEmpty || sent == 0 {
		return flush()
	}
	return nil
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ contract.Source = (*Script)(nil)
