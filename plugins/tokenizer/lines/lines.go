package lines

import (
	"strings"

	"dynquery/pkg/contract"
)

// Options 为行切分器的可选配置。
type Options struct {
	// KeepEmpty: 保留空行（默认丢弃）。
	KeepEmpty bool `yaml:"keep_empty"`
	// TrimSpace: 去除每行首尾空白。默认保留，行内容即查询本身。
	TrimSpace bool `yaml:"trim_space"`
}

// Lines 按换行（\n、\r\n、\r）切分文本。保序、不去重。
type Lines struct {
	keepEmpty bool
	trim      bool
}

// New 创建行切分器。
func New(opts *Options) *Lines {
	if opts == nil {
		return &Lines{}
	}
	return &Lines{keepEmpty: opts.KeepEmpty, trim: opts.TrimSpace}
}

// Tokenize 实现 contract.Tokenizer。
func (l *Lines) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if l.trim {
			p = strings.TrimSpace(p)
		}
		if p == "" && !l.keepEmpty {
			continue
		}
		out = append(out, p)
	}
	return out
}

var _ contract.Tokenizer = (*Lines)(nil)
