package table

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"dynquery/pkg/contract"
)

// Options 控制表格输出。
type Options struct {
	// Style: "default"（ASCII）/"light"（默认，细线框）/"colored"。
	Style string `yaml:"style"`
	// ShowMeta: 是否追加 meta 列（k=v 按键排序）。
	ShowMeta bool `yaml:"show_meta"`
	// Title: 是否在表头上方输出代次标题。
	Title *bool `yaml:"title,omitempty"`
}

// Table 在每次提交时把完整物化列表渲染为表格。
type Table struct {
	out   io.Writer
	style table.Style
	meta  bool
	title bool
	mu    sync.Mutex
}

// New 创建表格 Sink；w 为空时写 stdout。
func New(opts *Options, w io.Writer) (*Table, error) {
	if opts == nil {
		opts = &Options{}
	}
	if w == nil {
		w = os.Stdout
	}
	st, err := styleOf(opts.Style)
	if err != nil {
		return nil, err
	}
	title := true
	if opts.Title != nil {
		title = *opts.Title
	}
	return &Table{out: w, style: st, meta: opts.ShowMeta, title: title}, nil
}

func styleOf(name string) (table.Style, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "light":
		return table.StyleLight, nil
	case "default", "plain":
		return table.StyleDefault, nil
	case "colored":
		return table.StyleColoredBlueWhiteOnBlack, nil
	default:
		return table.Style{}, fmt.Errorf("%w: sink.table style %q", contract.ErrInvalidInput, name)
	}
}

var _ contract.Sink = (*Table)(nil)

// Publish 实现 contract.Sink。
func (t *Table) Publish(ctx context.Context, gen uint64, items []contract.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tw := table.NewWriter()
	tw.SetStyle(t.style)
	if t.title {
		tw.SetTitle(fmt.Sprintf("gen %d · %d 条", gen, len(items)))
	}
	hdr := table.Row{"#", "Code", "Name", "Source"}
	if t.meta {
		hdr = append(hdr, "Meta")
	}
	tw.AppendHeader(hdr)
	for i, e := range items {
		row := table.Row{i + 1, e.Payload.Code, e.Payload.Name, e.Source}
		if t.meta {
			row = append(row, FormatMeta(e.Payload.Meta))
		}
		tw.AppendRow(row)
	}
	_, err := io.WriteString(t.out, tw.Render()+"\n")
	return err
}

// FormatMeta 以键序输出 k=v 列表。
func FormatMeta(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, " ")
}
