package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dynquery/internal/tracker"
	"dynquery/pkg/changeset"
	"dynquery/pkg/contract"
	"dynquery/pkg/listdiff"
	"dynquery/plugins/tokenizer/lines"
)

func newDiffCmd() *cobra.Command {
	var ignoreCase, keepEmpty bool
	var style string
	cmd := &cobra.Command{
		Use:   "diff OLD NEW",
		Short: "按行比较两个快照文件，输出差异片段与变更事件",
		Long:  "OLD/NEW 为文本文件（其一可为 \"-\" 表示 STDIN）；每个非空行视为一个查询。",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "-" && args[1] == "-" {
				return configErr(fmt.Errorf("%w: OLD 与 NEW 不能同时为 STDIN", contract.ErrInvalidInput))
			}
			st, err := tableStyle(style)
			if err != nil {
				return configErr(err)
			}
			tok := lines.New(&lines.Options{KeepEmpty: keepEmpty})
			prev, err := readTokens(cmd.InOrStdin(), args[0], tok)
			if err != nil {
				return runtimeErr(err)
			}
			next, err := readTokens(cmd.InOrStdin(), args[1], tok)
			if err != nil {
				return runtimeErr(err)
			}
			eq := contract.Equals[string]()
			if ignoreCase {
				eq = strings.EqualFold
			}
			renderDiff(cmd.OutOrStdout(), st, prev, next, eq)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ignoreCase, "ignore-case", false, "比较时忽略大小写")
	cmd.Flags().BoolVar(&keepEmpty, "keep-empty", false, "保留空行")
	cmd.Flags().StringVar(&style, "style", "light", "表格样式 light|default")
	return cmd
}

func tableStyle(name string) (table.Style, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "light":
		return table.StyleLight, nil
	case "default", "plain":
		return table.StyleDefault, nil
	default:
		return table.Style{}, fmt.Errorf("%w: style %q", contract.ErrInvalidInput, name)
	}
}

func readTokens(stdin io.Reader, path string, tok contract.Tokenizer) ([]string, error) {
	var b []byte
	var err error
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return tok.Tokenize(strings.TrimSpace(string(b))), nil
}

// renderDiff 输出两张表：差异片段（Compare）与变更事件（含清空快速路径），最后一行为摘要。
func renderDiff(w io.Writer, st table.Style, prev, next []string, eq contract.Comparer[string]) {
	segs := listdiff.Compare(prev, next, eq)
	_, changes := tracker.Step(tracker.NewState(prev), next, eq)

	sw := table.NewWriter()
	sw.SetOutputMirror(w)
	sw.SetStyle(st)
	sw.SetTitle("segments")
	sw.AppendHeader(table.Row{"#", "Op", "Len", "Items"})
	for i, s := range segs {
		sw.AppendRow(table.Row{i + 1, s.Op.String(), s.Len(), strings.Join(s.Items, ", ")})
	}
	sw.Render()

	cw := table.NewWriter()
	cw.SetOutputMirror(w)
	cw.SetStyle(st)
	cw.SetTitle("changes")
	cw.AppendHeader(table.Row{"#", "Reason", "Index", "Items"})
	for i, c := range changes {
		cw.AppendRow(table.Row{i + 1, c.Reason.String(), c.Index, strings.Join(c.Items, ", ")})
	}
	cw.Render()

	sum := changeset.Summary(changes)
	fmt.Fprintf(w, "%d -> %d | 事件 %d | +%d -%d | 清空 %d\n", len(prev), len(next), sum.Events, sum.Added, sum.Removed, sum.Cleared)
}
