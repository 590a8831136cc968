package registry

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"dynquery/pkg/contract"
)

func node(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("yaml 解析失败: %v", err)
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return &doc
}

// TestStrictDecode 验证严格解码逻辑。
func TestStrictDecode(t *testing.T) {
	type opt struct {
		A int `yaml:"a"`
	}
	var o opt
	if err := StrictDecode(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := StrictDecode(node(t, "a: 1"), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 YAML 解析失败: %v", err)
	}
	if err := StrictDecode(node(t, "a: 1\nb: 2"), &o); err == nil {
		t.Fatalf("未知字段应报错")
	}
	if err := StrictDecode(&yaml.Node{}, &o); err != nil {
		t.Fatalf("空节点应保持默认: %v", err)
	}
}

// TestFactories 遍历注册表入口。
func TestFactories(t *testing.T) {
	t.Run("source", func(t *testing.T) {
		src, err := Source["script"](node(t, "separator: '==='"))
		if err != nil {
			t.Fatalf("source.script: %v", err)
		}
		if src.Name() == "" {
			t.Fatalf("source.script 名称为空")
		}
		if _, err := Source["script"](node(t, "x: 1")); err == nil {
			t.Fatalf("source.script 未对未知字段报错")
		}
		p := filepath.Join(t.TempDir(), "q.txt")
		if _, err := Source["file"](node(t, fmt.Sprintf("path: %q", p))); err != nil {
			t.Fatalf("source.file: %v", err)
		}
		if _, err := Source["file"](nil); err == nil {
			t.Fatalf("source.file 缺少 path 应报错")
		}
	})
	t.Run("tokenizer", func(t *testing.T) {
		tk, err := Tokenizer["lines"](node(t, "keep_empty: false"))
		if err != nil {
			t.Fatalf("tokenizer: %v", err)
		}
		if got := tk.Tokenize("a\nb"); len(got) != 2 {
			t.Fatalf("tokenizer 结果错误: %v", got)
		}
		if _, err := Tokenizer["lines"](node(t, "x: 1")); err == nil {
			t.Fatalf("tokenizer 未对未知字段报错")
		}
	})
	t.Run("enricher", func(t *testing.T) {
		for _, name := range []string{"echo", "flaky"} {
			if _, err := Enricher[name](nil); err != nil {
				t.Fatalf("enricher.%s: %v", name, err)
			}
			if _, err := Enricher[name](node(t, "x: 1")); err == nil {
				t.Fatalf("enricher.%s 未对未知字段报错", name)
			}
		}
		if _, err := Enricher["http"](node(t, "base_url: http://127.0.0.1:1")); err != nil {
			t.Fatalf("enricher.http: %v", err)
		}
	})
	t.Run("sink", func(t *testing.T) {
		var buf bytes.Buffer
		old := Stdout
		Stdout = &buf
		defer func() { Stdout = old }()

		s, err := Sink["table"](node(t, "style: default"))
		if err != nil {
			t.Fatalf("sink.table: %v", err)
		}
		if err := s.Publish(context.Background(), 1, []contract.Entry{{Key: "k", Source: "k"}}); err != nil {
			t.Fatalf("sink.table publish: %v", err)
		}
		if buf.Len() == 0 {
			t.Fatalf("sink.table 未写出")
		}
		p := filepath.Join(t.TempDir(), "out.json")
		if _, err := Sink["file"](node(t, fmt.Sprintf("path: %q\natomic: true", p))); err != nil {
			t.Fatalf("sink.file: %v", err)
		}
		if _, err := Sink["file"](node(t, fmt.Sprintf("path: %q\nx: 1", p))); err == nil {
			t.Fatalf("sink.file 未对未知字段报错")
		}
	})
}
