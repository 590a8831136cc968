package registry

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dynquery/pkg/contract"
	echo "dynquery/plugins/enricher/echo"
	flaky "dynquery/plugins/enricher/flaky"
	hlk "dynquery/plugins/enricher/httplookup"
	skf "dynquery/plugins/sink/file"
	skt "dynquery/plugins/sink/table"
	srcf "dynquery/plugins/source/file"
	srcs "dynquery/plugins/source/script"
	tkl "dynquery/plugins/tokenizer/lines"
)

// Stdout 为 table Sink 的输出目标（测试可替换）。
var Stdout io.Writer = os.Stdout

// StrictDecode: 使用 KnownFields 严格解码 YAML 节点，拒绝未知字段。
// nil/空节点保持零值（默认选项）。
func StrictDecode(node *yaml.Node, v any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// NamedSource 为带显示名的输入源（用于终端状态与日志）。
type NamedSource interface {
	contract.Source
	Name() string
}

// NewSource 工厂签名：接收原样 YAML Options。
type NewSource func(node *yaml.Node) (NamedSource, error)

// NewTokenizer 工厂签名：接收原样 YAML Options。
type NewTokenizer func(node *yaml.Node) (contract.Tokenizer, error)

// NewEnricher 工厂签名：接收原样 YAML Options。
type NewEnricher func(node *yaml.Node) (contract.Enricher, error)

// NewSink 工厂签名：接收原样 YAML Options。
type NewSink func(node *yaml.Node) (contract.Sink, error)

// Source 工厂注册表（显式、零反射）。
var Source = map[string]NewSource{
	// script: STDIN/文件中以分隔行切开的快照序列
	"script": func(node *yaml.Node) (NamedSource, error) {
		var opts srcs.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return srcs.New(&opts), nil
	},
	// file: 监听单个文件，每次写入发出全文
	"file": func(node *yaml.Node) (NamedSource, error) {
		var opts srcf.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return srcf.New(&opts)
	},
}

// Tokenizer 工厂注册表。
var Tokenizer = map[string]NewTokenizer{
	"lines": func(node *yaml.Node) (contract.Tokenizer, error) {
		var opts tkl.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return tkl.New(&opts), nil
	},
}

// Enricher 工厂注册表。
var Enricher = map[string]NewEnricher{
	// echo: 本地富化（Code 为新 UUID，Name 为查询本身）
	"echo": func(node *yaml.Node) (contract.Enricher, error) {
		var opts echo.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return echo.New(&opts)
	},
	// http: 远程查询服务
	"http": func(node *yaml.Node) (contract.Enricher, error) {
		var opts hlk.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return hlk.New(&opts)
	},
	// flaky: 确定性失败注入（调试/演练）
	"flaky": func(node *yaml.Node) (contract.Enricher, error) {
		var opts flaky.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return flaky.New(&opts), nil
	},
}

// Sink 工厂注册表。
var Sink = map[string]NewSink{
	// table: 每次提交渲染完整列表到 Stdout
	"table": func(node *yaml.Node) (contract.Sink, error) {
		var opts skt.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return skt.New(&opts, Stdout)
	},
	// file: JSON 快照文件（原子替换）或 JSONL 追加
	"file": func(node *yaml.Node) (contract.Sink, error) {
		var opts skf.Options
		if err := StrictDecode(node, &opts); err != nil {
			return nil, err
		}
		return skf.New(&opts)
	},
}
