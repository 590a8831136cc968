package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 为环境变量覆盖的统一前缀。
const EnvPrefix = "DYNQUERY_"

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	on := true
	off := false
	return Config{
		Concurrency:   4,
		DebounceMS:    0,
		Supersede:     &on,
		FailurePolicy: "isolate",
		MemoTTLMS:     0,
		IgnoreCase:    &off,
		Logging:       Logging{Level: "info"},
		Components: Components{
			Source:    "script",
			Tokenizer: "lines",
			Enricher:  "echo",
			Sink:      "table",
		},
	}
}

// LoadYAML 从文件路径或原始 YAML 解析 Config（KnownFields 严格拒绝未知字段）。
// 空文档返回零值 Config。
func LoadYAML(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, err
	}
	return cfg, nil
}

// Unset 返回一个“全部未设置”的覆盖层（整型中 0 有语义的字段置 -1）。
func Unset() Config {
	return Config{DebounceMS: -1, MemoTTLMS: -1}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样节点为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	// DebounceMS/MemoTTLMS 的 0 具有语义（关闭），约定 <0 视为未覆盖。
	if over.DebounceMS >= 0 {
		out.DebounceMS = over.DebounceMS
	}
	if over.MemoTTLMS >= 0 {
		out.MemoTTLMS = over.MemoTTLMS
	}
	if over.Supersede != nil {
		v := *over.Supersede
		out.Supersede = &v
	}
	if over.IgnoreCase != nil {
		v := *over.IgnoreCase
		out.IgnoreCase = &v
	}
	if p := strings.TrimSpace(over.FailurePolicy); p != "" {
		out.FailurePolicy = p
	}
	if lv := strings.TrimSpace(over.Logging.Level); lv != "" {
		out.Logging.Level = lv
	}

	// 组件名（空不覆盖）
	if over.Components.Source != "" {
		out.Components.Source = over.Components.Source
	}
	if over.Components.Tokenizer != "" {
		out.Components.Tokenizer = over.Components.Tokenizer
	}
	if over.Components.Enricher != "" {
		out.Components.Enricher = over.Components.Enricher
	}
	if over.Components.Sink != "" {
		out.Components.Sink = over.Components.Sink
	}

	if over.Rate.RPS != 0 {
		out.Rate.RPS = over.Rate.RPS
	}
	if over.Rate.Burst != 0 {
		out.Rate.Burst = over.Rate.Burst
	}

	// Options（按实现名完整替换对应键）
	out.Options.Source = mergeNodes(base.Options.Source, over.Options.Source)
	out.Options.Tokenizer = mergeNodes(base.Options.Tokenizer, over.Options.Tokenizer)
	out.Options.Enricher = mergeNodes(base.Options.Enricher, over.Options.Enricher)
	out.Options.Sink = mergeNodes(base.Options.Sink, over.Options.Sink)
	return out
}

func mergeNodes(base, over map[string]yaml.Node) map[string]yaml.Node {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]yaml.Node, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 DYNQUERY_；集合之外的键忽略；数值解析失败返回错误。
// 支持：CONCURRENCY, DEBOUNCE_MS, SUPERSEDE, FAILURE_POLICY, MEMO_TTL_MS, IGNORE_CASE,
// ENRICHER, COMPONENTS_*, LOG_LEVEL, RATE_RPS, RATE_BURST。
func EnvOverlay(environ []string) (Config, error) {
	over := Unset()
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(kv[:eq], EnvPrefix)
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值视为未设置，避免清空配置文件中的值
			continue
		}
		var err error
		switch key {
		case "CONCURRENCY":
			over.Concurrency, err = strconv.Atoi(val)
		case "DEBOUNCE_MS":
			over.DebounceMS, err = strconv.Atoi(val)
		case "MEMO_TTL_MS":
			over.MemoTTLMS, err = strconv.Atoi(val)
		case "SUPERSEDE":
			var b bool
			if b, err = strconv.ParseBool(val); err == nil {
				over.Supersede = &b
			}
		case "IGNORE_CASE":
			var b bool
			if b, err = strconv.ParseBool(val); err == nil {
				over.IgnoreCase = &b
			}
		case "FAILURE_POLICY":
			over.FailurePolicy = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "ENRICHER", "COMPONENTS_ENRICHER":
			over.Components.Enricher = val
		case "COMPONENTS_SOURCE":
			over.Components.Source = val
		case "COMPONENTS_TOKENIZER":
			over.Components.Tokenizer = val
		case "COMPONENTS_SINK":
			over.Components.Sink = val
		case "RATE_RPS":
			over.Rate.RPS, err = strconv.ParseFloat(val, 64)
		case "RATE_BURST":
			over.Rate.Burst, err = strconv.Atoi(val)
		default:
			// 配置来源（CONFIG_FILE/CONFIG_YAML）由 CLI 读取；其余忽略。
		}
		if err != nil {
			return Config{}, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
	}
	return over, nil
}

// SetOption 在 opts[name] 节点上设置单个键（保留其余键），返回新映射；原映射不变。
func SetOption(opts map[string]yaml.Node, name, key string, val any) (map[string]yaml.Node, error) {
	m := map[string]any{}
	if n, ok := opts[name]; ok && n.Kind != 0 {
		if err := n.Decode(&m); err != nil {
			return nil, fmt.Errorf("options %s: %w", name, err)
		}
		if m == nil {
			m = map[string]any{}
		}
	}
	m[key] = val
	var node yaml.Node
	if err := node.Encode(m); err != nil {
		return nil, err
	}
	out := make(map[string]yaml.Node, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out[name] = node
	return out, nil
}
