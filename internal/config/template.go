package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 输入为 STDIN 脚本（"---" 分隔快照），输出为终端表格；
// - 富化器为离线 echo，附带 http/flaky 的全部选项键；
// - 去抖 800ms。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.DebounceMS = 800
	cfg.MemoTTLMS = 60000
	cfg.Options = Options{
		Source: map[string]yaml.Node{
			"script": mustNode(`
path: "-"
separator: "---"
interval_ms: 0
buf_size: 65536
`),
			"file": mustNode(`
path: "queries.txt"
once: false
`),
		},
		Tokenizer: map[string]yaml.Node{
			"lines": mustNode(`
keep_empty: false
trim_space: false
`),
		},
		Enricher: map[string]yaml.Node{
			"echo": mustNode(`
key_mode: "name"
prefix: ""
`),
			"http": mustNode(`
base_url: "http://127.0.0.1:8080"
endpoint_path: "/lookup"
api_key_env: "DYNQUERY_LOOKUP_API_KEY"
api_key: ""
timeout_seconds: 10
key_mode: "code"
extra_headers: {}
`),
			"flaky": mustNode(`
prefix: "FLAKY"
fail_tokens: []
warmup: 2
log_path: ""
`),
		},
		Sink: map[string]yaml.Node{
			"table": mustNode(`
style: "light"
show_meta: false
title: true
`),
			"file": mustNode(`
path: "out/list.json"
format: "json"
atomic: true
`),
		},
	}
	return cfg
}

// Encode 以 YAML 输出配置（两空格缩进）。
func Encode(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mustNode(src string) yaml.Node {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		panic(err)
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		return *doc.Content[0]
	}
	return doc
}
