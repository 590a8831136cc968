package config

import "gopkg.in/yaml.v3"

// Config: 运行期只读配置（一次解析，运行期不变）。
// YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Concurrency: 同时进行的富化调用上限。
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=1024"`
	// DebounceMS: 输入去抖窗口（毫秒）；0 关闭。-1 仅用于覆盖层表示“未设置”。
	DebounceMS int `yaml:"debounce_ms" validate:"gte=0"`
	// Supersede: 新快照到达时取消尚未提交的批（默认 true）。
	Supersede *bool `yaml:"supersede,omitempty"`
	// FailurePolicy: 单项富化失败策略（isolate | fail_fast）。
	FailurePolicy string `yaml:"failure_policy" validate:"omitempty,policy"`
	// MemoTTLMS: 富化结果缓存 TTL（毫秒）；0 关闭。-1 同 DebounceMS。
	MemoTTLMS int `yaml:"memo_ttl_ms" validate:"gte=0"`
	// IgnoreCase: 令牌比较忽略大小写（Unicode 简单折叠）。
	IgnoreCase *bool   `yaml:"ignore_case,omitempty"`
	Logging    Logging `yaml:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `yaml:"components"`

	// 富化调用限流（仅承载；执行位于 rate.Gate）。
	Rate Rate `yaml:"rate"`

	// 各组件 Options 子树：按实现名分组，原样 YAML 传入工厂。
	Options Options `yaml:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Source    string `yaml:"source"`
	Tokenizer string `yaml:"tokenizer"`
	Enricher  string `yaml:"enricher"`
	Sink      string `yaml:"sink"`
}

// Options: 各组件的原样 YAML Options，键为实现名。
type Options struct {
	Source    map[string]yaml.Node `yaml:"source,omitempty"`
	Tokenizer map[string]yaml.Node `yaml:"tokenizer,omitempty"`
	Enricher  map[string]yaml.Node `yaml:"enricher,omitempty"`
	Sink      map[string]yaml.Node `yaml:"sink,omitempty"`
}

// Rate: 富化限流；RPS 为 0 表示不限流。
type Rate struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}
