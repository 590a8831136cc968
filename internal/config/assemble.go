package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"dynquery/internal/enrich"
	"dynquery/internal/pipeline"
	"dynquery/internal/rate"
	"dynquery/pkg/contract"
	"dynquery/pkg/registry"
)

// cfgValidate 为 Config 的结构体标签校验器。
var cfgValidate *validator.Validate

func init() {
	cfgValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = cfgValidate.RegisterValidation("policy", func(fl validator.FieldLevel) bool {
		_, err := enrich.ParsePolicy(fl.Field().String())
		return err == nil
	})
}

// Validate 对最小必要边界做静态校验：结构体标签 + 组件名是否已注册。
func Validate(cfg Config) error {
	if err := cfgValidate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	d := Defaults()
	if name := effName(cfg.Components.Source, d.Components.Source); registry.Source[name] == nil {
		return fmt.Errorf("config: source %q not registered", name)
	}
	if name := effName(cfg.Components.Tokenizer, d.Components.Tokenizer); registry.Tokenizer[name] == nil {
		return fmt.Errorf("config: tokenizer %q not registered", name)
	}
	if name := effName(cfg.Components.Enricher, d.Components.Enricher); registry.Enricher[name] == nil {
		return fmt.Errorf("config: enricher %q not registered", name)
	}
	if name := effName(cfg.Components.Sink, d.Components.Sink); registry.Sink[name] == nil {
		return fmt.Errorf("config: sink %q not registered", name)
	}
	return nil
}

// fieldPath: "Config.Rate.RPS" -> "rate.rps"
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}

// Assemble 构造 Components 与 Settings（含限流 Gate+Key），并返回输入源显示名。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样节点。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, string, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, "", err
	}

	// 有效名称
	d := Defaults()
	srcN := effName(cfg.Components.Source, d.Components.Source)
	tokN := effName(cfg.Components.Tokenizer, d.Components.Tokenizer)
	enN := effName(cfg.Components.Enricher, d.Components.Enricher)
	skN := effName(cfg.Components.Sink, d.Components.Sink)

	// 构造实例
	src, err := registry.Source[srcN](nodeOf(cfg.Options.Source, srcN))
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, "", fmt.Errorf("source %s: %w", srcN, err)
	}
	tok, err := registry.Tokenizer[tokN](nodeOf(cfg.Options.Tokenizer, tokN))
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, "", fmt.Errorf("tokenizer %s: %w", tokN, err)
	}
	enNode := nodeOf(cfg.Options.Enricher, enN)
	en, err := registry.Enricher[enN](enNode)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, "", fmt.Errorf("enricher %s: %w", enN, err)
	}
	sink, err := registry.Sink[skN](nodeOf(cfg.Options.Sink, skN))
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, "", fmt.Errorf("sink %s: %w", skN, err)
	}

	comp := pipeline.Components{Source: src, Tokenizer: tok, Enricher: en, Sink: sink}

	policy, _ := enrich.ParsePolicy(cfg.FailurePolicy)
	set := pipeline.Settings{
		Concurrency: cfg.Concurrency,
		Debounce:    time.Duration(cfg.DebounceMS) * time.Millisecond,
		Supersede:   cfg.Supersede == nil || *cfg.Supersede,
		Policy:      policy,
		MemoTTL:     time.Duration(cfg.MemoTTLMS) * time.Millisecond,
	}
	if cfg.IgnoreCase != nil && *cfg.IgnoreCase {
		set.Comparer = contract.Comparer[string](strings.EqualFold)
	}

	// 限流 Gate（RPS>0 时构造；分组键从富化器 options 派生，失败则退化为富化器名）
	if cfg.Rate.RPS > 0 {
		key := rate.LimitKey(enN)
		if enNode != nil {
			var m map[string]any
			if err := enNode.Decode(&m); err == nil {
				key = rate.DeriveKey(enN, m)
			}
		}
		set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{key: {RPS: cfg.Rate.RPS, Burst: cfg.Rate.Burst}}, nil)
		set.GateKey = key
	}
	return comp, set, src.Name(), nil
}

func nodeOf(m map[string]yaml.Node, name string) *yaml.Node {
	n, ok := m[name]
	if !ok {
		return nil
	}
	return &n
}

func effName(got, def string) string {
	if strings.TrimSpace(got) == "" {
		return def
	}
	return strings.TrimSpace(got)
}
