package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "dynquery/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "在指定目录生成默认配置 dynquery.yaml 和 .env 模板（已存在则跳过，不覆盖）",
		Long:  "dir 缺省为当前目录；为 \"-\" 时把 YAML 模板写到 stdout。",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			b, err := cfgpkg.Encode(cfgpkg.DefaultTemplateConfig())
			if err != nil {
				return configErr(err)
			}
			if dir == "-" {
				_, err := cmd.OutOrStdout().Write(b)
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return configErr(fmt.Errorf("生成默认配置失败: %w", err))
			}
			cfgPath := filepath.Join(dir, "dynquery.yaml")
			wrote, err := writeIfAbsent(cfgPath, b)
			if err != nil {
				return configErr(fmt.Errorf("生成默认配置失败: %w", err))
			}
			if !wrote {
				fmt.Fprintf(cmd.ErrOrStderr(), "已存在，跳过: %s\n", cfgPath)
			}
			// .env 失败不影响主流程
			if _, err := writeIfAbsent(filepath.Join(dir, ".env"), []byte(dotEnvTemplate())); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			return nil
		},
	}
}

// writeIfAbsent 以 O_EXCL 创建文件；已存在时返回 (false, nil)。
func writeIfAbsent(path string, b []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return false, err
	}
	return true, nil
}

// dotEnvTemplate 列出支持的覆盖项；空值表示未设置。
func dotEnvTemplate() string {
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# dynquery .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > YAML\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	for _, k := range []string{"CONFIG_FILE", "CONFIG_YAML"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 运行参数覆盖\n")
	for _, k := range []string{"CONCURRENCY", "DEBOUNCE_MS", "SUPERSEDE", "FAILURE_POLICY", "MEMO_TTL_MS", "IGNORE_CASE", "LOG_LEVEL", "RATE_RPS", "RATE_BURST"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"ENRICHER", "COMPONENTS_SOURCE", "COMPONENTS_TOKENIZER", "COMPONENTS_SINK"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# http 富化器密钥（options.enricher.http.api_key_env 指向此变量）\n")
	b.WriteString(p + "LOOKUP_API_KEY=\n")
	return b.String()
}
