package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dynquery/internal/diag"
	"dynquery/internal/enrich"
	"dynquery/internal/pipeline"
)

// 在临时目录中运行，避免 logs/ 与 .env 污染仓库。
func inTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	t.Setenv("CI", "1")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}
}

func TestInitConfig(t *testing.T) {
	dir := inTemp(t)
	out := filepath.Join(dir, "conf")
	var so, se bytes.Buffer
	if code := execute([]string{"init-config", out}, &so, &se); code != 0 {
		t.Fatalf("init-config 返回 %d: %s", code, se.String())
	}
	for _, name := range []string{"dynquery.yaml", ".env"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("%s 未生成: %v", name, err)
		}
	}
	env, _ := os.ReadFile(filepath.Join(out, ".env"))
	if !strings.Contains(string(env), "DYNQUERY_DEBOUNCE_MS=") {
		t.Fatalf(".env 模板缺少覆盖项:\n%s", env)
	}
	// 再次生成：跳过，不覆盖
	se.Reset()
	if code := execute([]string{"init-config", out}, &so, &se); code != 0 {
		t.Fatalf("重复 init-config 返回 %d", code)
	}
	if !strings.Contains(se.String(), "已存在") {
		t.Fatalf("应提示已存在: %q", se.String())
	}
}

func TestInitConfigStdout(t *testing.T) {
	inTemp(t)
	var so, se bytes.Buffer
	if code := execute([]string{"init-config", "-"}, &so, &se); code != 0 {
		t.Fatalf("返回 %d", code)
	}
	if !strings.Contains(so.String(), "debounce_ms: 800") {
		t.Fatalf("模板内容错误:\n%s", so.String())
	}
}

// 端到端：脚本输入 → echo 富化 → 文件快照
func TestRunEndToEnd(t *testing.T) {
	dir := inTemp(t)
	script := filepath.Join(dir, "script.txt")
	writeFile(t, script, "apple\nbanana\n---\nbanana\ncherry\n")
	snap := filepath.Join(dir, "out", "list.json")
	t.Setenv("DYNQUERY_CONFIG_YAML", fmt.Sprintf("components:\n  sink: file\noptions:\n  sink:\n    file:\n      path: %q\n", snap))

	var so, se bytes.Buffer
	if code := execute([]string{"run", "--status=false", script}, &so, &se); code != 0 {
		t.Fatalf("run 返回 %d: %s", code, se.String())
	}
	b, err := os.ReadFile(snap)
	if err != nil {
		t.Fatalf("快照未写出: %v", err)
	}
	var got struct {
		Gen   uint64 `json:"gen"`
		Items []struct {
			Source string `json:"source"`
			Name   string `json:"name"`
		} `json:"items"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("快照格式错误: %v", err)
	}
	if got.Gen != 2 || len(got.Items) != 2 || got.Items[0].Source != "banana" || got.Items[1].Source != "cherry" {
		t.Fatalf("最终快照错误: %+v", got)
	}
}

// --trace：富化 span 经 SDK 导出到文件
func TestRunTrace(t *testing.T) {
	dir := inTemp(t)
	script := filepath.Join(dir, "s.txt")
	writeFile(t, script, "alpha\nbeta\n")
	tracePath := filepath.Join(dir, "spans.jsonl")
	var so, se bytes.Buffer
	if code := execute([]string{"run", "--status=false", "--trace", tracePath, script}, &so, &se); code != 0 {
		t.Fatalf("返回 %d: %s", code, se.String())
	}
	b, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("span 文件未写出: %v", err)
	}
	var batches, items int
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var sp struct {
			Name string `json:"Name"`
		}
		if err := dec.Decode(&sp); err != nil {
			t.Fatalf("span 格式错误: %v", err)
		}
		switch sp.Name {
		case "enrich.batch":
			batches++
		case "enrich.item":
			items++
		}
	}
	if batches != 1 || items != 2 {
		t.Fatalf("span 数量错误: batch=%d item=%d\n%s", batches, items, b)
	}

	if code := execute([]string{"run", "--status=false", "--trace", filepath.Join(dir, "missing", "x.json")}, &so, &se); code != 3 {
		t.Fatalf("无法打开追踪文件应返回 3，实得 %d", code)
	}
}

// 无子命令时等价于 run；默认 table 输出到 stdout
func TestRootDefaultsToRun(t *testing.T) {
	dir := inTemp(t)
	script := filepath.Join(dir, "s.txt")
	writeFile(t, script, "alpha\n")
	var so, se bytes.Buffer
	if code := execute([]string{"--status=false", script}, &so, &se); code != 0 {
		t.Fatalf("返回 %d: %s", code, se.String())
	}
	if !strings.Contains(so.String(), "alpha") || !strings.Contains(so.String(), "gen 1") {
		t.Fatalf("表格输出错误:\n%s", so.String())
	}
}

// CLI 旗标覆盖配置，并映射到流水线设置
func TestRunFlagsOverride(t *testing.T) {
	inTemp(t)
	t.Setenv("DYNQUERY_CONCURRENCY", "2")
	var got pipeline.Settings
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		got = set
		return nil
	}
	defer func() { pipelineRun = orig }()

	var so, se bytes.Buffer
	args := []string{"run", "--status=false", "--concurrency", "7", "--debounce", "250ms", "--policy", "fail_fast", "--ignore-case", "--supersede=false"}
	if code := execute(args, &so, &se); code != 0 {
		t.Fatalf("返回 %d: %s", code, se.String())
	}
	if got.Concurrency != 7 || got.Debounce != 250*time.Millisecond || got.Policy != enrich.FailFast || got.Supersede {
		t.Fatalf("设置映射错误: %+v", got)
	}
	if got.Comparer == nil || !got.Comparer("X", "x") {
		t.Fatalf("ignore-case 未生效")
	}
}

// ENV 生效（无 CLI 覆盖时）
func TestRunEnvOverlay(t *testing.T) {
	inTemp(t)
	t.Setenv("DYNQUERY_CONCURRENCY", "5")
	t.Setenv("DYNQUERY_DEBOUNCE_MS", "40")
	var got pipeline.Settings
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		got = set
		return nil
	}
	defer func() { pipelineRun = orig }()
	var so, se bytes.Buffer
	if code := execute([]string{"run", "--status=false"}, &so, &se); code != 0 {
		t.Fatalf("返回 %d: %s", code, se.String())
	}
	if got.Concurrency != 5 || got.Debounce != 40*time.Millisecond || !got.Supersede {
		t.Fatalf("ENV 覆盖错误: %+v", got)
	}
}

func TestRunConfigErrors(t *testing.T) {
	inTemp(t)
	cases := [][]string{
		{"run", "--status=false", "--policy", "bogus"},
		{"run", "--status=false", "--enricher", "nope"},
		{"run", "--status=false", "--config", "missing.yaml"},
		{"run", "a", "b"},
		{"run", "--no-such-flag"},
	}
	for _, args := range cases {
		var so, se bytes.Buffer
		if code := execute(args, &so, &se); code != 3 {
			t.Fatalf("%v 期望退出码 3 实得 %d", args, code)
		}
	}
}

func TestRunConfigFileUnknownField(t *testing.T) {
	dir := inTemp(t)
	writeFile(t, filepath.Join(dir, "dynquery.yaml"), "bogus: 1\n")
	var so, se bytes.Buffer
	if code := execute([]string{"run", "--status=false"}, &so, &se); code != 3 {
		t.Fatalf("未知字段应返回 3，实得 %d", code)
	}
}

func TestRunRuntimeError(t *testing.T) {
	inTemp(t)
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		return errors.New("boom")
	}
	defer func() { pipelineRun = orig }()
	var so, se bytes.Buffer
	if code := execute([]string{"run", "--status=false"}, &so, &se); code != 1 {
		t.Fatalf("运行期失败应返回 1，实得 %d", code)
	}
	if !strings.Contains(se.String(), "boom") {
		t.Fatalf("stderr 应包含错误: %q", se.String())
	}
}

func TestRunMetricsServer(t *testing.T) {
	inTemp(t)
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		return nil
	}
	defer func() { pipelineRun = orig }()
	var so, se bytes.Buffer
	if code := execute([]string{"run", "--status=false", "--metrics-addr", "127.0.0.1:0"}, &so, &se); code != 0 {
		t.Fatalf("返回 %d: %s", code, se.String())
	}
	if code := execute([]string{"run", "--status=false", "--metrics-addr", "bad::addr::"}, &so, &se); code != 3 {
		t.Fatalf("非法监听地址应返回 3，实得 %d", code)
	}
}

func TestDiffCommand(t *testing.T) {
	dir := inTemp(t)
	oldp := filepath.Join(dir, "old.txt")
	newp := filepath.Join(dir, "new.txt")
	writeFile(t, oldp, "a\nb\nc\n")
	writeFile(t, newp, "a\nx\nc\n")
	var so, se bytes.Buffer
	if code := execute([]string{"diff", "--style", "default", oldp, newp}, &so, &se); code != 0 {
		t.Fatalf("diff 返回 %d: %s", code, se.String())
	}
	out := so.String()
	for _, want := range []string{"equal", "delete", "insert", "remove", "add", "3 -> 3 | 事件 2 | +1 -1 | 清空 0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, out)
		}
	}

	// 清空快速路径
	empty := filepath.Join(dir, "empty.txt")
	writeFile(t, empty, "")
	so.Reset()
	if code := execute([]string{"diff", oldp, empty}, &so, &se); code != 0 {
		t.Fatalf("diff 返回 %d", code)
	}
	if !strings.Contains(so.String(), "clear") || !strings.Contains(so.String(), "清空 3") {
		t.Fatalf("应输出 clear 事件:\n%s", so.String())
	}
}

func TestDiffErrors(t *testing.T) {
	inTemp(t)
	var so, se bytes.Buffer
	if code := execute([]string{"diff", "-", "-"}, &so, &se); code != 3 {
		t.Fatalf("双 STDIN 应返回 3，实得 %d", code)
	}
	if code := execute([]string{"diff", "only-one"}, &so, &se); code != 3 {
		t.Fatalf("参数不足应返回 3，实得 %d", code)
	}
	if code := execute([]string{"diff", "missing-a", "missing-b"}, &so, &se); code != 1 {
		t.Fatalf("文件缺失应返回 1，实得 %d", code)
	}
}
