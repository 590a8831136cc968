package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cfgpkg "dynquery/internal/config"
	"dynquery/internal/diag"
	"dynquery/internal/pipeline"
	"dynquery/pkg/registry"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// exitError 携带退出码；quiet 为 true 时不再向 stderr 打印。
type exitError struct {
	code  int
	err   error
	quiet bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeErr(err error) error { return &exitError{code: exitRuntime, err: err} }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute 运行根命令并映射退出码。
func execute(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = godotenv.Load(".env")
	registry.Stdout = stdout
	defer func() { registry.Stdout = os.Stdout }()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.quiet {
			fmt.Fprintf(stderr, "%v\n", ee.err)
		}
		return ee.code
	}
	// cobra 层面的用法错误（未知旗标/参数个数）
	fmt.Fprintf(stderr, "%v\n", err)
	return exitConfig
}

// runFlags 为 run 子命令旗标集合。
type runFlags struct {
	config      string
	logLevel    string
	concurrency int
	debounce    time.Duration
	supersede   bool
	policy      string
	enricher    string
	sink        string
	ignoreCase  bool
	watch       bool
	metricsAddr string
	trace       string
	status      bool
}

func newRootCmd() *cobra.Command {
	var f runFlags
	root := &cobra.Command{
		Use:           "dynquery",
		Short:         "把持续变化的查询文本增量富化为有序、去重的结果列表",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.config, "config", "", "配置文件路径（YAML）；缺省读取 ./dynquery.yaml（若存在）")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")

	run := &cobra.Command{
		Use:   "run [path|-]",
		Short: "运行增量富化流水线（默认子命令）",
		Long: "读取输入源的全量快照，增量富化后按代次提交到输出。\n" +
			"path 为输入源文件（script 源为快照脚本；--watch 时为被监视的文本文件），\"-\" 表示 STDIN。",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, &f, args)
		},
	}
	fl := run.Flags()
	fl.IntVar(&f.concurrency, "concurrency", 0, "富化并发度（覆盖配置）")
	fl.DurationVar(&f.debounce, "debounce", 0, "输入去抖窗口，例如 800ms；0 关闭（覆盖配置）")
	fl.BoolVar(&f.supersede, "supersede", true, "新快照到达时丢弃未提交的批（覆盖配置）")
	fl.StringVar(&f.policy, "policy", "", "单项失败策略 isolate|fail_fast（覆盖配置）")
	fl.StringVar(&f.enricher, "enricher", "", "富化器实现名（覆盖配置）")
	fl.StringVar(&f.sink, "sink", "", "输出实现名（覆盖配置）")
	fl.BoolVar(&f.ignoreCase, "ignore-case", false, "比较查询时忽略大小写（覆盖配置）")
	fl.BoolVar(&f.watch, "watch", false, "把 path 当作文本框监视（使用 file 输入源）")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus 指标监听地址，例如 127.0.0.1:9464；空则不启用")
	fl.StringVar(&f.trace, "trace", "", "把 OpenTelemetry span 以 JSON 行写到该文件；\"-\" 为 stderr；空则不启用")
	fl.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.AddCommand(run, newDiffCmd(), newInitCmd())
	// 无子命令时等价于 run
	root.Args = run.Args
	root.Flags().AddFlagSet(run.Flags())
	root.RunE = run.RunE
	return root
}

// loadConfig 按 defaults < file < ENV < CLI 的优先级构建最终配置。
func loadConfig(cmd *cobra.Command, f *runFlags, args []string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	// YAML 配置（文件或 ENV: DYNQUERY_CONFIG_YAML）
	var raw []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_YAML"); s != "" {
		raw = []byte(s)
	}
	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("dynquery.yaml"); err == nil {
			path = "dynquery.yaml"
		}
	}
	if path != "" || len(raw) > 0 {
		base, err := cfgpkg.LoadYAML(path, raw)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖：仅显式给出的旗标生效
	over := cfgpkg.Unset()
	changed := cmd.Flags().Changed
	if f.concurrency > 0 {
		over.Concurrency = f.concurrency
	}
	if changed("debounce") {
		over.DebounceMS = int(f.debounce / time.Millisecond)
	}
	if changed("supersede") {
		v := f.supersede
		over.Supersede = &v
	}
	if changed("ignore-case") {
		v := f.ignoreCase
		over.IgnoreCase = &v
	}
	over.FailurePolicy = f.policy
	over.Logging.Level = f.logLevel
	over.Components.Enricher = f.enricher
	over.Components.Sink = f.sink
	if f.watch {
		over.Components.Source = "file"
	}
	cfg = cfgpkg.Merge(cfg, over)

	// 位置参数：写入当前输入源的 path 选项
	if len(args) == 1 {
		src := strings.TrimSpace(cfg.Components.Source)
		if src == "" {
			src = cfgpkg.Defaults().Components.Source
		}
		opts, err := cfgpkg.SetOption(cfg.Options.Source, src, "path", args[0])
		if err != nil {
			return cfg, err
		}
		cfg.Options.Source = opts
	}
	return cfg, nil
}

func runPipeline(cmd *cobra.Command, f *runFlags, args []string) error {
	start := time.Now()
	corrID := genCorrID()
	stderr := cmd.ErrOrStderr()

	cfg, err := loadConfig(cmd, f, args)
	if err != nil {
		return configErr(err)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		// 打印有效配置，便于诊断
		dumpConfig(stderr, cfg)
		return configErr(fmt.Errorf("配置校验失败: %w", err))
	}
	logger := diag.NewLogger(corrID, cfg.Logging.Level)
	defer func() { _ = logger.Sync() }()

	comp, set, srcName, err := cfgpkg.Assemble(cfg)
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "assemble", &start)
		return configErr(fmt.Errorf("装配失败: %w", err))
	}

	if f.metricsAddr != "" {
		stop, err := serveMetrics(f.metricsAddr)
		if err != nil {
			logger.Error("metrics", string(diag.Classify(err)), "listen", &start)
			return configErr(fmt.Errorf("指标服务启动失败: %w", err))
		}
		defer stop()
	}

	if f.trace != "" {
		stop, err := startTracing(f.trace, stderr, corrID)
		if err != nil {
			logger.Error("trace", string(diag.Classify(err)), "install", &start)
			return configErr(fmt.Errorf("追踪初始化失败: %w", err))
		}
		defer stop()
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	enricherName := cfg.Components.Enricher
	if term != nil {
		term.RunStart(cfg.Concurrency, enricherName, srcName)
	}

	logger.DebugStart("config", "effective", 0, map[string]string{
		"concurrency":    fmt.Sprintf("%d", cfg.Concurrency),
		"debounce_ms":    fmt.Sprintf("%d", cfg.DebounceMS),
		"supersede":      fmt.Sprintf("%t", set.Supersede),
		"failure_policy": string(set.Policy),
		"source":         cfg.Components.Source,
		"tokenizer":      cfg.Components.Tokenizer,
		"enricher":       enricherName,
		"sink":           cfg.Components.Sink,
		"rate_key":       string(set.GateKey),
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t := logger.Start("pipeline", "run")
	err = pipelineRun(ctx, comp, set, logger)
	// 信号中断是监视会话的正常结束方式
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if term != nil {
			term.RunFinish(false, time.Since(start))
		}
		return runtimeErr(fmt.Errorf("运行失败: %w", err))
	}
	t.Finish("run", 0)
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	if term != nil {
		term.RunFinish(true, time.Since(start))
	}
	return nil
}

// serveMetrics 在 addr 上暴露 /metrics；返回的 stop 关闭服务。
func serveMetrics(addr string) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := diag.Register(reg); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// startTracing 安装 span 导出；返回的 stop 刷出剩余 span 并关闭文件。
func startTracing(path string, stderr io.Writer, corrID string) (func(), error) {
	w := stderr
	var f *os.File
	if path != "-" {
		var err error
		if f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err != nil {
			return nil, err
		}
		w = f
	}
	shutdown, err := diag.InstallTracing(w, corrID)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdown(ctx)
		if f != nil {
			_ = f.Close()
		}
	}, nil
}

func dumpConfig(w io.Writer, c cfgpkg.Config) {
	b, err := cfgpkg.Encode(c)
	if err != nil {
		return
	}
	_, _ = io.WriteString(w, "有效配置:\n")
	_, _ = w.Write(b)
}

func genCorrID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
