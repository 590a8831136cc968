package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"dynquery/internal/diag"
	"dynquery/internal/enrich"
	"dynquery/pkg/contract"
)

// 通用桩件 ----------------------------------------------------
type sourceFunc func(ctx context.Context, emit func(string) error) error

func (f sourceFunc) Run(ctx context.Context, emit func(string) error) error { return f(ctx, emit) }

func texts(ts ...string) sourceFunc {
	return func(ctx context.Context, emit func(string) error) error {
		for _, t := range ts {
			if err := emit(t); err != nil {
				return err
			}
		}
		return nil
	}
}

type lineTok struct{}

func (lineTok) Tokenize(text string) []string {
	var out []string
	for _, ln := range strings.Split(text, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

func plain(ctx context.Context, tok string) (contract.Entry, error) {
	return contract.Entry{Key: tok, Payload: contract.Option{Code: "c-" + tok, Name: tok}}, nil
}

type recSink struct {
	mu    sync.Mutex
	gens  []uint64
	snaps [][]contract.Entry
	err   error
}

func (s *recSink) Publish(ctx context.Context, gen uint64, items []contract.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.gens = append(s.gens, gen)
	s.snaps = append(s.snaps, items)
	return nil
}

func (s *recSink) last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return nil
	}
	var out []string
	for _, e := range s.snaps[len(s.snaps)-1] {
		out = append(out, e.Source)
	}
	return out
}

// UT-PIP-01: 缺少组件
func TestRunMissingComponents(t *testing.T) {
	err := Run(context.Background(), Components{Source: texts()}, Settings{}, nil)
	if err == nil {
		t.Fatalf("应返回组件缺失错误")
	}
}

// UT-PIP-02: 快照序列 → 增量提交，最终物化与最后快照一致
func TestRunSequence(t *testing.T) {
	sink := &recSink{}
	comp := Components{
		Source:    texts("a\nb", "a\nb\nc", "b\nc", "c\nd\nb"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(plain),
		Sink:      sink,
	}
	if err := Run(context.Background(), comp, Settings{Concurrency: 2}, diag.Nop()); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if !slices.Equal(sink.gens, []uint64{1, 2, 3, 4}) {
		t.Fatalf("代数顺序错误: %v", sink.gens)
	}
	// 缓存按追加放置：c 作为别名重入后仍保留原位，d 追加
	if got := sink.last(); !slices.Equal(got, []string{"b", "c", "d"}) {
		t.Fatalf("最终物化错误: %v", got)
	}
	if sink.snaps[0][0].Payload.Code != "c-a" {
		t.Fatalf("载荷错误: %+v", sink.snaps[0][0])
	}
}

// UT-PIP-03: 去首尾空白 + 相同文本去重；无变更快照不分配代数
func TestRunTrimAndDistinct(t *testing.T) {
	sink := &recSink{}
	comp := Components{
		Source:    texts("a\nb", "  a\nb  ", "a\n\nb", "a"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(plain),
		Sink:      sink,
	}
	if err := Run(context.Background(), comp, Settings{}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if !slices.Equal(sink.last(), []string{"a"}) {
		t.Fatalf("最终物化错误: %v", sink.last())
	}
	if !(len(sink.gens) == 2 && sink.gens[0] == 1 && sink.gens[1] == 2) {
		t.Fatalf("应只有两次提交: %v", sink.gens)
	}
}

// UT-PIP-04: 后发先至仍按代数顺序提交
func TestRunOrderedCommit(t *testing.T) {
	sink := &recSink{}
	slow := func(ctx context.Context, tok string) (contract.Entry, error) {
		if tok == "x" {
			time.Sleep(30 * time.Millisecond)
		}
		return plain(ctx, tok)
	}
	comp := Components{
		Source:    texts("x", "x\ny"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(slow),
		Sink:      sink,
	}
	if err := Run(context.Background(), comp, Settings{Concurrency: 2, Supersede: false}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if !slices.Equal(sink.last(), []string{"x", "y"}) {
		t.Fatalf("最终物化错误: %v", sink.last())
	}
	if len(sink.gens) != 2 || sink.gens[0] != 1 || sink.gens[1] != 2 {
		t.Fatalf("代数顺序错误: %v", sink.gens)
	}
}

// UT-PIP-05: 取代：未提交批被取消并丢弃，基线回退后缓存与最后快照一致
func TestRunSupersede(t *testing.T) {
	sink := &recSink{}
	started := make(chan struct{})
	var once sync.Once
	enr := func(ctx context.Context, tok string) (contract.Entry, error) {
		if tok == "slow" {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return contract.Entry{}, ctx.Err()
		}
		return plain(ctx, tok)
	}
	src := sourceFunc(func(ctx context.Context, emit func(string) error) error {
		if err := emit("slow"); err != nil {
			return err
		}
		<-started
		return emit("a")
	})
	comp := Components{Source: src, Tokenizer: lineTok{}, Enricher: contract.EnricherFunc(enr), Sink: sink}
	if err := Run(context.Background(), comp, Settings{Concurrency: 2, Supersede: true}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if len(sink.gens) != 1 || sink.gens[0] != 2 {
		t.Fatalf("过期批不应提交: %v", sink.gens)
	}
	if !slices.Equal(sink.last(), []string{"a"}) {
		t.Fatalf("最终物化错误: %v", sink.last())
	}
}

// notifySink 在每次提交后发出代数。
type notifySink struct {
	*recSink
	committed chan uint64
}

func (s notifySink) Publish(ctx context.Context, gen uint64, items []contract.Entry) error {
	if err := s.recSink.Publish(ctx, gen, items); err != nil {
		return err
	}
	s.committed <- gen
	return nil
}

// UT-PIP-05b: 已提交 [a,b] 后，在途批（删 b 增 c）被 [a,b,d] 取代：基线回退到 [a,b]，最终恰为 [a,b,d]
func TestRunSupersedeAfterCommit(t *testing.T) {
	sink := notifySink{recSink: &recSink{}, committed: make(chan uint64, 4)}
	started := make(chan struct{})
	var once sync.Once
	enr := func(ctx context.Context, tok string) (contract.Entry, error) {
		if tok == "c" {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return contract.Entry{}, ctx.Err()
		}
		return plain(ctx, tok)
	}
	src := sourceFunc(func(ctx context.Context, emit func(string) error) error {
		if err := emit("a\nb"); err != nil {
			return err
		}
		<-sink.committed
		if err := emit("a\nc"); err != nil {
			return err
		}
		<-started
		return emit("a\nb\nd")
	})
	comp := Components{Source: src, Tokenizer: lineTok{}, Enricher: contract.EnricherFunc(enr), Sink: sink}
	if err := Run(context.Background(), comp, Settings{Concurrency: 2, Supersede: true}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if !slices.Equal(sink.gens, []uint64{1, 3}) {
		t.Fatalf("gen 2 不应提交: %v", sink.gens)
	}
	if got := sink.last(); !slices.Equal(got, []string{"a", "b", "d"}) {
		t.Fatalf("最终物化错误: %v", got)
	}
	// b 沿用 gen 1 的富化结果，未被删除后重建
	last := sink.snaps[len(sink.snaps)-1]
	if last[0].Key != "a" || last[1].Key != "b" || last[2].Payload.Code != "c-d" {
		t.Fatalf("快照内容错误: %+v", last)
	}
}

// UT-PIP-06: 隔离策略丢弃失败项
func TestRunIsolateFailure(t *testing.T) {
	sink := &recSink{}
	enr := func(ctx context.Context, tok string) (contract.Entry, error) {
		if tok == "bad" {
			return contract.Entry{}, errors.New("lookup failed")
		}
		return plain(ctx, tok)
	}
	comp := Components{
		Source:    texts("a\nbad\nb", "a\nb"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(enr),
		Sink:      sink,
	}
	if err := Run(context.Background(), comp, Settings{Concurrency: 3, Policy: enrich.Isolate}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if len(sink.snaps) != 2 || len(sink.snaps[0]) != 2 {
		t.Fatalf("失败项应被丢弃: %v", sink.snaps)
	}
	// 删除从未物化的元素为 no-op
	if !slices.Equal(sink.last(), []string{"a", "b"}) {
		t.Fatalf("最终物化错误: %v", sink.last())
	}
}

// UT-PIP-07: 快速失败返回首错
func TestRunFailFast(t *testing.T) {
	boom := errors.New("boom")
	enr := func(ctx context.Context, tok string) (contract.Entry, error) {
		if tok == "bad" {
			return contract.Entry{}, boom
		}
		return plain(ctx, tok)
	}
	comp := Components{
		Source:    texts("a\nbad"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(enr),
		Sink:      &recSink{},
	}
	err := Run(context.Background(), comp, Settings{Policy: enrich.FailFast}, nil)
	if !errors.Is(err, boom) || !errors.Is(err, contract.ErrEnrichFailed) {
		t.Fatalf("应返回富化错误, got %v", err)
	}
}

// UT-PIP-08: Sink 失败
func TestRunSinkError(t *testing.T) {
	serr := errors.New("disk full")
	comp := Components{
		Source:    texts("a", "a\nb"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(plain),
		Sink:      &recSink{err: serr},
	}
	if err := Run(context.Background(), comp, Settings{}, nil); !errors.Is(err, serr) {
		t.Fatalf("应返回 sink 错误, got %v", err)
	}
}

// UT-PIP-09: 去抖合并连续输入
func TestRunDebounce(t *testing.T) {
	sink := &recSink{}
	comp := Components{
		Source:    texts("a", "a\nb", "a\nb\nc"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(plain),
		Sink:      sink,
	}
	if err := Run(context.Background(), comp, Settings{Debounce: 50 * time.Millisecond}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if len(sink.gens) != 1 {
		t.Fatalf("应合并为一次提交: %v", sink.gens)
	}
	if !slices.Equal(sink.last(), []string{"a", "b", "c"}) {
		t.Fatalf("最终物化错误: %v", sink.last())
	}
}

// UT-PIP-10: 去抖窗口到期后提交，清空产生 Clear
func TestRunDebounceTimerAndClear(t *testing.T) {
	sink := &recSink{}
	src := sourceFunc(func(ctx context.Context, emit func(string) error) error {
		if err := emit("a\nb"); err != nil {
			return err
		}
		time.Sleep(60 * time.Millisecond)
		return emit("")
	})
	comp := Components{Source: src, Tokenizer: lineTok{}, Enricher: contract.EnricherFunc(plain), Sink: sink}
	if err := Run(context.Background(), comp, Settings{Debounce: 10 * time.Millisecond}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if len(sink.snaps) != 2 || len(sink.snaps[0]) != 2 || len(sink.snaps[1]) != 0 {
		t.Fatalf("应先物化两项再清空: %v", sink.snaps)
	}
}

// UT-PIP-11: 取消上下文
func TestRunCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := sourceFunc(func(ctx context.Context, emit func(string) error) error {
		if err := emit("a"); err != nil {
			return err
		}
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	comp := Components{Source: src, Tokenizer: lineTok{}, Enricher: contract.EnricherFunc(plain), Sink: &recSink{}}
	if err := Run(ctx, comp, Settings{}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消错误, got %v", err)
	}
}

// UT-PIP-12: 输入源错误
func TestRunSourceError(t *testing.T) {
	serr := errors.New("read failed")
	src := sourceFunc(func(ctx context.Context, emit func(string) error) error { return serr })
	comp := Components{Source: src, Tokenizer: lineTok{}, Enricher: contract.EnricherFunc(plain), Sink: &recSink{}}
	if err := Run(context.Background(), comp, Settings{}, nil); !errors.Is(err, serr) {
		t.Fatalf("应返回输入源错误, got %v", err)
	}
}

// UT-PIP-13: 自定义比较器（大小写不敏感）不重复富化
func TestRunCustomComparer(t *testing.T) {
	sink := &recSink{}
	var mu sync.Mutex
	calls := 0
	enr := func(ctx context.Context, tok string) (contract.Entry, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return plain(ctx, strings.ToLower(tok))
	}
	comp := Components{
		Source:    texts("a\nb", "A\nb\nc"),
		Tokenizer: lineTok{},
		Enricher:  contract.EnricherFunc(enr),
		Sink:      sink,
	}
	set := Settings{Comparer: strings.EqualFold}
	if err := Run(context.Background(), comp, set, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if calls != 3 {
		t.Fatalf("应只富化 a,b,c 各一次, 实际 %d", calls)
	}
	if !slices.Equal(sink.last(), []string{"a", "b", "c"}) {
		t.Fatalf("最终物化错误: %v", sink.last())
	}
}
