package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dynquery/internal/diag"
	"dynquery/internal/enrich"
	"dynquery/internal/materialize"
	"dynquery/internal/rate"
	"dynquery/internal/tracker"
	"dynquery/pkg/changeset"
	"dynquery/pkg/contract"
)

// - 单一协调者：只有协调协程推进代数、驱动跟踪器；富化在独立协程中并发执行。
// - 顺序门闩：批结果按代数严格递增提交；乱序完成的结果暂存，连续冲刷。
// - 取代：新快照到达时未提交的批被取消并标记过期，跟踪器回退到最后已提交快照。
// - 单写者：只有提交协程调用 Cache.Apply 与 Sink.Publish。
// - 首错取消：任一阶段出现错误，记录首错并 cancel 整体；排空后返回该错误。

// Components 聚合运行所需的原子组件。
type Components struct {
	Source    contract.Source
	Tokenizer contract.Tokenizer
	Enricher  contract.Enricher
	Sink      contract.Sink
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	// 富化并发度（同时进行的富化调用上限）
	Concurrency int
	// 输入去抖窗口；<=0 关闭
	Debounce time.Duration
	// 新快照到达时是否取消尚未提交的批
	Supersede bool
	// 单项富化失败策略（空为 isolate）
	Policy enrich.Policy
	// 限流闸门（可选）：若非空，则在每次富化调用前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// 富化结果缓存 TTL；<=0 关闭
	MemoTTL time.Duration
	// 令牌比较器；为空时按字符串相等
	Comparer contract.Comparer[string]
}

type batchResult struct {
	gen     uint64
	res     enrich.Result[string, contract.Option]
	err     error
	summary changeset.Stats
}

// run 为一次 Run 的共享状态；mu 保护跟踪器基线与在途批集合。
type run struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	stage  *enrich.Stage[string, contract.Option]
	cache  *materialize.Cache[string, contract.Option]

	mu        sync.Mutex
	tr        *tracker.Tracker[string]
	gen       uint64
	inflight  map[uint64]context.CancelFunc
	stale     map[uint64]bool
	tokens    map[uint64][]string
	committed []string

	errMu    sync.Mutex
	firstErr error
	cancel   context.CancelFunc
}

// Run 执行完整流水线：Source → (debounce/trim/distinct) → Tokenizer → Tracker → Enrich → 门闩 → Cache → Sink。
// 约束：
// 1) 每个非空变更批分配递增代数（自 1 起），按代数顺序提交；
// 2) Supersede=true 时过期批的结果被丢弃，缓存始终与跟踪基线一致；
// 3) Source 正常结束后排空在途批再返回；ctx 取消时返回 ctx 错误。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) error {
	if err := sanity(comp); err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if set.Comparer == nil {
		set.Comparer = contract.Equals[string]()
	}
	if logger == nil {
		logger = diag.Nop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		comp:     comp,
		set:      set,
		logger:   logger,
		cache:    materialize.New[string, contract.Option](set.Comparer),
		tr:       tracker.New(set.Comparer),
		inflight: make(map[uint64]context.CancelFunc),
		stale:    make(map[uint64]bool),
		tokens:   make(map[uint64][]string),
		cancel:   cancel,
	}
	r.stage = enrich.New(func(ctx context.Context, tok string) (contract.Entry, error) {
		return comp.Enricher.Enrich(ctx, tok)
	}, enrich.Options[string]{
		Concurrency: set.Concurrency,
		Policy:      set.Policy,
		Gate:        set.Gate,
		GateKey:     set.GateKey,
		MemoTTL:     set.MemoTTL,
		Logger:      logger,
	})

	// 在途批上限：2×并发度，形成自然背压
	sem := make(chan struct{}, 2*set.Concurrency)
	outCh := make(chan batchResult, 2*set.Concurrency)
	rawCh := make(chan string)

	// 提交协程
	commitDone := make(chan struct{})
	go func() {
		defer close(commitDone)
		r.commitLoop(ctx, outCh)
	}()

	// 输入源协程
	srcDone := make(chan struct{})
	go func() {
		defer close(srcDone)
		defer close(rawCh)
		stimer := logger.Start("source", "run")
		err := comp.Source.Run(ctx, func(text string) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case rawCh <- text:
				return nil
			}
		})
		if err != nil && ctx.Err() == nil {
			code := diag.Count("source", err)
			logger.Error("source", string(code), "run failed", nil)
			r.fail(fmt.Errorf("source run: %w", err))
			return
		}
		stimer.Finish("run", 0)
		diag.IncOp("source", "finish", "success")
	}()

	var wg sync.WaitGroup
	submit := func(text string) {
		b, ok := r.next(text)
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			r.release(b.Gen)
			outCh <- batchResult{gen: b.Gen, err: fmt.Errorf("%w: gen %d: %w", contract.ErrStale, b.Gen, ctx.Err())}
			return
		case sem <- struct{}{}:
		}
		bctx := r.batchContext(ctx, b.Gen)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.stage.Enrich(bctx, b)
			<-sem
			outCh <- batchResult{gen: b.Gen, res: res, err: err, summary: changeset.Summary(b.Changes)}
		}()
	}

	r.coordinate(ctx, rawCh, submit)

	<-srcDone
	wg.Wait()
	close(outCh)
	<-commitDone

	if err := r.err(); err != nil {
		return err
	}
	return ctx.Err()
}

// coordinate 消费原始文本：去抖后逐个提交；输入结束时冲刷最后一次待定文本。
func (r *run) coordinate(ctx context.Context, rawCh <-chan string, submit func(string)) {
	var (
		last    string
		seen    bool
		pending string
		has     bool
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	flush := func(text string) {
		text = strings.TrimSpace(text)
		// distinct-until-changed
		if seen && text == last {
			return
		}
		seen, last = true, text
		submit(text)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			// 排空输入协程，避免其阻塞在发送上
			for range rawCh {
			}
			return
		case text, ok := <-rawCh:
			if !ok {
				if has {
					flush(pending)
				}
				return
			}
			if r.set.Debounce <= 0 {
				flush(text)
				continue
			}
			pending, has = text, true
			if timer == nil {
				timer = time.NewTimer(r.set.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(r.set.Debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if has {
				has = false
				flush(pending)
			}
		}
	}
}

// next 切分文本并折叠进跟踪器，返回新批；无变更时返回 false。
func (r *run) next(text string) (contract.Batch[string], bool) {
	toks := r.comp.Tokenizer.Tokenize(text)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set.Supersede && len(r.inflight) > 0 {
		for g, c := range r.inflight {
			c()
			r.stale[g] = true
		}
		r.tr.Rebase(r.committed)
		r.logger.DebugStart("tracker", "rebase", r.gen, map[string]string{"baseline": fmt.Sprintf("%d", len(r.committed))})
	}
	timer := r.logger.StartGenKV("tracker", "push", r.gen+1, map[string]string{"tokens": fmt.Sprintf("%d", len(toks))})
	changes := r.tr.Push(toks)
	if len(changes) == 0 {
		timer.Finish("push", 0)
		return contract.Batch[string]{}, false
	}
	r.gen++
	r.tokens[r.gen] = toks
	r.inflight[r.gen] = func() {}
	timer.Finish("push", int64(len(changes)))
	diag.IncOp("tracker", "finish", "success")
	return contract.Batch[string]{Gen: r.gen, Changes: changes}, true
}

// batchContext 为某代批派生可取消的上下文并登记到在途集合。
func (r *run) batchContext(ctx context.Context, gen uint64) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	bctx, cancel := context.WithCancel(ctx)
	if r.stale[gen] {
		cancel()
	}
	if _, ok := r.inflight[gen]; ok {
		r.inflight[gen] = cancel
	} else {
		cancel()
	}
	return bctx
}

func (r *run) release(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale[gen] = true
}

// commitLoop 按代数连续冲刷批结果。
func (r *run) commitLoop(ctx context.Context, outCh <-chan batchResult) {
	expect := uint64(1)
	buf := make(map[uint64]batchResult)
	for br := range outCh {
		buf[br.gen] = br
		for {
			cur, ok := buf[expect]
			if !ok {
				break
			}
			delete(buf, expect)
			expect++
			r.commit(ctx, cur)
		}
	}
}

func (r *run) commit(ctx context.Context, br batchResult) {
	r.mu.Lock()
	stale := r.stale[br.gen]
	if cancel, ok := r.inflight[br.gen]; ok {
		cancel()
	}
	delete(r.inflight, br.gen)
	delete(r.stale, br.gen)
	toks := r.tokens[br.gen]
	delete(r.tokens, br.gen)
	if br.err == nil && !stale && r.err() == nil {
		r.committed = toks
	}
	r.mu.Unlock()

	if stale || errors.Is(br.err, contract.ErrStale) {
		diag.IncStale()
		diag.IncOp("committer", "stale", "success")
		r.logger.DebugStart("committer", "stale", br.gen, nil)
		if t := diag.GetTerminal(); t != nil {
			t.Stale(br.gen)
		}
		return
	}
	if br.err != nil {
		r.fail(fmt.Errorf("enrich gen %d: %w", br.gen, br.err))
		return
	}
	if r.err() != nil {
		return
	}

	ctimer := r.logger.StartGen("committer", "commit", br.gen)
	snap := r.cache.Apply(br.res.Changes)
	diag.SetMaterialized(len(snap))
	diag.SetGeneration(br.gen)
	if err := r.comp.Sink.Publish(ctx, br.gen, snap); err != nil {
		code := diag.Count("sink", err)
		r.logger.ErrorGen("sink", string(code), "publish failed", nil, br.gen)
		r.fail(fmt.Errorf("sink publish: %w", err))
		return
	}
	ctimer.Finish("commit", int64(len(snap)))
	diag.IncOp("committer", "finish", "success")
	if t := diag.GetTerminal(); t != nil {
		t.Commit(br.gen, len(snap), br.summary.Added, br.summary.Removed+br.summary.Cleared, len(br.res.Failures))
	}
}

// fail 记录首错并取消整体。
func (r *run) fail(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
		r.cancel()
	}
}

func (r *run) err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.firstErr
}

func sanity(c Components) error {
	if c.Source == nil || c.Tokenizer == nil || c.Enricher == nil || c.Sink == nil {
		return errors.New("pipeline: missing components")
	}
	return nil
}
