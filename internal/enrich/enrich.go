// Package enrich 对变更批中的插入类事件逐项调用富化函数，并按原序重组结果。
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dynquery/internal/diag"
	"dynquery/internal/rate"
	"dynquery/pkg/contract"
)

// Policy: 单项富化失败时的处理策略。
type Policy string

const (
	// Isolate 丢弃失败项，保留同批其余结果（默认）。
	Isolate Policy = "isolate"
	// FailFast 以首个失败终止整批。
	FailFast Policy = "fail_fast"
)

// ParsePolicy 解析策略名；空串为 Isolate。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Isolate:
		return Isolate, nil
	case FailFast:
		return FailFast, nil
	default:
		return "", fmt.Errorf("%w: unknown failure policy %q", contract.ErrInvalidInput, s)
	}
}

// Func: 单项富化函数。返回记录的 Source 由 Stage 回填。
type Func[T, U any] func(ctx context.Context, item T) (contract.Record[T, U], error)

// Options 为富化阶段的可选参数；零值可用（并发 1、隔离失败、无限流、无缓存）。
type Options[T any] struct {
	Concurrency int
	Policy      Policy
	Gate        rate.Gate
	GateKey     rate.LimitKey
	// MemoTTL>0 时按 MemoKey(item) 缓存成功结果。
	MemoTTL time.Duration
	MemoKey func(item T) string
	// OnFailure 在隔离策略下对每个被丢弃的失败项回调；在重组阶段按项顺序串行调用。
	OnFailure func(*contract.ItemError)
	Logger    *diag.Logger
	// Tracer 为空时取全局 Provider 的 "dynquery.enrich"。
	Tracer trace.Tracer
}

// Result: 富化后的批。
type Result[T, U any] struct {
	Gen      uint64
	Changes  []contract.Change[contract.Record[T, U]]
	Failures []*contract.ItemError
}

// Stage: 富化阶段。并发安全，可被多个批同时调用。
type Stage[T, U any] struct {
	fn   Func[T, U]
	opt  Options[T]
	memo *gocache.Cache
}

// New 构造富化阶段。
func New[T, U any](fn Func[T, U], opt Options[T]) *Stage[T, U] {
	if opt.Concurrency < 1 {
		opt.Concurrency = 1
	}
	if opt.Policy == "" {
		opt.Policy = Isolate
	}
	if opt.MemoKey == nil {
		opt.MemoKey = func(item T) string { return fmt.Sprint(item) }
	}
	if opt.Logger == nil {
		opt.Logger = diag.Nop()
	}
	if opt.Tracer == nil {
		opt.Tracer = otel.Tracer("dynquery.enrich")
	}
	s := &Stage[T, U]{fn: fn, opt: opt}
	if opt.MemoTTL > 0 {
		s.memo = gocache.New(opt.MemoTTL, time.Minute)
	}
	return s
}

type outcome[T, U any] struct {
	rec contract.Record[T, U]
	err error
}

// Enrich 富化一个变更批。
// 约束：
// 1) Add/AddRange 每个元素恰好调用一次富化函数，并发受 Concurrency 限制，结果按原序重组；
// 2) Remove/RemoveRange/Clear 原样透传（元素包装为仅含 Source 的记录）；
// 3) Isolate：失败项被丢弃并记入 Failures；事件因此变空则移除，AddRange 只剩一项时改为 Add；
// 4) FailFast：首个失败即取消其余调用并返回错误；
// 5) ctx 在完成前被取消（批被取代）时返回包装 contract.ErrStale 的错误。
func (s *Stage[T, U]) Enrich(ctx context.Context, b contract.Batch[T]) (Result[T, U], error) {
	ctx, span := s.opt.Tracer.Start(ctx, "enrich.batch",
		trace.WithAttributes(
			attribute.Int64("enrich.gen", int64(b.Gen)),
			attribute.Int("enrich.changes", len(b.Changes)),
		),
	)
	defer span.End()

	type slot struct{ ci, ii int }
	var jobs []slot
	outs := make([][]outcome[T, U], len(b.Changes))
	for ci, ch := range b.Changes {
		if !ch.Reason.IsAdd() {
			continue
		}
		outs[ci] = make([]outcome[T, U], len(ch.Items))
		for ii := range ch.Items {
			jobs = append(jobs, slot{ci, ii})
		}
	}

	timer := s.opt.Logger.StartGenKV("enrich", "batch", b.Gen, map[string]string{
		"items":  fmt.Sprintf("%d", len(jobs)),
		"policy": string(s.opt.Policy),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opt.Concurrency)
	for _, j := range jobs {
		j := j
		if gctx.Err() != nil {
			break
		}
		ch := b.Changes[j.ci]
		g.Go(func() error {
			rec, err := s.call(gctx, b.Gen, ch.Items[j.ii])
			outs[j.ci][j.ii] = outcome[T, U]{rec: rec, err: err}
			if err != nil && s.opt.Policy == FailFast {
				return &contract.ItemError{Gen: b.Gen, Index: ch.Index + j.ii, Item: ch.Items[j.ii], Err: err}
			}
			return nil
		})
	}
	werr := g.Wait()

	if cerr := ctx.Err(); cerr != nil {
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "context canceled")
		return Result[T, U]{Gen: b.Gen}, fmt.Errorf("%w: gen %d: %w", contract.ErrStale, b.Gen, cerr)
	}
	if werr != nil {
		span.RecordError(werr)
		span.SetStatus(codes.Error, werr.Error())
		code := diag.Count("enrich", werr)
		s.opt.Logger.ErrorGen("enrich", string(code), "batch failed", nil, b.Gen)
		return Result[T, U]{Gen: b.Gen}, werr
	}

	res := Result[T, U]{Gen: b.Gen}
	for ci, ch := range b.Changes {
		if !ch.Reason.IsAdd() {
			res.Changes = append(res.Changes, passThrough[T, U](ch))
			continue
		}
		recs := make([]contract.Record[T, U], 0, len(ch.Items))
		for ii, o := range outs[ci] {
			if o.err == nil {
				recs = append(recs, o.rec)
				continue
			}
			ie := &contract.ItemError{Gen: b.Gen, Index: ch.Index + ii, Item: ch.Items[ii], Err: o.err}
			res.Failures = append(res.Failures, ie)
			s.reportFailure(ie)
		}
		if len(recs) == 0 {
			continue
		}
		r := contract.AddRange
		if len(recs) == 1 {
			r = contract.Add
		}
		res.Changes = append(res.Changes, contract.Change[contract.Record[T, U]]{Reason: r, Items: recs, Index: ch.Index})
	}
	span.SetAttributes(attribute.Int("enrich.failures", len(res.Failures)))
	span.SetStatus(codes.Ok, "")
	timer.Finish("batch", int64(len(jobs)-len(res.Failures)))
	diag.IncOp("enrich", "finish", "success")
	return res, nil
}

// call 对单个元素执行：缓存命中 → 限流 → 富化 → 回填 Source → 写缓存。
func (s *Stage[T, U]) call(ctx context.Context, gen uint64, item T) (contract.Record[T, U], error) {
	ctx, span := s.opt.Tracer.Start(ctx, "enrich.item", trace.WithAttributes(attribute.Int64("enrich.gen", int64(gen))))
	defer span.End()

	var key string
	if s.memo != nil {
		key = s.opt.MemoKey(item)
		if v, ok := s.memo.Get(key); ok {
			span.SetAttributes(attribute.Bool("enrich.memo_hit", true))
			rec := v.(contract.Record[T, U])
			rec.Source = item
			return rec, nil
		}
	}
	if s.opt.Gate != nil {
		s.opt.Logger.DebugStart("gate", "ask", gen, map[string]string{"requests": "1"})
		if err := s.opt.Gate.Wait(ctx, rate.Ask{Key: s.opt.GateKey, Requests: 1}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return contract.Record[T, U]{}, fmt.Errorf("gate wait: %w", err)
		}
	}
	rec, err := s.fn(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return contract.Record[T, U]{}, err
	}
	rec.Source = item
	if s.memo != nil {
		s.memo.Set(key, rec, gocache.DefaultExpiration)
	}
	return rec, nil
}

func (s *Stage[T, U]) reportFailure(ie *contract.ItemError) {
	code := diag.Classify(ie)
	kv := map[string]string{
		"index": fmt.Sprintf("%d", ie.Index),
		"item":  fmt.Sprintf("%v", ie.Item),
	}
	var ue contract.UpstreamError
	if errors.As(ie.Err, &ue) {
		kv["http_status"] = fmt.Sprintf("%d", ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	s.opt.Logger.Warn("enrich", string(code), "item dropped", ie.Gen, kv)
	diag.IncEnrichFailure()
	if code != diag.CodeUnknown {
		diag.IncError("enrich", string(code))
	}
	if s.opt.OnFailure != nil {
		s.opt.OnFailure(ie)
	}
}

func passThrough[T, U any](ch contract.Change[T]) contract.Change[contract.Record[T, U]] {
	items := make([]contract.Record[T, U], len(ch.Items))
	for i, it := range ch.Items {
		items[i] = contract.Record[T, U]{Source: it}
	}
	return contract.Change[contract.Record[T, U]]{Reason: ch.Reason, Items: items, Index: ch.Index}
}

// Memo 报告缓存条目数（诊断用）；未启用缓存时为 0。
func (s *Stage[T, U]) Memo() int {
	if s.memo == nil {
		return 0
	}
	return s.memo.ItemCount()
}
