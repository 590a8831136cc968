package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"dynquery/pkg/contract"
)

// LimitKey: 限流分组键（例如富化器名称 + 凭据摘要）。
type LimitKey string

// Limits: 每分组的限额配置。RPS<=0 表示不限。
type Limits struct {
	RPS   float64 // 每秒请求数
	Burst int     // 突发容量；<=0 时取 max(1, ceil(RPS))
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过突发容量时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (avail float64)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*xrate.Limiter, len(m))}
	for k, lim := range m {
		g.m[k] = newLimiter(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*xrate.Limiter
}

func newLimiter(lim Limits) *xrate.Limiter {
	if lim.RPS <= 0 {
		return xrate.NewLimiter(xrate.Inf, 0)
	}
	burst := lim.Burst
	if burst <= 0 {
		burst = int(lim.RPS + 0.999)
		if burst < 1 {
			burst = 1
		}
	}
	return xrate.NewLimiter(xrate.Limit(lim.RPS), burst)
}

func (g *gate) get(key LimitKey) *xrate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.m[key]
	if l == nil {
		// 未配置的 key 视为不限额
		l = xrate.NewLimiter(xrate.Inf, 0)
		g.m[key] = l
	}
	return l
}

func (g *gate) Try(a Ask) bool {
	if a.Requests <= 0 {
		return false
	}
	return g.get(a.Key).AllowN(g.clk(), a.Requests)
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 {
		return contract.ErrInvalidInput
	}
	l := g.get(a.Key)
	if l.Limit() != xrate.Inf && a.Requests > l.Burst() {
		return fmt.Errorf("%w: requests %d exceed burst %d", contract.ErrRateLimited, a.Requests, l.Burst())
	}
	if err := l.WaitN(ctx, a.Requests); err != nil {
		return fmt.Errorf("%w: %w", contract.ErrRateLimited, err)
	}
	return nil
}

// Snapshot: 返回当前可用令牌估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) float64 {
	return g.get(key).TokensAt(g.clk())
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
