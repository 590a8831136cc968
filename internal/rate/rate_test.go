package rate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynquery/pkg/contract"
)

// 超过突发容量后 Try 拒绝
func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPS: 1, Burst: 1}}, clk)
	require.True(t, g.Try(Ask{Key: "k", Requests: 1}), "首次应通过")
	require.False(t, g.Try(Ask{Key: "k", Requests: 1}), "应因额度耗尽拒绝")
	now = now.Add(time.Second)
	require.True(t, g.Try(Ask{Key: "k", Requests: 1}), "补充后应通过")
}

func TestGateUnconfiguredKeyUnlimited(t *testing.T) {
	g := NewGate(nil, nil)
	for i := 0; i < 100; i++ {
		require.True(t, g.Try(Ask{Key: "other", Requests: 1}))
	}
	require.NoError(t, g.Wait(context.Background(), Ask{Key: "other", Requests: 5}))
}

// 取消上下文
func TestGateWaitCancel(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {RPS: 0.01, Burst: 1}}, nil)
	require.NoError(t, g.Wait(context.Background(), Ask{Key: "k", Requests: 1}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// 等待会越过截止时间：WaitN 立即失败，错误仍归为限流
	require.ErrorIs(t, g.Wait(ctx, Ask{Key: "k", Requests: 1}), contract.ErrRateLimited)

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	err := g.Wait(cctx, Ask{Key: "k", Requests: 1})
	require.ErrorIs(t, err, contract.ErrRateLimited)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGateWaitInvalid(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {RPS: 5, Burst: 2}}, nil)
	require.ErrorIs(t, g.Wait(context.Background(), Ask{Key: "k"}), contract.ErrInvalidInput)
	require.ErrorIs(t, g.Wait(context.Background(), Ask{Key: "k", Requests: 3}), contract.ErrRateLimited)
	assert.False(t, g.Try(Ask{Key: "k", Requests: 0}))
}

func TestGateSnapshot(t *testing.T) {
	now := time.Unix(0, 0)
	g := NewGate(map[LimitKey]Limits{"k": {RPS: 2}}, func() time.Time { return now })
	s := g.(Snapshoter)
	assert.InDelta(t, 2.0, s.Snapshot("k"), 0.001)
	g.Try(Ask{Key: "k", Requests: 1})
	assert.InDelta(t, 1.0, s.Snapshot("k"), 0.001)
}

func TestDeriveKey(t *testing.T) {
	t.Setenv("TEST_LOOKUP_KEY", "abc")
	k := DeriveKey("http", map[string]any{"api_key_env": "TEST_LOOKUP_KEY"})
	assert.True(t, strings.HasPrefix(string(k), "http:"))
	assert.Equal(t, k, DeriveKey("http", map[string]any{"api_key": "abc"}))
	assert.NotEqual(t, k, DeriveKey("http", map[string]any{"base_url": "http://x"}))
	assert.Equal(t, LimitKey("echo"), DeriveKey("echo", nil))
}
