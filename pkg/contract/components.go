package contract

import "context"

// Source: 原始文本输入源（文本框、文件、脚本等）。
// 约束：
// 1) 每次回调传入完整的当前文本（全量快照，非增量）；
// 2) 回调返回错误时应立即停止并上抛；
// 3) ctx 取消/超时需尽快返回；
// 4) 不在内部起并发回调。
type Source interface {
	Run(ctx context.Context, emit func(text string) error) error
}

// Tokenizer: 将原始文本切分为有序令牌序列。
// 约束：保序、不去重、纯函数。
type Tokenizer interface {
	Tokenize(text string) []string
}

// Enricher: 将单个令牌富化为带键记录；可失败，核心不做内部重试。
// 约束：
// 1) 单次调用、同步返回；
// 2) 应尊重 ctx 取消；
// 3) 返回记录的 Source 由调用方回填，实现可留空。
type Enricher interface {
	Enrich(ctx context.Context, token string) (Entry, error)
}

// EnricherFunc 适配普通函数为 Enricher。
type EnricherFunc func(ctx context.Context, token string) (Entry, error)

func (f EnricherFunc) Enrich(ctx context.Context, token string) (Entry, error) { return f(ctx, token) }

// Sink: 接收每次提交后的物化列表只读快照（单写者调用，按代数递增）。
type Sink interface {
	Publish(ctx context.Context, gen uint64, items []Entry) error
}
