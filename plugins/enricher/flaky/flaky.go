package flaky

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"dynquery/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `yaml:"prefix"`
	// FailTokens: 这些查询总是失败（ErrResponseInvalid）。
	FailTokens []string `yaml:"fail_tokens"`
	// Warmup: 前 N 次调用依次返回 ErrRateLimited 与 ErrResponseInvalid（交替）。默认 2。
	Warmup *int `yaml:"warmup"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `yaml:"log_path,omitempty"`
}

// Client 是带状态的富化实现：
// 前 Warmup 次调用交替返回 ErrRateLimited / ErrResponseInvalid；
// FailTokens 中的查询总是失败；
// 其余返回以查询文本为键的占位记录。
type Client struct {
	prefix  string
	fail    map[string]struct{}
	warmup  int32
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(opts *Options) *Client {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	w := 2
	if o.Warmup != nil && *o.Warmup >= 0 {
		w = *o.Warmup
	}
	c := &Client{prefix: o.Prefix, warmup: int32(w), logPath: o.LogPath, fail: make(map[string]struct{}, len(o.FailTokens))}
	for _, t := range o.FailTokens {
		c.fail[t] = struct{}{}
	}
	return c
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Enrich 实现 contract.Enricher。
func (c *Client) Enrich(ctx context.Context, token string) (contract.Entry, error) {
	if err := ctx.Err(); err != nil {
		return contract.Entry{}, err
	}
	n := c.count.Add(1)
	if n <= c.warmup {
		if n%2 == 1 {
			c.log("rate_limited " + token)
			return contract.Entry{}, contract.ErrRateLimited
		}
		c.log("invalid " + token)
		return contract.Entry{}, fmt.Errorf("flaky: %w", contract.ErrResponseInvalid)
	}
	if _, ok := c.fail[token]; ok {
		c.log("fail_token " + token)
		return contract.Entry{}, fmt.Errorf("flaky %q: %w", token, contract.ErrResponseInvalid)
	}
	c.log("ok " + token)
	return contract.Entry{
		Key:     token,
		Payload: contract.Option{Code: fmt.Sprintf("%s-%d", c.prefix, n), Name: c.prefix + ": " + token},
	}, nil
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

var _ contract.Enricher = (*Client)(nil)
