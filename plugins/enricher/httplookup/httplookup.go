package httplookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"dynquery/pkg/contract"
)

// Options: 查询服务客户端配置。
type Options struct {
	BaseURL        string `yaml:"base_url"`        // 例如 http://localhost:8080
	EndpointPath   string `yaml:"endpoint_path"`   // 默认 /lookup；可为完整 URL（以 http 开头）
	APIKeyEnv      string `yaml:"api_key_env"`     // 优先从环境变量读取
	APIKey         string `yaml:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int    `yaml:"timeout_seconds"` // client 级超时（秒），默认 10
	// KeyMode: 记录键的取法。"code"（默认）或 "name"。
	KeyMode      string            `yaml:"key_mode"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

func (o *Options) defaults() {
	if o.EndpointPath == "" {
		o.EndpointPath = "/lookup"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 10
	}
	if o.KeyMode == "" {
		o.KeyMode = "code"
	}
}

// Client 把每个查询 POST 到查询服务：请求 {"query":...}，响应 {"code","name","meta"}。
type Client struct {
	url    string
	apiKey string
	byName bool
	extraH map[string]string
	do     func(*http.Request) (*http.Response, error)
}

// New 构造客户端。
func New(opts *Options) (*Client, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.defaults()
	fullURL := o.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		if strings.TrimSpace(o.BaseURL) == "" {
			return nil, fmt.Errorf("httplookup: %w: missing base_url", contract.ErrInvalidInput)
		}
		fullURL = strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(o.EndpointPath, "/")
	}
	var byName bool
	switch strings.ToLower(o.KeyMode) {
	case "code":
	case "name":
		byName = true
	default:
		return nil, fmt.Errorf("httplookup: %w: key_mode %q", contract.ErrInvalidInput, o.KeyMode)
	}
	key := o.APIKey
	if key == "" && o.APIKeyEnv != "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Client{url: fullURL, apiKey: key, byName: byName, extraH: o.ExtraHeaders, do: hc.Do}, nil
}

type lookupReq struct {
	Query string `json:"query"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("lookup upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Enrich 实现 contract.Enricher：单次调用，同步返回。
func (c *Client) Enrich(ctx context.Context, token string) (contract.Entry, error) {
	body, err := json.Marshal(lookupReq{Query: token})
	if err != nil {
		return contract.Entry{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Entry{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Entry{}, ctx.Err()
			}
		}
		return contract.Entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.Entry{}, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		// 4xx 视为输入无效；5xx/408 视为网络/上游问题
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return contract.Entry{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return contract.Entry{}, fmt.Errorf("lookup upstream %d: %w", resp.StatusCode, contract.ErrInvalidInput)
	}
	var opt contract.Option
	if err := json.NewDecoder(resp.Body).Decode(&opt); err != nil {
		return contract.Entry{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if strings.TrimSpace(opt.Code) == "" {
		return contract.Entry{}, fmt.Errorf("empty code: %w", contract.ErrResponseInvalid)
	}
	if opt.Name == "" {
		opt.Name = token
	}
	key := opt.Code
	if c.byName {
		key = opt.Name
	}
	return contract.Entry{Key: key, Payload: opt}, nil
}

var _ contract.Enricher = (*Client)(nil)
