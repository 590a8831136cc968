package echo

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dynquery/pkg/contract"
)

// Options: 本地富化器配置（可选）。
type Options struct {
	// KeyMode: 记录键的取法。"name"（默认）按查询文本去重；"code" 每项唯一。
	KeyMode string `yaml:"key_mode"`
	// Prefix: 加在 Name 前的展示前缀。
	Prefix string `yaml:"prefix"`
}

// Echo 不访问网络：Code 为新 UUID，Name 为查询文本本身。
type Echo struct {
	byCode bool
	prefix string
}

// New 构造 Echo。
func New(opts *Options) (*Echo, error) {
	e := &Echo{}
	if opts == nil {
		return e, nil
	}
	switch strings.ToLower(strings.TrimSpace(opts.KeyMode)) {
	case "", "name":
	case "code":
		e.byCode = true
	default:
		return nil, fmt.Errorf("%w: echo key_mode %q", contract.ErrInvalidInput, opts.KeyMode)
	}
	e.prefix = opts.Prefix
	return e, nil
}

// Enrich 实现 contract.Enricher。
func (e *Echo) Enrich(ctx context.Context, token string) (contract.Entry, error) {
	if err := ctx.Err(); err != nil {
		return contract.Entry{}, err
	}
	opt := contract.Option{Code: uuid.NewString(), Name: e.prefix + token}
	key := opt.Name
	if e.byCode {
		key = opt.Code
	}
	return contract.Entry{Key: key, Payload: opt}, nil
}

var _ contract.Enricher = (*Echo)(nil)
