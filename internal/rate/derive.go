package rate

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
)

// DeriveKey 按富化器名与其凭据/端点派生限流分组键：<enricher>:sha256(secret)。
// 优先 api_key，其次 api_key_env 指向的环境变量，最后 base_url；全部为空时退化为富化器名。
func DeriveKey(enricher string, opts map[string]any) LimitKey {
	pick := func(key string) string {
		if v, ok := opts[key]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	secret := pick("api_key")
	if secret == "" {
		if env := pick("api_key_env"); env != "" {
			secret = os.Getenv(env)
		}
	}
	if secret == "" {
		secret = pick("base_url")
	}
	if secret == "" {
		return LimitKey(enricher)
	}
	sum := sha256.Sum256([]byte(secret))
	return LimitKey(fmt.Sprintf("%s:%x", enricher, sum[:8]))
}
