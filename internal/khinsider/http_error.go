package khinsider

import (
	"errors"
	"fmt"
	"strings"
)

// HTTPStatusError 表示站点返回了非 2xx 的 HTTP 状态码（重试已在 httpx 层做完）。
// 上层据此把失败归类：404 => not_found，其余 => fetch_failed。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// IsNotFound 判断 err 是否为 HTTP 404。
func IsNotFound(err error) bool {
	var hs *HTTPStatusError
	return errors.As(err, &hs) && hs.StatusCode == 404
}

// BlockedError 表示请求被站点的防护层（Cloudflare 验证页）拦截。
// 产品约束：不尝试绕过，直接失败并提示用户降低频率或更换 UA/网络。
type BlockedError struct {
	URL    string
	Reason string // 例如 "cloudflare-challenge"
}

func (e *BlockedError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return "blocked"
	}
	return "blocked: " + strings.TrimSpace(e.Reason)
}

func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}
