package httpx

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	// defaultRetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	defaultRetryMax = 2

	// defaultBackoffBase 是指数退避的基准间隔：base * 2^attempt（带抖动）。
	defaultBackoffBase = 500 * time.Millisecond
)

// 可替换的 sleep，让测试不必真实等待退避间隔。
var sleepCtx = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transport 把“UA 策略 + 有界重试 + 指数退避”固化为统一策略。
//
// 设计目标：站点层只负责“定位页面 + 解析 HTML”，不关心网络策略细节。
//
// 重试范围（站点惯常的瞬时失败）：
// - 传输层错误（超时、连接重置、DNS 抖动）
// - HTTP 429/500/502/503/504
// 其余 4xx（含 404）不重试，原样返回给调用方归类。
type Transport struct {
	Base http.RoundTripper

	// UserAgent 非空时固定使用（--user-agent 覆盖）；为空时从内置 UA 池随机取。
	UserAgent string

	ua *uaPool

	RetryMax    int
	BackoffBase time.Duration
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	max := t.RetryMax
	if max < 0 {
		max = 0
	}
	if !canRetry {
		max = 0
	}

	base := t.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(req.Context(), backoff(base, attempt)); err != nil {
				// ctx 已取消：不再重试，返回最后一次错误（更可解释）。
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		r := cloneRequest(req)
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", t.userAgent())
		}

		resp, err := t.Base.RoundTrip(r)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, lastErr
			}
			continue
		}

		if attempt < max && retryableStatus(resp.StatusCode) {
			// 连接可复用的前提是把 body 读完再关闭。
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			lastErr = nil
			continue
		}

		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("重试次数耗尽")
	}
	return nil, lastErr
}

func (t *Transport) userAgent() string {
	if t.UserAgent != "" {
		return t.UserAgent
	}
	return t.ua.random()
}

// retryableStatus 的状态码列表与站点典型的限流/过载响应一致。
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// backoff 计算第 attempt 次重试前的等待：base * 2^(attempt-1)，附带 ±25% 抖动。
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

func cloneRequest(req *http.Request) *http.Request {
	// Clone 会复制 Header 等，避免在 RoundTripper 内部“污染”调用方的 request。
	return req.Clone(req.Context())
}

// NewClient 构造用于页面抓取与文件下载的 HTTP client。
//
// 规则：
// - userAgent 非空：所有请求固定该 UA
// - userAgent 为空：内置 UA 池，每个请求随机 UA
// - 有界重试 + 指数退避 + 总超时
func NewClient(userAgent string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
	return &http.Client{
		Transport: &Transport{
			Base:        base,
			UserAgent:   userAgent,
			ua:          globalUA,
			RetryMax:    defaultRetryMax,
			BackoffBase: defaultBackoffBase,
		},
		Timeout: timeout,
	}
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	// 尽量保持 UA 列表短小但多样；未来可扩充（不对外暴露配置）。
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
