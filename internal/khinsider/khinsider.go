package khinsider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/John-Robertt/KMD/internal/domain"
)

// Site 把“站点布局”限制在本包内部；核心流程只依赖 Fetch*/Parse* 与稳定的 domain 类型。
//
// 约束：
// - Fetch 不做限速（由 pipeline 的共享 Limiter 统一控制）、不做重试（由 httpx 统一控制）
// - Parse 必须是纯函数：相同输入 => 相同输出
type Site struct {
	// BaseURL 是 MIDI 区根地址（例如 https://www.khinsider.com/midi）。
	// 为空时使用默认值；可配置主要为了镜像域名与测试。
	BaseURL string
}

const defaultBaseURL = "https://www.khinsider.com/midi"

func (s Site) baseURL() string {
	u := strings.TrimSpace(s.BaseURL)
	if u == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

// SystemURL 返回平台游戏列表页地址：<base>/<system>。
func (s Site) SystemURL(system string) string {
	return s.baseURL() + "/" + url.PathEscape(strings.TrimSpace(system))
}

// System 把平台名绑定到其列表页地址。
func (s Site) System(name string) domain.GameSystem {
	name = strings.TrimSpace(name)
	return domain.GameSystem{Name: name, URL: s.SystemURL(name)}
}

// FetchSystemPage 抓取平台列表页，返回 HTML 与最终页面 URL（供相对链接解析）。
func (s Site) FetchSystemPage(ctx context.Context, c *http.Client, sys domain.GameSystem) ([]byte, string, error) {
	if sys.Name == "" {
		return nil, "", errors.New("system 不能为空")
	}
	pageURL := sys.URL
	if strings.TrimSpace(pageURL) == "" {
		pageURL = s.SystemURL(sys.Name)
	}
	b, err := fetchPage(ctx, c, pageURL)
	return b, pageURL, err
}

// FetchGamePage 抓取游戏页，返回 HTML。
func (s Site) FetchGamePage(ctx context.Context, c *http.Client, gameURL string) ([]byte, error) {
	return fetchPage(ctx, c, gameURL)
}

// FetchFile 以流的方式抓取文件内容（交给 fsx 边读边写，不整段读入内存）。
// 返回 body（调用方负责 Close）与 Content-Length（未知时为 -1）。
func (s Site) FetchFile(ctx context.Context, c *http.Client, fileURL string) (io.ReadCloser, int64, error) {
	resp, err := doGet(ctx, c, fileURL)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, 0, &HTTPStatusError{URL: fileURL, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	return resp.Body, resp.ContentLength, nil
}

// GameFromURL 从游戏页 URL 推断平台/游戏名（--game 模式没有列表页可依据）。
// URL 末两段即 <system>/<game>；推断失败时用 "unknown" 兜底。
func GameFromURL(raw string) domain.Game {
	g := domain.Game{Name: "unknown", System: "unknown", PageURL: strings.TrimSpace(raw)}

	u, err := url.Parse(g.PageURL)
	if err != nil {
		return g
	}
	p := strings.Trim(path.Clean(u.Path), "/")
	if p == "" || p == "." {
		return g
	}
	segs := strings.Split(p, "/")
	if name := decodeSeg(segs[len(segs)-1]); name != "" {
		g.Name = name
	}
	if len(segs) >= 2 {
		if sys := decodeSeg(segs[len(segs)-2]); sys != "" {
			g.System = sys
		}
	}
	return g
}

func decodeSeg(s string) string {
	if dec, err := url.PathUnescape(s); err == nil {
		s = dec
	}
	return strings.TrimSpace(s)
}

func fetchPage(ctx context.Context, c *http.Client, u string) ([]byte, error) {
	resp, err := doGet(ctx, c, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 页面整段读入（列表页很小）；限制上限避免异常响应吃光内存。
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if reason, ok := blockedReason(resp.StatusCode, b); ok {
			return nil, &BlockedError{URL: u, Reason: reason}
		}
		return nil, &HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	return b, nil
}

func doGet(ctx context.Context, c *http.Client, u string) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	if strings.TrimSpace(u) == "" {
		return nil, errors.New("url 不能为空")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// blockedReason 识别 Cloudflare 验证页（站点前面有防护层；原则上不绕过）。
func blockedReason(status int, body []byte) (string, bool) {
	if status != 403 && status != 503 {
		return "", false
	}
	low := strings.ToLower(string(body))
	if strings.Contains(low, "just a moment") || strings.Contains(low, "cf-chl") || strings.Contains(low, "challenge-platform") {
		return "cloudflare-challenge", true
	}
	return "", false
}
