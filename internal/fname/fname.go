package fname

import (
	"net/url"
	"path"
	"strings"
)

// 本包负责把站点上的显示名规范化为可落盘的文件/目录名。
//
// 约束：
// - 纯函数：相同输入 => 相同输出（目标路径的确定性依赖于此）
// - 去掉路径分隔符与常见文件系统保留字符，宁可保守也不写出非法路径

// reservedReplacer 覆盖 Windows 保留字符 + 两种路径分隔符。
// Unix 下只有 '/' 是硬约束，但目录会被跨平台同步，按最严格集合处理。
var reservedReplacer = strings.NewReplacer(
	"/", " ", "\\", " ",
	"<", " ", ">", " ",
	":", " ", "\"", " ",
	"|", " ", "?", " ", "*", " ",
)

// Sanitize 规范化单个路径组件（目录名或文件名，不含扩展名语义）。
//
// 规则：
// 1) 去掉控制字符
// 2) 保留字符替换为空格
// 3) 连续空白折叠为单个空格并 Trim
// 4) 去掉尾部的 '.'（Windows 不允许目录名以点结尾）
//
// 输入完全不可用时返回空串，由调用方决定 fallback。
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	s = reservedReplacer.Replace(b.String())
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ". ")
	return s
}

// Dir 规范化目录组件；结果为空时使用 fallback（fallback 本身也会被规范化）。
func Dir(s, fallback string) string {
	if out := Sanitize(s); out != "" {
		return out
	}
	return Sanitize(fallback)
}

// Midi 规范化 MIDI 文件名：优先显示名，为空时从下载 URL 的末段推断。
// 统一保证 ".mid" 扩展名（站点链接均为 .mid，显示名通常不带扩展名）。
func Midi(display, rawURL string) string {
	name := Sanitize(display)
	if name == "" {
		name = Sanitize(baseFromURL(rawURL))
	}
	if name == "" {
		name = "unnamed"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".mid") {
		name += ".mid"
	}
	return name
}

func baseFromURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	// 末段是编码过的文件名时尽量还原（失败则按原样使用）。
	if dec, err := url.PathUnescape(base); err == nil {
		base = dec
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
