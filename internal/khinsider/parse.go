package khinsider

import (
	"bytes"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/KMD/internal/domain"
)

// ParseError 表示页面整体不可识别（空页/非 HTML/没有任何列表表格）。
// 单行结构不符合预期时不会返回该错误：逐行跳过，宁要部分结果也不要整页失败。
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "页面结构不可识别：" + e.Reason }

func IsParseError(err error) bool {
	var e *ParseError
	return errors.As(err, &e)
}

// ParseSystemPage 解析平台列表页，返回按文档顺序排列的游戏列表。
//
// - 行内找不到链接/名字的条目跳过（站点表格里混有表头与装饰行）
// - 相对链接基于 pageURL 解析为绝对地址
// - 重复 PageURL 去重（首个保留），保证输出无重复且顺序稳定
func ParseSystemPage(html []byte, pageURL, system string) ([]domain.Game, error) {
	table, err := firstTable(html)
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(strings.TrimSpace(pageURL))

	seen := make(map[string]struct{}, 64)
	games := make([]domain.Game, 0, 64)
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 1 {
			return
		}
		link := cells.First().Find("a").First()
		name := strings.Join(strings.Fields(link.Text()), " ")
		href, _ := link.Attr("href")
		abs := resolveURL(base, href)
		if name == "" || abs == "" {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		games = append(games, domain.Game{Name: name, PageURL: abs, System: system})
	})
	return games, nil
}

// ParseGamePage 解析游戏页，返回按文档顺序排列的 MIDI 文件列表。
//
// - 只收 .mid 链接（站点的下载表直接指向 .mid 文件）
// - 大小栏可选：形如 "12.3 KB" 的单元格解析为字节数，没有则为 0
// - 重复下载 URL 去重（首个保留）
func ParseGamePage(html []byte, pageURL string) ([]domain.MidiFile, error) {
	table, err := firstTable(html)
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(strings.TrimSpace(pageURL))

	seen := make(map[string]struct{}, 64)
	files := make([]domain.MidiFile, 0, 64)
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 1 {
			return
		}
		link := cells.First().Find("a").First()
		name := strings.Join(strings.Fields(link.Text()), " ")
		href, _ := link.Attr("href")
		abs := resolveURL(base, href)
		if abs == "" || !strings.Contains(strings.ToLower(abs), ".mid") {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}

		var size int64
		cells.Each(func(i int, c *goquery.Selection) {
			if i == 0 || size > 0 {
				return
			}
			size = parseSize(c.Text())
		})

		files = append(files, domain.MidiFile{Name: name, URL: abs, SizeBytes: size})
	})
	return files, nil
}

func firstTable(html []byte) (*goquery.Selection, error) {
	if len(bytes.TrimSpace(html)) == 0 {
		return nil, &ParseError{Reason: "空页面"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, &ParseError{Reason: "页面中没有列表表格"}
	}
	return table, nil
}

// resolveURL 把 href 解析为绝对地址（协议相对 // 与根相对 / 均由 base 补全）。
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return base.ResolveReference(ref).String()
}

var sizeRE = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*(bytes?|b|kb|mb)\s*$`)

// parseSize 把 "12.3 KB" 这类文本转为字节数；不匹配返回 0。
func parseSize(s string) int64 {
	m := sizeRE.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(m[2]) {
	case "kb":
		n *= 1024
	case "mb":
		n *= 1024 * 1024
	}
	return int64(n)
}
