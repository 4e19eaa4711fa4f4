package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/KMD/internal/app/run"
	"github.com/John-Robertt/KMD/internal/config"
	"github.com/John-Robertt/KMD/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是一个“简洁版”的交互终端进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：限速等待期间长时间无文件完成时也定期输出一行，降低等待焦虑
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	game      string
	done      int
	completed int
	skipped   int
	failed    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
		stopCh:             make(chan struct{}),
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := "download"
	modeHint := ""
	if eff.DryRun {
		mode = "dry-run"
		modeHint = " (只列出，不下载/不写盘)"
	}

	fmt.Fprintf(p.w, "[%s] KMD run (%s)\n", now.Format("15:04:05"), mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.GameURL != "" {
		fmt.Fprintf(p.w, "  game: %s\n", truncate(eff.GameURL, 120))
	} else {
		fmt.Fprintf(p.w, "  system: %s\n", eff.System)
	}
	fmt.Fprintf(p.w, "  mode: %s%s\n", mode, modeHint)
	fmt.Fprintf(p.w, "  output: %s\n", eff.Output)
	fmt.Fprintf(p.w, "  delay: %.1fs\n", eff.Delay.Seconds())
	fmt.Fprintf(p.w, "  resume: %s\n", onOff(eff.Resume))
	if strings.TrimSpace(eff.UserAgent) != "" {
		fmt.Fprintf(p.w, "  user_agent: %s\n", truncate(eff.UserAgent, 120))
	}
	if eff.BaseURL != config.DefaultBaseURL {
		fmt.Fprintf(p.w, "  base_url: %s\n", truncate(eff.BaseURL, 120))
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
	p.mu.Unlock()

	p.startTicker()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "games":
		fmt.Fprintf(p.w, "列表: system=%s games=%d (%s)\n",
			strField(fields, "system"), intField(fields, "games"), formatShortDuration(dur),
		)
	case "list":
		p.game = strField(fields, "game")
		fmt.Fprintf(p.w, "游戏: %s files=%d skipped=%d (%s)\n",
			p.game, intField(fields, "files"), intField(fields, "skipped"), formatShortDuration(dur),
		)
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFileDone(idx, total int, res domain.FileResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	switch res.Status {
	case domain.StatusCompleted:
		p.completed++
	case domain.StatusSkipped:
		p.skipped++
	case domain.StatusFailed:
		p.failed++
	}

	name := strings.TrimSpace(res.Name)
	if name == "" {
		name = truncate(res.URL, 80)
	}

	switch res.Status {
	case domain.StatusCompleted:
		fmt.Fprintf(p.w, "[%d/%d] %s OK %s (%s)\n",
			idx, total, name, formatBytes(res.Bytes), formatShortDuration(dur),
		)
	case domain.StatusSkipped:
		note := "已存在"
		if res.ErrorCode == domain.ErrCodeNotFound {
			note = "404，跳过"
		}
		fmt.Fprintf(p.w, "[%d/%d] %s SKIP (%s) (%s)\n",
			idx, total, name, note, formatShortDuration(dur),
		)
	case domain.StatusFailed:
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (%s)\n",
			idx, total, name, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	default:
		// dry-run 的 pending 条目：只展示将写入的相对路径。
		fmt.Fprintf(p.w, "[%d/%d] %s -> %s\n", idx, total, name, res.Path)
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnProgress(done, completed, skipped, failed int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "进度: done=%d ok=%d skip=%d fail=%d elapsed=%s\n",
		done, completed, skipped, failed, formatElapsed(elapsed),
	)
	p.lastPrinted = time.Now()
}

// stop 终止 keepalive ticker（run 结束后调用，避免在最终摘要后又冒出进度行）。
func (p *progressUI) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *progressUI) startTicker() {
	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				quiet := time.Since(p.lastPrinted) > threshold
				done, completed, skipped, failed := p.done, p.completed, p.skipped, p.failed
				elapsed := time.Since(p.startedAt)
				p.mu.Unlock()
				// keepalive 行与外部事件共用同一个出口（OnProgress）。
				if quiet {
					p.OnProgress(done, completed, skipped, failed, elapsed)
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}

func strField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
