package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/KMD/internal/app/planner"
	"github.com/John-Robertt/KMD/internal/config"
	"github.com/John-Robertt/KMD/internal/domain"
	"github.com/John-Robertt/KMD/internal/infra/fsx"
	"github.com/John-Robertt/KMD/internal/infra/httpx"
	"github.com/John-Robertt/KMD/internal/infra/ratelimit"
	"github.com/John-Robertt/KMD/internal/khinsider"
)

// FatalError 表示 run 根本无法开始（目标解析失败、输出根不可写）。
// 与“个别文件失败”区分开：上层据此用不同的退出码。
type FatalError struct {
	Code string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s：%v", e.Code, e.Err)
	}
	return e.Code
}

func (e *FatalError) Unwrap() error { return e.Err }

// Execute 执行一次 run 并返回对外稳定的 RunReport。
// 返回非 nil error 仅当 run 无法开始；个别文件失败只体现在 report 里。
func Execute(ctx context.Context, eff config.EffectiveConfig, site khinsider.Site) (domain.RunReport, error) {
	return ExecuteWithObserver(ctx, eff, site, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
//
// 流程：解析目标 → 列游戏（--game 模式跳过）→ 逐游戏列文件 → 规划路径/resume 跳过
// → 串行下载。严格一次只有一个出站请求：所有请求共用同一个 Limiter，没有 worker pool
// ——对单一站点的礼貌抓取是刻意的设计，不是待优化项。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, site khinsider.Site, obs Observer) (domain.RunReport, error) {
	started := time.Now().UTC()

	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		Target:    targetLabel(eff),
		Output:    eff.Output,
		DryRun:    eff.DryRun,
		Resume:    eff.Resume,
		StartedAt: started,
		Items:     make([]domain.FileResult, 0, 128),
	}

	// 致命前置检查：非 dry-run 时输出根必须可创建（dry-run 禁止任何写入）。
	if !eff.DryRun {
		if err := os.MkdirAll(eff.Output, 0o755); err != nil {
			return rr, &FatalError{Code: domain.ErrCodeIOFailed, Err: fmt.Errorf("无法创建输出目录 %q：%w", eff.Output, err)}
		}
	}

	client := httpx.NewClient(eff.UserAgent, eff.Timeout)
	limiter := ratelimit.New(eff.Delay)

	games, err := resolveGames(ctx, eff, site, client, limiter, obs)
	if err != nil {
		return rr, err
	}

	ex := &executor{
		eff:     eff,
		site:    site,
		client:  client,
		limiter: limiter,
		obs:     obs,
		rr:      &rr,
	}

	for _, g := range games {
		if ctx.Err() != nil {
			break
		}
		ex.runGame(ctx, g)
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr, nil
}

// resolveGames 确定本次 run 的游戏集合。
// --game 模式不访问网络：单个合成 Game，平台/游戏名从 URL 推断。
// --system 模式抓取并解析列表页；失败即致命（没有列表就无事可做）。
func resolveGames(ctx context.Context, eff config.EffectiveConfig, site khinsider.Site, client *http.Client, limiter *ratelimit.Limiter, obs Observer) ([]domain.Game, error) {
	if eff.GameURL != "" {
		return []domain.Game{khinsider.GameFromURL(eff.GameURL)}, nil
	}

	sys := site.System(eff.System)

	phaseStarted := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return nil, &FatalError{Code: domain.ErrCodeCanceled, Err: err}
	}
	html, pageURL, err := site.FetchSystemPage(ctx, client, sys)
	if err != nil {
		return nil, &FatalError{Code: fetchErrorCode(err), Err: fmt.Errorf("获取平台列表页失败：%w", err)}
	}
	games, err := khinsider.ParseSystemPage(html, pageURL, sys.Name)
	if err != nil {
		return nil, &FatalError{Code: domain.ErrCodeParseFailed, Err: fmt.Errorf("解析平台列表页失败：%w", err)}
	}

	if obs != nil {
		obs.OnPhaseDone("games", map[string]any{
			"system": eff.System,
			"games":  len(games),
		}, time.Since(phaseStarted))
	}
	return games, nil
}

type executor struct {
	eff     config.EffectiveConfig
	site    khinsider.Site
	client  *http.Client
	limiter *ratelimit.Limiter
	obs     Observer
	rr      *domain.RunReport
}

// runGame 处理单个游戏：列文件 → 规划 → 逐文件下载。
// 游戏级失败（页面拿不到/解析不了）形成一条 scope 条目，不影响兄弟游戏。
func (ex *executor) runGame(ctx context.Context, g domain.Game) {
	listStarted := time.Now()

	if err := ex.limiter.Wait(ctx); err != nil {
		ex.rr.Items = append(ex.rr.Items, scopeFailed(g, domain.ErrCodeCanceled, "运行被中断"))
		return
	}
	html, err := ex.site.FetchGamePage(ctx, ex.client, g.PageURL)
	if err != nil {
		ex.rr.Items = append(ex.rr.Items, scopeFailed(g, fetchErrorCode(err), humanizeFetchError("游戏页", err)))
		return
	}
	files, err := khinsider.ParseGamePage(html, g.PageURL)
	if err != nil {
		ex.rr.Items = append(ex.rr.Items, scopeFailed(g, domain.ErrCodeParseFailed, fmt.Sprintf("解析游戏页失败（站点结构可能变化）：%v", err)))
		return
	}

	tasks := planner.PlanGame(ex.eff.Output, ex.eff.Resume, g, files)

	if ex.obs != nil {
		skipped := 0
		for i := range tasks {
			if tasks[i].Status == domain.StatusSkipped {
				skipped++
			}
		}
		ex.obs.OnPhaseDone("list", map[string]any{
			"game":    g.Name,
			"files":   len(tasks),
			"skipped": skipped,
		}, time.Since(listStarted))
	}

	for i := range tasks {
		oneStarted := time.Now()
		res := ex.runTask(ctx, &tasks[i])
		ex.rr.Items = append(ex.rr.Items, res)
		if ex.obs != nil {
			ex.obs.OnFileDone(i+1, len(tasks), res, time.Since(oneStarted))
		}
		if ctx.Err() != nil && i < len(tasks)-1 {
			// 中断：当前文件已完整处理（写完或放弃），其余标记 canceled 后停止。
			for _, t := range tasks[i+1:] {
				t.Status = domain.StatusFailed
				r := resultFor(ex.eff.Output, t)
				r.ErrorCode = domain.ErrCodeCanceled
				r.ErrorMsg = "运行被中断"
				ex.rr.Items = append(ex.rr.Items, r)
			}
			return
		}
	}
}

// runTask 处理单个文件。任何失败都降级为该文件的结果，绝不中断整批。
func (ex *executor) runTask(ctx context.Context, t *domain.DownloadTask) domain.FileResult {
	// resume 跳过：规划阶段已判定。
	if t.Status == domain.StatusSkipped {
		return resultFor(ex.eff.Output, *t)
	}

	// dry-run：路径已算好，到此为止——不限速、不抓取、不写入。
	if ex.eff.DryRun {
		return resultFor(ex.eff.Output, *t)
	}

	if err := ex.limiter.Wait(ctx); err != nil {
		t.Status = domain.StatusFailed
		res := resultFor(ex.eff.Output, *t)
		res.ErrorCode = domain.ErrCodeCanceled
		res.ErrorMsg = "运行被中断"
		return res
	}

	t.Status = domain.StatusInProgress

	body, _, err := ex.site.FetchFile(ctx, ex.client, t.File.URL)
	if err != nil {
		if khinsider.IsNotFound(err) {
			// 404：文件已下架/链接失效，按“不存在，跳过”处理，不算失败。
			t.Status = domain.StatusSkipped
			res := resultFor(ex.eff.Output, *t)
			res.ErrorCode = domain.ErrCodeNotFound
			res.ErrorMsg = "HTTP 404（文件可能已下架）"
			return res
		}
		t.Status = domain.StatusFailed
		res := resultFor(ex.eff.Output, *t)
		res.ErrorCode = fetchErrorCode(err)
		res.ErrorMsg = humanizeFetchError("文件", err)
		return res
	}
	defer body.Close()

	n, err := fsx.WriteStreamAtomic(filepath.Dir(t.TargetAbs), filepath.Base(t.TargetAbs), body)
	if err != nil {
		t.Status = domain.StatusFailed
		res := resultFor(ex.eff.Output, *t)
		res.ErrorCode = domain.ErrCodeIOFailed
		res.ErrorMsg = fmt.Sprintf("写入失败：%v", err)
		return res
	}

	t.Status = domain.StatusCompleted
	res := resultFor(ex.eff.Output, *t)
	res.Bytes = n
	return res
}

func resultFor(outputRoot string, t domain.DownloadTask) domain.FileResult {
	path := t.TargetAbs
	if rel, err := filepath.Rel(outputRoot, t.TargetAbs); err == nil {
		path = rel
	}
	return domain.FileResult{
		System: t.System,
		Game:   t.Game,
		Name:   t.File.Name,
		URL:    t.File.URL,
		Path:   path,
		Status: t.Status,
	}
}

// scopeFailed 合成一条“游戏级失败”条目：URL 指向游戏页，便于用户定位。
func scopeFailed(g domain.Game, code, msg string) domain.FileResult {
	return domain.FileResult{
		System:    g.System,
		Game:      g.Name,
		Name:      "",
		URL:       g.PageURL,
		Path:      "",
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
	}
}

func targetLabel(eff config.EffectiveConfig) string {
	if eff.GameURL != "" {
		return "game:" + eff.GameURL
	}
	return "system:" + eff.System
}

func fetchErrorCode(err error) string {
	switch {
	case khinsider.IsNotFound(err):
		return domain.ErrCodeNotFound
	case khinsider.IsBlocked(err):
		return domain.ErrCodeBlocked
	default:
		return domain.ErrCodeFetchFailed
	}
}

func humanizeFetchError(what string, err error) string {
	if err == nil {
		return what + "抓取失败"
	}

	var be *khinsider.BlockedError
	if errors.As(err, &be) {
		return fmt.Sprintf("%s被站点防护层拦截（%s）。不支持绕过；建议降低频率（增大 --delay）或稍后重试。", what, be.Reason)
	}

	var hs *khinsider.HTTPStatusError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case 403, 429:
			return fmt.Sprintf("%s返回 HTTP %d（可能触发反爬/限流）。建议增大 --delay 后重试。", what, hs.StatusCode)
		case 404:
			return fmt.Sprintf("%s返回 HTTP 404（可能不存在/已下架）。", what)
		default:
			return fmt.Sprintf("%s返回 HTTP %d。", what, hs.StatusCode)
		}
	}

	low := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return fmt.Sprintf("%s抓取超时。建议检查网络后重试。", what)
	}
	return fmt.Sprintf("%s抓取失败：%v", what, err)
}
