package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/John-Robertt/KMD/internal/config"
	"github.com/John-Robertt/KMD/internal/domain"
	"github.com/John-Robertt/KMD/internal/khinsider"
)

// testSite 搭一个最小的站点：
//
//	/midi/nes          平台列表页（zelda + broken 两个游戏）
//	/midi/nes/zelda    游戏页（3 个 midi 链接，其中 1 个 404）
//	/midi/nes/broken   403（游戏级失败）
//	/files/*.mid       文件内容
type testSite struct {
	srv      *httptest.Server
	fileHits int64 // /files/* 的命中次数（dry-run 断言用）
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	ts := &testSite{}

	mux := http.NewServeMux()
	mux.HandleFunc("/midi/nes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><table>
<tr><th>Game</th></tr>
<tr><td><a href="/midi/nes/zelda">The Legend of Zelda</a></td></tr>
<tr><td><a href="/midi/nes/broken">Broken Game</a></td></tr>
</table></html>`)
	})
	mux.HandleFunc("/midi/nes/zelda", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><table>
<tr><th>Song</th><th>Size</th></tr>
<tr><td><a href="/files/overworld.mid">Overworld</a></td><td>4 KB</td></tr>
<tr><td><a href="/files/dungeon.mid">Dungeon</a></td><td>2 KB</td></tr>
<tr><td><a href="/files/lost.mid">Lost Woods</a></td><td>1 KB</td></tr>
</table></html>`)
	})
	mux.HandleFunc("/midi/nes/broken", func(w http.ResponseWriter, r *http.Request) {
		// 普通 403（非验证页）：游戏级 fetch_failed。
		w.WriteHeader(403)
		_, _ = io.WriteString(w, "forbidden")
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&ts.fileHits, 1)
		switch r.URL.Path {
		case "/files/overworld.mid":
			_, _ = io.WriteString(w, "MThd-overworld")
		case "/files/dungeon.mid":
			_, _ = io.WriteString(w, "MThd-dungeon")
		default:
			http.NotFound(w, r)
		}
	})

	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testSite) eff(t *testing.T) config.EffectiveConfig {
	t.Helper()
	return config.EffectiveConfig{
		System:  "nes",
		Output:  t.TempDir(),
		Delay:   0, // 测试不等待
		Timeout: 5 * time.Second,
		BaseURL: ts.srv.URL + "/midi",
	}
}

func (ts *testSite) site() khinsider.Site {
	return khinsider.Site{BaseURL: ts.srv.URL + "/midi"}
}

// recordingObserver 记录事件序列，验证 run 层与展示层的事件契约。
type recordingObserver struct {
	mu        sync.Mutex
	started   int
	phases    []string
	fileDones int
}

func (o *recordingObserver) OnStart(config.EffectiveConfig) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) OnPhaseDone(name string, _ map[string]any, _ time.Duration) {
	o.mu.Lock()
	o.phases = append(o.phases, name)
	o.mu.Unlock()
}

func (o *recordingObserver) OnFileDone(_, _ int, _ domain.FileResult, _ time.Duration) {
	o.mu.Lock()
	o.fileDones++
	o.mu.Unlock()
}

func (o *recordingObserver) OnProgress(_, _, _, _ int, _ time.Duration) {}

func TestExecute_SystemRun(t *testing.T) {
	ts := newTestSite(t)
	eff := ts.eff(t)
	obs := &recordingObserver{}

	rr, err := ExecuteWithObserver(context.Background(), eff, ts.site(), obs)
	if err != nil {
		t.Fatalf("不期望致命错误：%v", err)
	}

	// 2 成功 + 1 文件 404（skipped）+ 1 游戏级失败。
	if rr.Summary.Completed != 2 || rr.Summary.Skipped != 1 || rr.Summary.Failed != 1 {
		t.Fatalf("summary 不符合预期：%+v\nitems=%+v", rr.Summary, rr.Items)
	}
	if rr.Target != "system:nes" {
		t.Fatalf("target 不符合预期：%q", rr.Target)
	}
	if rr.RunID == "" {
		t.Fatalf("run_id 不能为空")
	}

	// 目录结构：<output>/<system>/<game>/<file>。
	for _, rel := range []string{
		filepath.Join("nes", "The Legend of Zelda", "Overworld.mid"),
		filepath.Join("nes", "The Legend of Zelda", "Dungeon.mid"),
	} {
		if _, err := os.Stat(filepath.Join(eff.Output, rel)); err != nil {
			t.Fatalf("期望文件存在 %s：%v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(eff.Output, "nes", "The Legend of Zelda", "Lost Woods.mid")); !os.IsNotExist(err) {
		t.Fatalf("404 的文件不应落盘：%v", err)
	}

	// 报告条目：path 相对 output 根；404 文件标 skipped+not_found。
	var lost, broken *domain.FileResult
	for i := range rr.Items {
		it := &rr.Items[i]
		if it.Name == "Lost Woods" {
			lost = it
		}
		if it.Game == "Broken Game" {
			broken = it
		}
		if it.Status == domain.StatusCompleted {
			if filepath.IsAbs(it.Path) {
				t.Fatalf("path 应相对 output 根：%q", it.Path)
			}
			if it.Bytes <= 0 {
				t.Fatalf("completed 条目应有字节数：%+v", it)
			}
		}
	}
	if lost == nil || lost.Status != domain.StatusSkipped || lost.ErrorCode != domain.ErrCodeNotFound {
		t.Fatalf("404 文件条目不符合预期：%+v", lost)
	}
	if broken == nil || broken.Status != domain.StatusFailed || broken.ErrorCode != domain.ErrCodeFetchFailed {
		t.Fatalf("游戏级失败条目不符合预期：%+v", broken)
	}
	if broken.URL != ts.srv.URL+"/midi/nes/broken" {
		t.Fatalf("游戏级失败应携带游戏页 URL 供定位：%q", broken.URL)
	}

	// 事件契约：OnStart 一次；games 阶段 + 每个可列出的游戏一个 list 阶段。
	if obs.started != 1 {
		t.Fatalf("OnStart 应恰好调用一次：%d", obs.started)
	}
	if len(obs.phases) == 0 || obs.phases[0] != "games" {
		t.Fatalf("阶段事件不符合预期：%v", obs.phases)
	}
	if obs.fileDones != 3 {
		t.Fatalf("OnFileDone 次数不符合预期：%d", obs.fileDones)
	}
}

func TestExecute_ResumeSkipsExisting(t *testing.T) {
	ts := newTestSite(t)
	eff := ts.eff(t)
	eff.Resume = true

	rr1, err := Execute(context.Background(), eff, ts.site())
	if err != nil {
		t.Fatalf("第一次运行不期望错误：%v", err)
	}
	if rr1.Summary.Completed != 2 {
		t.Fatalf("第一次运行 summary 不符合预期：%+v", rr1.Summary)
	}

	hitsBefore := atomic.LoadInt64(&ts.fileHits)
	rr2, err := Execute(context.Background(), eff, ts.site())
	if err != nil {
		t.Fatalf("第二次运行不期望错误：%v", err)
	}
	// 已存在的 2 个直接跳过（规划阶段判定，不发请求）；404 的那个会再试一次。
	if rr2.Summary.Completed != 0 || rr2.Summary.Skipped != 3 {
		t.Fatalf("resume summary 不符合预期：%+v", rr2.Summary)
	}
	if got := atomic.LoadInt64(&ts.fileHits) - hitsBefore; got != 1 {
		t.Fatalf("resume 不应重新下载已存在文件：新增请求 %d", got)
	}
}

func TestExecute_DryRunTouchesNothing(t *testing.T) {
	ts := newTestSite(t)
	eff := ts.eff(t)
	eff.Output = filepath.Join(t.TempDir(), "not-created")
	eff.DryRun = true

	rr, err := Execute(context.Background(), eff, ts.site())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	// 列表抓取照常，但绝不触碰文件端点、绝不写盘。
	if got := atomic.LoadInt64(&ts.fileHits); got != 0 {
		t.Fatalf("dry-run 不应请求文件：%d", got)
	}
	if _, err := os.Stat(eff.Output); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建输出目录：%v", err)
	}

	pending := 0
	for _, it := range rr.Items {
		if it.Status == domain.StatusPending {
			pending++
		}
	}
	if pending != 3 {
		t.Fatalf("dry-run 中 zelda 的 3 个文件应为 pending：%+v", rr.Items)
	}
	// 游戏级失败照常体现。
	if rr.Summary.Failed != 1 {
		t.Fatalf("dry-run 的游戏级失败应保留：%+v", rr.Summary)
	}
}

func TestExecute_MidBatchFileFailureContinues(t *testing.T) {
	// 三个文件中第 2 个持续 500：第 3 个仍要尝试，summary 记 1 个 failed，
	// 且失败条目带 URL 与原因。
	var tailHits int64
	mux := http.NewServeMux()
	mux.HandleFunc("/midi/nes/zelda", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><table>
<tr><th>Song</th></tr>
<tr><td><a href="/files/overworld.mid">Overworld</a></td></tr>
<tr><td><a href="/files/storm.mid">Storm</a></td></tr>
<tr><td><a href="/files/dungeon.mid">Dungeon</a></td></tr>
</table></html>`)
	})
	mux.HandleFunc("/files/overworld.mid", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "MThd-overworld")
	})
	mux.HandleFunc("/files/storm.mid", func(w http.ResponseWriter, r *http.Request) {
		// 重试耗尽后仍是 500：该文件以 fetch_failed 降级。
		w.WriteHeader(500)
	})
	mux.HandleFunc("/files/dungeon.mid", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&tailHits, 1)
		_, _ = io.WriteString(w, "MThd-dungeon")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	eff := config.EffectiveConfig{
		GameURL: srv.URL + "/midi/nes/zelda",
		Output:  t.TempDir(),
		Delay:   0,
		Timeout: 5 * time.Second,
		BaseURL: srv.URL + "/midi",
	}

	rr, err := Execute(context.Background(), eff, khinsider.Site{BaseURL: eff.BaseURL})
	if err != nil {
		t.Fatalf("个别文件失败不应中断 run：%v", err)
	}
	if rr.Summary.Completed != 2 || rr.Summary.Failed != 1 {
		t.Fatalf("summary 不符合预期：%+v\nitems=%+v", rr.Summary, rr.Items)
	}
	if atomic.LoadInt64(&tailHits) == 0 {
		t.Fatalf("失败文件之后的文件仍应被尝试")
	}

	var failed *domain.FileResult
	for i := range rr.Items {
		if rr.Items[i].Status == domain.StatusFailed {
			failed = &rr.Items[i]
		}
	}
	if failed == nil {
		t.Fatalf("缺少 failed 条目：%+v", rr.Items)
	}
	if failed.Name != "Storm" || failed.URL != srv.URL+"/files/storm.mid" {
		t.Fatalf("失败条目应可定位到具体文件：%+v", failed)
	}
	if failed.ErrorCode != domain.ErrCodeFetchFailed || failed.ErrorMsg == "" {
		t.Fatalf("失败条目应带错误码与原因：%+v", failed)
	}

	// 失败的文件不落盘；其余照常写入。
	dir := filepath.Join(eff.Output, "nes", "zelda")
	if _, err := os.Stat(filepath.Join(dir, "Storm.mid")); !os.IsNotExist(err) {
		t.Fatalf("失败的文件不应落盘：%v", err)
	}
	for _, name := range []string{"Overworld.mid", "Dungeon.mid"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("期望文件存在 %s：%v", name, err)
		}
	}
}

func TestExecute_GameMode(t *testing.T) {
	ts := newTestSite(t)
	eff := ts.eff(t)
	eff.System = ""
	eff.GameURL = ts.srv.URL + "/midi/nes/zelda"

	rr, err := Execute(context.Background(), eff, ts.site())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rr.Target != "game:"+eff.GameURL {
		t.Fatalf("target 不符合预期：%q", rr.Target)
	}
	// 平台/游戏名从 URL 推断：<.../nes/zelda>。
	if _, err := os.Stat(filepath.Join(eff.Output, "nes", "zelda", "Overworld.mid")); err != nil {
		t.Fatalf("game 模式目录推断不符合预期：%v", err)
	}
	if rr.Summary.Completed != 2 || rr.Summary.Skipped != 1 {
		t.Fatalf("summary 不符合预期：%+v", rr.Summary)
	}
}

func TestExecute_FatalWhenSystemPageMissing(t *testing.T) {
	ts := newTestSite(t)
	eff := ts.eff(t)
	eff.System = "no-such-system"

	rr, err := Execute(context.Background(), eff, ts.site())
	if err == nil {
		t.Fatalf("列表页 404 应是致命错误")
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Code != domain.ErrCodeNotFound {
		t.Fatalf("致命错误分类不符合预期：%v", err)
	}
	if len(rr.Items) != 0 {
		t.Fatalf("无法开始的 run 不应有条目：%+v", rr.Items)
	}
}

func TestExecute_CanceledContextStopsBetweenFiles(t *testing.T) {
	ts := newTestSite(t)
	eff := ts.eff(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // 开始前就取消：列表阶段即失败

	_, err := Execute(ctx, eff, ts.site())
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("取消后的 run 应返回致命错误：%v", err)
	}
}

func TestExecute_ReportIsFinalized(t *testing.T) {
	ts := newTestSite(t)
	eff := ts.eff(t)

	rr, err := Execute(context.Background(), eff, ts.site())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rr.StartedAt.Location() != time.UTC || rr.FinishedAt.Location() != time.UTC {
		t.Fatalf("时间应为 UTC")
	}
	for i := 1; i < len(rr.Items); i++ {
		a, b := rr.Items[i-1], rr.Items[i]
		ka := fmt.Sprintf("%s\x00%s\x00%s", a.System, a.Game, a.Path)
		kb := fmt.Sprintf("%s\x00%s\x00%s", b.System, b.Game, b.Path)
		if ka > kb {
			t.Fatalf("items 应按 (system, game, path) 排序：%q > %q", ka, kb)
		}
	}
}
