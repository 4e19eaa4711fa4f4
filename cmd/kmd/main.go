package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/KMD/internal/app/run"
	"github.com/John-Robertt/KMD/internal/config"
	"github.com/John-Robertt/KMD/internal/domain"
	"github.com/John-Robertt/KMD/internal/khinsider"
)

// 退出码约定：
//
//	0  全部成功（或无事可做）
//	1  run 完成但有文件失败
//	2  根本无法开始（参数/配置错误、目标解析失败、输出根不可写）
const (
	exitOK         = 0
	exitSomeFailed = 1
	exitFatal      = 2
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(exitFatal)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return exitOK
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return exitFatal
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return exitFatal
	}

	eff, err := config.LoadEffective(cwd, ra.cli())
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误：%v\n", err)
		emitReport(reportForStartupError(ra, config.Code(err), err))
		return exitFatal
	}

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	var ui *progressUI
	if interactive {
		ui = newProgressUI(progressW)
		obs = ui
	}

	// Ctrl-C：取消后不再开始新文件；写了一半的文件由原子写保证不会留下残缺产物。
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	site := khinsider.Site{BaseURL: eff.BaseURL}
	rr, err := run.ExecuteWithObserver(ctx, eff, site, obs)
	if ui != nil {
		ui.stop()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法开始：%v\n", err)
		var fe *run.FatalError
		code := domain.ErrCodeFetchFailed
		if errors.As(err, &fe) {
			code = fe.Code
		}
		rr.Items = append(rr.Items, domain.FileResult{
			Status:    domain.StatusFailed,
			ErrorCode: code,
			ErrorMsg:  err.Error(),
		})
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		emitReport(rr)
		return exitFatal
	}

	emitReport(rr)
	if interactive {
		fmt.Fprintf(progressW, "out: %s\n", eff.Output)
	}
	if rr.Summary.Failed > 0 {
		return exitSomeFailed
	}
	return exitOK
}

type runArgs struct {
	System string
	Game   string

	Output    string
	OutputSet bool

	Delay    float64
	DelaySet bool

	Resume    bool
	ResumeSet bool

	DryRun    bool
	DryRunSet bool

	UserAgent    string
	UserAgentSet bool
}

func (ra runArgs) cli() config.CLIArgs {
	return config.CLIArgs{
		System:       ra.System,
		Game:         ra.Game,
		Output:       ra.Output,
		OutputSet:    ra.OutputSet,
		Delay:        ra.Delay,
		DelaySet:     ra.DelaySet,
		Resume:       ra.Resume,
		ResumeSet:    ra.ResumeSet,
		DryRun:       ra.DryRun,
		DryRunSet:    ra.DryRunSet,
		UserAgent:    ra.UserAgent,
		UserAgentSet: ra.UserAgentSet,
	}
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	takeValue := func(name string, i *int) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s 需要一个值", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--system":
			v, err := takeValue("--system", &i)
			if err != nil {
				return runArgs{}, err
			}
			ra.System = v
		case strings.HasPrefix(a, "--system="):
			ra.System = strings.TrimPrefix(a, "--system=")
		case a == "--game":
			v, err := takeValue("--game", &i)
			if err != nil {
				return runArgs{}, err
			}
			ra.Game = v
		case strings.HasPrefix(a, "--game="):
			ra.Game = strings.TrimPrefix(a, "--game=")
		case a == "--output":
			v, err := takeValue("--output", &i)
			if err != nil {
				return runArgs{}, err
			}
			ra.Output = v
			ra.OutputSet = true
		case strings.HasPrefix(a, "--output="):
			ra.Output = strings.TrimPrefix(a, "--output=")
			ra.OutputSet = true
		case a == "--delay":
			v, err := takeValue("--delay", &i)
			if err != nil {
				return runArgs{}, err
			}
			d, err := parseDelay(v)
			if err != nil {
				return runArgs{}, err
			}
			ra.Delay = d
			ra.DelaySet = true
		case strings.HasPrefix(a, "--delay="):
			d, err := parseDelay(strings.TrimPrefix(a, "--delay="))
			if err != nil {
				return runArgs{}, err
			}
			ra.Delay = d
			ra.DelaySet = true
		case a == "--resume":
			ra.Resume = true
			ra.ResumeSet = true
		case strings.HasPrefix(a, "--resume="):
			b, err := parseBool("--resume", strings.TrimPrefix(a, "--resume="))
			if err != nil {
				return runArgs{}, err
			}
			ra.Resume = b
			ra.ResumeSet = true
		case a == "--dry-run":
			ra.DryRun = true
			ra.DryRunSet = true
		case strings.HasPrefix(a, "--dry-run="):
			b, err := parseBool("--dry-run", strings.TrimPrefix(a, "--dry-run="))
			if err != nil {
				return runArgs{}, err
			}
			ra.DryRun = b
			ra.DryRunSet = true
		case a == "--user-agent":
			v, err := takeValue("--user-agent", &i)
			if err != nil {
				return runArgs{}, err
			}
			ra.UserAgent = v
			ra.UserAgentSet = true
		case strings.HasPrefix(a, "--user-agent="):
			ra.UserAgent = strings.TrimPrefix(a, "--user-agent=")
			ra.UserAgentSet = true
		default:
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		}
	}

	return ra, nil
}

func parseDelay(v string) (float64, error) {
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("--delay 必须是数字（秒），实际是 %q", v)
	}
	return d, nil
}

func parseBool(name, v string) (bool, error) {
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%s 只能是 true 或 false，实际是 %q", name, v)
	}
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  kmd run (--system <name> | --game <url>) [选项]

命令：
  run    抓取游戏列表并下载 MIDI 文件

使用 "kmd run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  kmd run (--system <name> | --game <url>) [选项]

目标（二选一，必须指定一个）：
  --system <name>  下载整个平台的全部游戏（例如 nes、gameboy）
  --game <url>     只下载单个游戏页的文件

选项：
  --output <dir>   输出根目录（默认 ./midi_downloads；也可在 kmd.json 配置）
  --delay <sec>    请求间最小间隔秒数（默认 1.0；对站点礼貌一点）
  --resume[=bool]  跳过已存在的目标文件（断点续传）
  --dry-run        只列出将要下载的文件，不下载、不写盘
  --user-agent <s> 自定义 User-Agent（默认内置 UA 池轮换）
  -h, --help       显示帮助
`)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintf(os.Stdout, "完成：completed=%d skipped=%d failed=%d\n",
			rr.Summary.Completed, rr.Summary.Skipped, rr.Summary.Failed,
		)
		if rr.Summary.Failed > 0 {
			for _, it := range rr.Items {
				if it.Status != domain.StatusFailed {
					continue
				}
				key := it.Name
				if key == "" {
					// 游戏级/启动失败的合成条目：用 URL 做定位锚点。
					key = it.URL
				}
				if key == "" {
					key = "<unknown>"
				}
				fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
			}
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintf(os.Stderr, "完成：completed=%d skipped=%d failed=%d\n",
		rr.Summary.Completed, rr.Summary.Skipped, rr.Summary.Failed,
	)
}

// reportForStartupError 在 run 无法开始时也保持 stdout 的 JSON 契约。
func reportForStartupError(ra runArgs, code string, err error) domain.RunReport {
	now := time.Now().UTC()
	target := ""
	switch {
	case strings.TrimSpace(ra.Game) != "":
		target = "game:" + strings.TrimSpace(ra.Game)
	case strings.TrimSpace(ra.System) != "":
		target = "system:" + strings.TrimSpace(ra.System)
	}
	if code == "" {
		code = config.ErrCodeInvalid
	}
	rr := domain.RunReport{
		Target:     target,
		DryRun:     ra.DryRunSet && ra.DryRun,
		Resume:     ra.ResumeSet && ra.Resume,
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.FileResult{{
			Status:    domain.StatusFailed,
			ErrorCode: code,
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}
