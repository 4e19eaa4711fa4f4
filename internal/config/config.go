package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingTarget 表示既没有 --system 也没有 --game。
	ErrCodeMissingTarget = "config_missing_target"
)

const (
	// DefaultOutput 是输出根目录的内置默认值（相对工作目录）。
	DefaultOutput = "midi_downloads"
	// DefaultDelaySeconds 是请求间最小间隔的内置默认值。
	DefaultDelaySeconds = 1.0
	// DefaultTimeoutSeconds 是单次 HTTP 请求的总超时默认值。
	DefaultTimeoutSeconds = 30.0
	// DefaultBaseURL 是站点 MIDI 区的根地址（kmd.json 可覆盖，便于镜像/测试）。
	DefaultBaseURL = "https://www.khinsider.com/midi"
)

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --resume=false 必须能覆盖 config.resume=true。
type CLIArgs struct {
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

// FileConfig 对应 kmd.json 的解析结构（位于工作目录，存在即生效，可选）。
// 目标（system/game）只能来自 CLI：配置文件描述“怎么下”，不描述“下什么”。
type FileConfig struct {
	Output         string   `json:"output"`
	DelaySeconds   *float64 `json:"delay_seconds"`
	TimeoutSeconds *float64 `json:"timeout_seconds"`
	UserAgent      string   `json:"user_agent"`
	Resume         *bool    `json:"resume"`
	BaseURL        string   `json:"base_url"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// System/GameURL 二选一（互斥，由 LoadEffective 保证）。
	System  string
	GameURL string

	Output string // clean + absolute

	Delay   time.Duration
	Timeout time.Duration

	Resume bool
	DryRun bool

	// UserAgent 为空表示使用内置 UA（httpx 层决定具体取值）。
	UserAgent string

	// BaseURL 允许在站点域名变更/测试时指向其他地址（仅 kmd.json 配置，不暴露 CLI 参数）。
	BaseURL string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeMissingTarget:
		return fmt.Sprintf("%s：必须指定 --system 或 --game 之一", e.Code)
	case ErrCodeInvalid:
		if e.Path != "" && e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取可选的 <cwd>/kmd.json，并与 CLI 参数合并为最终配置。
//
// 覆盖优先级（固定）：
// - system/game：仅 CLI（互斥，必须且只能指定一个）
// - output/delay/resume/user_agent：CLI > config > 默认
// - timeout/base_url：仅 config > 默认（不暴露 CLI 参数）
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := filepath.Join(cwdAbs, "kmd.json")
	fc, _, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	return merge(cwdAbs, cli, fc, cfgPath)
}

func merge(cwdAbs string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	system := strings.TrimSpace(cli.System)
	gameURL := strings.TrimSpace(cli.Game)

	if system == "" && gameURL == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingTarget}
	}
	if system != "" && gameURL != "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("--system 与 --game 互斥，只能指定一个")}
	}
	if gameURL != "" {
		u, err := url.Parse(gameURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("--game 不是合法 URL：%q", gameURL)}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("--game 必须是 http/https：%q", gameURL)}
		}
	}

	// output：CLI > config > 默认
	output := DefaultOutput
	if cli.OutputSet {
		output = cli.Output
	} else if strings.TrimSpace(fc.Output) != "" {
		output = fc.Output
	}
	output = absCleanFrom(cwdAbs, output)
	if output == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("output 不能为空")}
	}

	// delay：CLI > config > 默认；必须 >= 0。
	delaySec := DefaultDelaySeconds
	if cli.DelaySet {
		delaySec = cli.Delay
	} else if fc.DelaySeconds != nil {
		delaySec = *fc.DelaySeconds
	}
	if delaySec < 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("delay 不能为负数：%v", delaySec)}
	}

	timeoutSec := DefaultTimeoutSeconds
	if fc.TimeoutSeconds != nil {
		timeoutSec = *fc.TimeoutSeconds
	}
	if timeoutSec <= 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("timeout_seconds 必须大于 0：%v", timeoutSec)}
	}

	// resume：CLI > config > 默认 false
	resume := false
	if cli.ResumeSet {
		resume = cli.Resume
	} else if fc.Resume != nil {
		resume = *fc.Resume
	}

	// user_agent：CLI > config > 空（httpx 使用内置 UA）
	userAgent := ""
	if cli.UserAgentSet {
		userAgent = strings.TrimSpace(cli.UserAgent)
	} else {
		userAgent = strings.TrimSpace(fc.UserAgent)
	}

	baseURL := strings.TrimSpace(fc.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("base_url 无效：%q", baseURL)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("base_url 必须是 http/https：%q", baseURL)}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return EffectiveConfig{
		System:    system,
		GameURL:   gameURL,
		Output:    output,
		Delay:     time.Duration(delaySec * float64(time.Second)),
		Timeout:   time.Duration(timeoutSec * float64(time.Second)),
		Resume:    resume,
		DryRun:    cli.DryRunSet && cli.DryRun,
		UserAgent: userAgent,
		BaseURL:   baseURL,
	}, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" || p == "." {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
