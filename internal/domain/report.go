package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// 运行期错误码。配置阶段的错误码（config_invalid 等）由 config 包定义，
// 经 config.Code 原样流入 report，不在这里重复声明。
const (
	ErrCodeFetchFailed = "fetch_failed"
	ErrCodeNotFound    = "not_found"
	ErrCodeBlocked     = "blocked"
	ErrCodeParseFailed = "parse_failed"
	ErrCodeIOFailed    = "io_failed"
	ErrCodeCanceled    = "canceled"
)

// RunReport 是对外稳定输出（stdout JSON）的结构。
type RunReport struct {
	RunID  string `json:"run_id"`
	Target string `json:"target"` // "system:<name>" 或 "game:<url>"
	Output string `json:"output"`
	DryRun bool   `json:"dry_run"`
	Resume bool   `json:"resume"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []FileResult  `json:"items"`
}

type ReportSummary struct {
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// FileResult 对应一个 DownloadTask 的最终结果。
// 失败/跳过时 ErrorCode/ErrorMsg 说明原因（(name, url, reason) 三元组可追溯）。
type FileResult struct {
	System string `json:"system"`
	Game   string `json:"game"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Path   string `json:"path"` // 相对 output 根的目标路径

	Bytes int64 `json:"bytes"` // 实际写入字节数；非 completed 时为 0

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 稳定排序：按 (system, game, path) 字典序，保证多次运行输出可比对
// 3) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a, b := r.Items[i], r.Items[j]
		if a.System != b.System {
			return a.System < b.System
		}
		if a.Game != b.Game {
			return a.Game < b.Game
		}
		return a.Path < b.Path
	})

	var s ReportSummary
	for _, it := range r.Items {
		switch it.Status {
		case StatusCompleted:
			s.Completed++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
// 当前只是透传 encoding/json 的默认行为。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
