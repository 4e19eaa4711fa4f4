package domain

// DownloadTask 是 pipeline 期构造的每文件工作单元。
// 只由 pipeline 修改 Status；一次 run 结束后即丢弃（不持久化任务队列，
// resume 依赖目标文件是否存在，而不是回放任务日志）。
type DownloadTask struct {
	File      MidiFile
	Game      string // 规范化后的游戏目录名
	System    string // 规范化后的平台目录名
	TargetAbs string // 确定性目标路径（clean + absolute）

	Status string // report.go 中的 Status* 常量
}
