package planner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/KMD/internal/domain"
	"github.com/John-Robertt/KMD/internal/fname"
	"github.com/John-Robertt/KMD/internal/infra/fsx"
)

// TargetPath 计算一个文件的确定性目标路径：
// <root>/<sanitize(system)>/<sanitize(game)>/<sanitize(file)>。
//
// 纯函数：相同输入永远映射到相同路径，resume 的“按存在性跳过”依赖这一点。
func TargetPath(root, system, game, display, fileURL string) string {
	return filepath.Join(
		root,
		fname.Dir(system, "unknown"),
		fname.Dir(game, "unknown"),
		fname.Midi(display, fileURL),
	)
}

// PlanGame 把一个游戏的文件列表转成 DownloadTask 序列（不做任何网络/写入）。
//
// - 目标路径由 TargetPath 的同一套规则得出
// - 同一游戏内规范化后撞名的文件分配 __2/__3 后缀（顺序稳定，重复运行结果一致）
// - resume 模式下目标已存在的任务直接标记 skipped（只看存在性，不校验内容）
func PlanGame(root string, resume bool, g domain.Game, files []domain.MidiFile) []domain.DownloadTask {
	sysDir := fname.Dir(g.System, "unknown")
	gameDir := fname.Dir(g.Name, "unknown")
	dir := filepath.Join(root, sysDir, gameDir)

	used := make(map[string]struct{}, len(files))
	tasks := make([]domain.DownloadTask, 0, len(files))
	for _, f := range files {
		name := allocName(fname.Midi(f.Name, f.URL), used)
		used[name] = struct{}{}

		target := filepath.Join(dir, name)
		status := domain.StatusPending
		if resume && fsx.Exists(target) {
			status = domain.StatusSkipped
		}

		tasks = append(tasks, domain.DownloadTask{
			File:      f,
			System:    sysDir,
			Game:      gameDir,
			TargetAbs: target,
			Status:    status,
		})
	}
	return tasks
}

func allocName(name string, used map[string]struct{}) string {
	if _, ok := used[name]; !ok {
		return name
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s__%d%s", base, n, ext)
		if _, ok := used[cand]; !ok {
			return cand
		}
	}
}
