package domain

// GameSystem 描述一个游戏平台分类（例如 gameboy、nes）。
// 由 CLI 输入构造，构造后不再修改；Name 即其标识。
type GameSystem struct {
	Name string
	URL  string // 平台游戏列表页 URL
}
