package domain

// Game 描述站点上的一个游戏条目；PageURL 即其标识。
// System 为空表示 --game 模式下的合成条目（平台名从 URL 推断）。
type Game struct {
	Name    string
	PageURL string
	System  string
}
