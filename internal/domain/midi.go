package domain

// MidiFile 描述游戏页上的一个可下载 MIDI 文件；URL 即其标识。
//
// SizeBytes 来自页面上的可选大小栏；0 表示页面未提供（不作为校验依据）。
type MidiFile struct {
	Name      string
	URL       string
	SizeBytes int64
}
