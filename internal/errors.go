package internal

import "errors"

// 加入房間時的業務錯誤。
// Store 只返回哨兵錯誤，翻譯成客戶端可見的 error 信封是 Hub 的職責；
// 錯誤文本會原樣出現在線路上，保持穩定。
var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room full")
	ErrRoomNotJoinable = errors.New("room not joinable")
)
