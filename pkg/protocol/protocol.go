// Package protocol 定義房間服務器與客戶端之間的線路協議。
//
// 所有消息都以 Envelope { type, data?, timestamp? } 的形式通過
// 持久 WebSocket 連接交換，data 按 type 解碼為對應的負載結構。
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind 消息類型
//
// 封閉枚舉：客戶端與服務器之間只會交換這些類型，
// 未知類型由接收方記錄日誌後忽略。
type MessageKind string

const (
	KindCreateRoom MessageKind = "create_room"
	KindJoinRoom   MessageKind = "join_room"
	KindLeaveRoom  MessageKind = "leave_room"
	KindRoomUpdate MessageKind = "room_update"
	KindReady      MessageKind = "ready"
	KindStartGame  MessageKind = "start_game"
	KindGameAction MessageKind = "game_action"
	KindGameOver   MessageKind = "game_over"
	KindPing       MessageKind = "ping"
	KindPong       MessageKind = "pong"
	KindError      MessageKind = "error"
)

// GameState 房間狀態（線路值）
//
// 狀態只會前進：waiting → ready → playing → finished。
type GameState string

const (
	StateWaiting  GameState = "waiting"
	StateReady    GameState = "ready"
	StatePlaying  GameState = "playing"
	StateFinished GameState = "finished"
)

// Envelope 線路消息信封
//
// timestamp 為毫秒級 Unix 時間，發送端蓋章。
type Envelope struct {
	Type      MessageKind     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// PlayerInfo 客戶端上報的玩家資訊
type PlayerInfo struct {
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
}

// CreateRoomPayload create_room 請求
type CreateRoomPayload struct {
	GameType string     `json:"gameType"`
	Player   PlayerInfo `json:"player"`
}

// JoinRoomPayload join_room 請求
type JoinRoomPayload struct {
	RoomID string     `json:"roomId"`
	Player PlayerInfo `json:"player"`
}

// LeaveRoomPayload leave_room 請求
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// ReadyPayload ready 請求
type ReadyPayload struct {
	RoomID string `json:"roomId"`
}

// GameActionPayload game_action 請求
//
// action 對傳輸層不透明，原樣轉發給房間內其他玩家。
// 唯一例外是 {type:"score_update", score:N}，服務器同時更新存儲的分數。
type GameActionPayload struct {
	RoomID string          `json:"roomId"`
	Action json.RawMessage `json:"action"`
}

// ScoreUpdateAction score_update 動作的約定格式
type ScoreUpdateAction struct {
	Type  string `json:"type"`
	Score int    `json:"score"`
}

// GameOverPayload game_over 請求
type GameOverPayload struct {
	RoomID string `json:"roomId"`
	Score  int    `json:"score"`
}

// ActionRelayPayload 服務器轉發的 game_action
type ActionRelayPayload struct {
	PlayerID string          `json:"playerId"`
	Action   json.RawMessage `json:"action"`
}

// StartGamePayload start_game 廣播
//
// startTime 為服務器時鐘，供客戶端對時。
type StartGamePayload struct {
	StartTime int64 `json:"startTime"`
}

// ErrorPayload error 回應
type ErrorPayload struct {
	Error string `json:"error"`
}

// PlayerView 玩家的線路視圖
type PlayerView struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
	Score    int    `json:"score"`
	IsReady  bool   `json:"isReady"`
}

// RoomView 房間的線路視圖（room_update 負載）
//
// 服務器內部的連接句柄和計時器永不序列化。
type RoomView struct {
	ID         string       `json:"id"`
	GameType   string       `json:"gameType"`
	Players    []PlayerView `json:"players"`
	MaxPlayers int          `json:"maxPlayers"`
	State      GameState    `json:"state"`
	Countdown  int          `json:"countdown,omitempty"`
}

// PlayerResult 單個玩家的最終排名
type PlayerResult struct {
	ID    string `json:"id"`
	Score int    `json:"score"`
	Rank  int    `json:"rank"`
}

// GameResult 對局結果（game_over 廣播負載）
type GameResult struct {
	GameType  string         `json:"gameType"`
	Players   []PlayerResult `json:"players"`
	Duration  int64          `json:"duration"` // 自房間創建起的秒數
	Timestamp int64          `json:"timestamp"`
}

// NewEnvelope 構造帶時間戳的信封，payload 為 nil 時 data 省略
func NewEnvelope(kind MessageKind, payload any) (Envelope, error) {
	env := Envelope{
		Type:      kind,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("編碼 %s 負載失敗: %w", kind, err)
		}
		env.Data = data
	}
	return env, nil
}

// Marshal 把信封編碼為線路字節
func (e Envelope) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("編碼 %s 信封失敗: %w", e.Type, err)
	}
	return raw, nil
}

// DecodeEnvelope 解碼信封
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, fmt.Errorf("空消息")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("解碼信封失敗: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("信封缺少 type 欄位")
	}
	return env, nil
}

// DecodePayload 按類型解碼信封負載
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, fmt.Errorf("%s 消息缺少負載", env.Type)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("解碼 %s 負載失敗: %w", env.Type, err)
	}
	return out, nil
}

// MarshalAction 把動作對象編碼為 game_action 內嵌的字節
func MarshalAction(action any) (json.RawMessage, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("編碼動作失敗: %w", err)
	}
	return raw, nil
}

// UnmarshalAction 解碼 game_action 內嵌的動作對象
func UnmarshalAction(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("動作負載為空")
	}
	return json.Unmarshal(raw, out)
}
