package internal

import (
	"sort"
	"time"

	"github.com/koopa0/minigame-rooms/pkg/protocol"
)

// Player 房間內的玩家
//
// 由所屬房間獨佔持有，連接關閉或房間銷毀時一併銷毀。
// 一個玩家同一時間最多屬於一個房間。
type Player struct {
	ID       string
	Nickname string
	Avatar   string
	Score    int
	IsReady  bool
}

// Room 遊戲房間
//
// 有限狀態機：waiting → ready → playing → finished。
//   - waiting → ready：人滿且所有玩家準備完成，開始倒數
//   - ready → playing：倒數歸零
//   - playing → finished：某玩家上報 game_over
//
// 狀態只會前進，不會回退（唯一例外：倒數期間有玩家斷線，
// 房間回到 waiting 並重置剩餘玩家的準備狀態）。
//
// 玩家列表保持加入順序（排名平分時依此保序）。
// 不變量：1 <= len(Players) <= MaxPlayers；空房間即刻從 Store 刪除。
type Room struct {
	ID         string
	GameType   string
	Players    []*Player
	MaxPlayers int
	State      protocol.GameState
	Countdown  int // 僅在 ready 狀態期間非零
	CreatedAt  time.Time

	// 計時器句柄由 Store 鎖保護，
	// 任何取代它們的狀態轉換都必須先取消。
	countdownTimer *time.Timer
	teardownTimer  *time.Timer
}

func newRoom(id, gameType string, maxPlayers int, first *Player) *Room {
	return &Room{
		ID:         id,
		GameType:   gameType,
		Players:    []*Player{first},
		MaxPlayers: maxPlayers,
		State:      protocol.StateWaiting,
		CreatedAt:  time.Now(),
	}
}

// findPlayer 按 ID 查找玩家
func (r *Room) findPlayer(playerID string) *Player {
	for _, p := range r.Players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

// removePlayer 移除玩家並保持剩餘玩家的相對順序
func (r *Room) removePlayer(playerID string) bool {
	for i, p := range r.Players {
		if p.ID == playerID {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			return true
		}
	}
	return false
}

// allReady 是否人滿且全部準備完成
func (r *Room) allReady() bool {
	if len(r.Players) < r.MaxPlayers {
		return false
	}
	for _, p := range r.Players {
		if !p.IsReady {
			return false
		}
	}
	return true
}

// View 構造線路視圖
func (r *Room) View() protocol.RoomView {
	players := make([]protocol.PlayerView, 0, len(r.Players))
	for _, p := range r.Players {
		players = append(players, protocol.PlayerView{
			ID:       p.ID,
			Nickname: p.Nickname,
			Avatar:   p.Avatar,
			Score:    p.Score,
			IsReady:  p.IsReady,
		})
	}
	return protocol.RoomView{
		ID:         r.ID,
		GameType:   r.GameType,
		Players:    players,
		MaxPlayers: r.MaxPlayers,
		State:      r.State,
		Countdown:  r.Countdown,
	}
}

// result 計算對局結果
//
// 按分數降序穩定排序：同分玩家保持加入順序。
func (r *Room) result() protocol.GameResult {
	ranked := make([]*Player, len(r.Players))
	copy(ranked, r.Players)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	players := make([]protocol.PlayerResult, 0, len(ranked))
	for i, p := range ranked {
		players = append(players, protocol.PlayerResult{
			ID:    p.ID,
			Score: p.Score,
			Rank:  i + 1,
		})
	}

	return protocol.GameResult{
		GameType:  r.GameType,
		Players:   players,
		Duration:  int64(time.Since(r.CreatedAt).Seconds()),
		Timestamp: time.Now().UnixMilli(),
	}
}

// cancelTimers 取消房間持有的所有計時器
func (r *Room) cancelTimers() {
	if r.countdownTimer != nil {
		r.countdownTimer.Stop()
		r.countdownTimer = nil
	}
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
}
