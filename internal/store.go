package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/minigame-rooms/pkg/protocol"
)

// Notifier 接收 Store 在計時器回調中產生的事件。
//
// 同步操作（加入、準備等）由調用方拿返回值自行廣播；
// 倒數節拍和開局信號源自 Store 內部的計時器，經此接口交給
// 連接層推送。Store 自身永不接觸連接。
type Notifier interface {
	RoomUpdated(view protocol.RoomView)
	GameStarted(view protocol.RoomView, startTime int64)
}

// Store 房間與會話的權威註冊表
//
// 進程內唯一可變狀態，無外部持久化。所有操作在同一把互斥鎖下
// 原子完成，計時器回調也走同一把鎖，與消息處理嚴格串行。
//
// 不變量：playerRoom 是房間成員關係的雙射——玩家出現在某房間的
// 玩家列表中，當且僅當 playerRoom 將其映射到該房間。
type Store struct {
	cfg      RoomConfig
	logger   *slog.Logger
	notifier Notifier

	mu         sync.Mutex
	rooms      map[string]*Room  // roomID -> Room
	playerRoom map[string]string // playerID -> roomID
	closed     bool
}

// NewStore 創建房間註冊表
func NewStore(cfg RoomConfig, logger *slog.Logger) *Store {
	return &Store{
		cfg:        cfg,
		logger:     logger,
		rooms:      make(map[string]*Room),
		playerRoom: make(map[string]string),
	}
}

// SetNotifier 設置異步事件接收者，必須在開始處理消息前調用
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

// CreateRoom 創建房間並讓首名玩家入座
//
// 玩家已有會話時先走離房路徑，保證會話雙射不被破壞；
// 舊房間若還有成員，其更新經 Notifier 廣播。
// 永不失敗：房間碼在 36^6 的空間內生成，碰撞時重新生成。
func (s *Store) CreateRoom(gameType string, p *Player) protocol.RoomView {
	s.mu.Lock()

	vacated, hadRoom := s.detachLocked(p.ID)

	roomID := s.generateRoomID()
	room := newRoom(roomID, gameType, s.cfg.MaxPlayers, p)
	s.rooms[roomID] = room
	s.playerRoom[p.ID] = roomID

	s.logger.Info("房間已創建",
		"room_id", roomID,
		"game_type", gameType,
		"player_id", p.ID,
		"nickname", p.Nickname)

	view := room.View()
	s.mu.Unlock()

	if hadRoom {
		s.notifier.RoomUpdated(vacated)
	}
	return view
}

// JoinRoom 加入房間
//
// 只允許加入 waiting 狀態且未滿的房間；失敗時不改動任何狀態。
// 玩家已在別的房間時先走離房路徑（目標房間校驗通過後才離開，
// 加入失敗不會丟失原有會話）；重複加入所在房間為冪等空操作。
func (s *Store) JoinRoom(roomID string, p *Player) (protocol.RoomView, error) {
	s.mu.Lock()

	room, exists := s.rooms[roomID]
	if !exists {
		s.mu.Unlock()
		return protocol.RoomView{}, fmt.Errorf("加入房間 %s: %w", roomID, ErrRoomNotFound)
	}
	if s.playerRoom[p.ID] == roomID {
		view := room.View()
		s.mu.Unlock()
		return view, nil
	}
	if len(room.Players) >= room.MaxPlayers {
		s.mu.Unlock()
		return protocol.RoomView{}, fmt.Errorf("加入房間 %s: %w", roomID, ErrRoomFull)
	}
	if room.State != protocol.StateWaiting {
		s.mu.Unlock()
		return protocol.RoomView{}, fmt.Errorf("加入房間 %s: %w", roomID, ErrRoomNotJoinable)
	}

	vacated, hadRoom := s.detachLocked(p.ID)

	room.Players = append(room.Players, p)
	s.playerRoom[p.ID] = roomID

	s.logger.Info("玩家加入房間",
		"room_id", roomID,
		"player_id", p.ID,
		"nickname", p.Nickname)

	view := room.View()
	s.mu.Unlock()

	if hadRoom {
		s.notifier.RoomUpdated(vacated)
	}
	return view, nil
}

// LeaveRoom 將玩家移出其所在房間
//
// 玩家沒有會話時為冪等空操作。房間變空即刻刪除，此時返回
// ok=false，調用方不應再向已不存在的房間廣播。
// 倒數期間有人離開時，房間回到 waiting 並重置剩餘玩家的準備狀態。
func (s *Store) LeaveRoom(playerID string) (protocol.RoomView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachLocked(playerID)
}

// detachLocked 離房路徑的共用實現，需持有鎖
//
// 顯式離房、斷線、以及創建或加入新房間前的隱式離房都走這裡，
// 保證會話雙射在任何入口下都成立。
func (s *Store) detachLocked(playerID string) (protocol.RoomView, bool) {
	roomID, exists := s.playerRoom[playerID]
	if !exists {
		return protocol.RoomView{}, false
	}
	room := s.rooms[roomID]

	room.removePlayer(playerID)
	delete(s.playerRoom, playerID)

	s.logger.Info("玩家離開房間", "room_id", roomID, "player_id", playerID)

	if len(room.Players) == 0 {
		s.deleteRoomLocked(roomID)
		return protocol.RoomView{}, false
	}

	if room.State == protocol.StateReady {
		// 倒數作廢：取消計時器並回到等待狀態
		room.cancelTimers()
		room.State = protocol.StateWaiting
		room.Countdown = 0
		for _, p := range room.Players {
			p.IsReady = false
		}
		s.logger.Info("倒數中有玩家離開，房間回到等待狀態", "room_id", roomID)
	}

	return room.View(), true
}

// PlayerReady 標記玩家已準備
//
// 人滿且全部準備後觸發 waiting → ready 並啟動倒數。
// 房間已離開 waiting 狀態時對狀態無任何影響。
func (s *Store) PlayerReady(playerID string) (protocol.RoomView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.playerRoomLocked(playerID)
	if room == nil {
		return protocol.RoomView{}, false
	}

	if room.State == protocol.StateWaiting {
		room.findPlayer(playerID).IsReady = true
		s.logger.Info("玩家已準備", "room_id", room.ID, "player_id", playerID)

		if room.allReady() {
			room.State = protocol.StateReady
			room.Countdown = s.cfg.CountdownTicks
			s.scheduleCountdownLocked(room)
			s.logger.Info("全員準備完成，開始倒數",
				"room_id", room.ID,
				"countdown", room.Countdown)
		}
	}

	return room.View(), true
}

// UpdatePlayerScore 更新玩家的實時分數，不觸發任何狀態轉換
func (s *Store) UpdatePlayerScore(playerID string, score int) (protocol.RoomView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.playerRoomLocked(playerID)
	if room == nil {
		return protocol.RoomView{}, false
	}

	room.findPlayer(playerID).Score = score
	return room.View(), true
}

// GameOver 處理玩家上報的終局
//
// 只在 playing 狀態生效（狀態機不允許跳越）。寫入最終分數、
// 轉換到 finished、計算排名，並安排延遲拆除讓客戶端有時間
// 展示結果。
func (s *Store) GameOver(playerID string, finalScore int) (protocol.GameResult, protocol.RoomView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.playerRoomLocked(playerID)
	if room == nil || room.State != protocol.StatePlaying {
		return protocol.GameResult{}, protocol.RoomView{}, false
	}

	room.findPlayer(playerID).Score = finalScore
	room.State = protocol.StateFinished
	result := room.result()

	roomID := room.ID
	room.teardownTimer = time.AfterFunc(s.cfg.TeardownDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deleteRoomLocked(roomID)
	})

	s.logger.Info("對局結束",
		"room_id", roomID,
		"player_id", playerID,
		"final_score", finalScore,
		"duration_s", result.Duration)

	return result, room.View(), true
}

// CleanupStaleRooms 清掃過期房間
//
// 兜底機制：無論狀態與人數，存在超過 StaleAfter 的房間一律回收，
// 釋放其玩家的會話記錄。
func (s *Store) CleanupStaleRooms() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for roomID, room := range s.rooms {
		if now.Sub(room.CreatedAt) > s.cfg.StaleAfter {
			s.logger.Info("清理過期房間", "room_id", roomID, "state", room.State)
			s.deleteRoomLocked(roomID)
		}
	}
}

// GetRoom 獲取房間視圖
func (s *Store) GetRoom(roomID string) (protocol.RoomView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, exists := s.rooms[roomID]
	if !exists {
		return protocol.RoomView{}, false
	}
	return room.View(), true
}

// GetPlayerRoom 獲取玩家所在房間的視圖
func (s *Store) GetPlayerRoom(playerID string) (protocol.RoomView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.playerRoomLocked(playerID)
	if room == nil {
		return protocol.RoomView{}, false
	}
	return room.View(), true
}

// Stats 獲取統計資訊
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateCount := make(map[protocol.GameState]int)
	totalPlayers := 0
	for _, room := range s.rooms {
		stateCount[room.State]++
		totalPlayers += len(room.Players)
	}

	return map[string]any{
		"total_rooms":   len(s.rooms),
		"total_players": totalPlayers,
		"by_state":      stateCount,
	}
}

// Stop 停止註冊表並取消所有未決計時器
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, room := range s.rooms {
		room.cancelTimers()
	}
	s.rooms = make(map[string]*Room)
	s.playerRoom = make(map[string]string)

	s.logger.Info("房間註冊表已停止")
}

// playerRoomLocked 按玩家 ID 查其房間，需持有鎖
func (s *Store) playerRoomLocked(playerID string) *Room {
	roomID, exists := s.playerRoom[playerID]
	if !exists {
		return nil
	}
	return s.rooms[roomID]
}

// deleteRoomLocked 刪除房間，取消計時器並釋放成員的會話記錄，需持有鎖
func (s *Store) deleteRoomLocked(roomID string) {
	room, exists := s.rooms[roomID]
	if !exists {
		return
	}
	room.cancelTimers()
	for _, p := range room.Players {
		delete(s.playerRoom, p.ID)
	}
	delete(s.rooms, roomID)
	s.logger.Info("房間已刪除", "room_id", roomID)
}

// scheduleCountdownLocked 安排下一次倒數節拍，需持有鎖
func (s *Store) scheduleCountdownLocked(room *Room) {
	roomID := room.ID
	room.countdownTimer = time.AfterFunc(s.cfg.TickInterval, func() {
		s.countdownTick(roomID)
	})
}

// countdownTick 倒數節拍回調
//
// 房間在兩次節拍之間被拆除或回到 waiting 時，節拍靜默作廢。
// 歸零時清除倒數欄位、轉換到 playing 並發出帶服務器時間戳的
// 開局信號（與普通房間更新區分，客戶端以此啟動遊戲）。
func (s *Store) countdownTick(roomID string) {
	s.mu.Lock()

	room, exists := s.rooms[roomID]
	if !exists || room.State != protocol.StateReady || s.closed {
		s.mu.Unlock()
		return
	}

	room.Countdown--
	if room.Countdown > 0 {
		view := room.View()
		s.scheduleCountdownLocked(room)
		s.mu.Unlock()

		s.notifier.RoomUpdated(view)
		return
	}

	room.Countdown = 0
	room.State = protocol.StatePlaying
	room.countdownTimer = nil
	view := room.View()
	startTime := time.Now().UnixMilli()
	s.mu.Unlock()

	s.logger.Info("倒數結束，對局開始", "room_id", roomID)
	s.notifier.GameStarted(view, startTime)
}

// generateRoomID 生成 6 位房間碼（A-Z0-9），碰撞時重新生成
func (s *Store) generateRoomID() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for {
		b := make([]byte, 6)
		if _, err := rand.Read(b); err != nil {
			// 隨機源失敗時退回時間戳
			b = []byte(fmt.Sprintf("%06d", time.Now().UnixNano()%1000000))
		}
		for i := range b {
			b[i] = chars[int(b[i])%len(chars)]
		}
		id := string(b)
		if _, exists := s.rooms[id]; !exists {
			return id
		}
	}
}
