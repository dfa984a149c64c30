package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/koopa0/minigame-rooms/pkg/protocol"
)

// Network Bridge 依賴的網路能力
//
// *Client 是生產實現；測試可注入假網路。
type Network interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(kind protocol.MessageKind, payload any) error
	Events() <-chan Event
}

// Bridge 遊戲側的房間操作門面
//
// 在網路事件流之上維護當前房間的快照與本地玩家身份，
// 對外提供帶前置檢查的房間操作。所有事件經 Bridge 轉發，
// 遊戲只需消費 Bridge.Events()。
type Bridge struct {
	net    Network
	player protocol.PlayerInfo
	logger *slog.Logger

	mu      sync.Mutex
	room    *protocol.RoomView
	localID string

	events chan Event
	stopCh chan struct{}
}

// NewBridge 創建門面，尚未連接
func NewBridge(net Network, player protocol.PlayerInfo, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		net:    net,
		player: player,
		logger: logger,
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
	}
}

// Start 建立連接並開始消費網路事件
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.net.Connect(ctx); err != nil {
		return err
	}
	go b.consumeEvents()
	return nil
}

// Stop 斷開連接並停止事件轉發
func (b *Bridge) Stop() {
	b.net.Disconnect()
	close(b.stopCh)
}

// Events 轉發後的事件流
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// CreateRoom 創建房間
//
// 已在房間內時拒絕，避免同一連接掛著兩個會話。
func (b *Bridge) CreateRoom(gameType string) error {
	b.mu.Lock()
	inRoom := b.room != nil
	b.mu.Unlock()
	if inRoom {
		return fmt.Errorf("創建房間: 已在房間中")
	}
	return b.net.Send(protocol.KindCreateRoom, protocol.CreateRoomPayload{
		GameType: gameType,
		Player:   b.player,
	})
}

// JoinRoom 加入指定房間
func (b *Bridge) JoinRoom(roomID string) error {
	b.mu.Lock()
	inRoom := b.room != nil
	b.mu.Unlock()
	if inRoom {
		return fmt.Errorf("加入房間: 已在房間中")
	}
	return b.net.Send(protocol.KindJoinRoom, protocol.JoinRoomPayload{
		RoomID: roomID,
		Player: b.player,
	})
}

// LeaveRoom 離開當前房間
//
// 本地快照立即清空，不等服務器確認。
func (b *Bridge) LeaveRoom() error {
	b.mu.Lock()
	if b.room == nil {
		b.mu.Unlock()
		return nil
	}
	roomID := b.room.ID
	b.room = nil
	b.mu.Unlock()

	return b.net.Send(protocol.KindLeaveRoom, protocol.LeaveRoomPayload{RoomID: roomID})
}

// Ready 標記本地玩家已準備
func (b *Bridge) Ready() error {
	b.mu.Lock()
	room := b.room
	b.mu.Unlock()
	if room == nil {
		return fmt.Errorf("準備: 不在房間中")
	}
	return b.net.Send(protocol.KindReady, protocol.ReadyPayload{RoomID: room.ID})
}

// SendAction 發送遊戲動作，action 會被序列化後原樣轉發給隊友
func (b *Bridge) SendAction(action any) error {
	b.mu.Lock()
	room := b.room
	b.mu.Unlock()
	if room == nil {
		return fmt.Errorf("發送動作: 不在房間中")
	}
	raw, err := protocol.MarshalAction(action)
	if err != nil {
		return err
	}
	return b.net.Send(protocol.KindGameAction, protocol.GameActionPayload{
		RoomID: room.ID,
		Action: raw,
	})
}

// UpdateScore 上報實時分數（約定的 score_update 動作）
func (b *Bridge) UpdateScore(score int) error {
	return b.SendAction(protocol.ScoreUpdateAction{Type: "score_update", Score: score})
}

// ReportGameOver 上報終局分數
//
// 只在對局進行中有效，服務器側同樣會拒絕其他狀態的上報。
func (b *Bridge) ReportGameOver(score int) error {
	b.mu.Lock()
	room := b.room
	b.mu.Unlock()
	if room == nil {
		return fmt.Errorf("上報終局: 不在房間中")
	}
	if room.State != protocol.StatePlaying {
		return fmt.Errorf("上報終局: 對局未在進行中")
	}
	return b.net.Send(protocol.KindGameOver, protocol.GameOverPayload{
		RoomID: room.ID,
		Score:  score,
	})
}

// Room 當前房間快照，不在房間時返回 nil
func (b *Bridge) Room() *protocol.RoomView {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.room == nil {
		return nil
	}
	view := *b.room
	return &view
}

// LocalPlayer 本地玩家在當前房間中的視圖
func (b *Bridge) LocalPlayer() *protocol.PlayerView {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.room == nil || b.localID == "" {
		return nil
	}
	for i := range b.room.Players {
		if b.room.Players[i].ID == b.localID {
			p := b.room.Players[i]
			return &p
		}
	}
	return nil
}

// consumeEvents 消費網路事件，維護快照後轉發
func (b *Bridge) consumeEvents() {
	for {
		select {
		case ev, ok := <-b.net.Events():
			if !ok {
				return
			}
			b.handleEvent(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bridge) handleEvent(ev Event) {
	switch ev.Kind {
	case EventRoomUpdate:
		b.mu.Lock()
		b.room = ev.Room
		b.resolveLocalIDLocked()
		b.mu.Unlock()

	case EventGameStart:
		b.mu.Lock()
		if b.room != nil {
			b.room.State = protocol.StatePlaying
			b.room.Countdown = 0
		}
		b.mu.Unlock()

	case EventGameOver:
		b.mu.Lock()
		if b.room != nil {
			b.room.State = protocol.StateFinished
		}
		b.mu.Unlock()

	case EventReconnectFailed:
		// 會話在服務端已被回收，丟棄本地快照
		b.mu.Lock()
		b.room = nil
		b.localID = ""
		b.mu.Unlock()
	}

	b.forward(ev)
}

// resolveLocalIDLocked 推斷本地玩家的服務端 ID，需持有鎖
//
// 玩家 ID 由服務器分配，客戶端事先不知道。首次收到房間更新時
// 按暱稱從後往前匹配（最新加入的同名玩家即本地玩家），此後
// 以已知 ID 為準。
func (b *Bridge) resolveLocalIDLocked() {
	if b.room == nil {
		return
	}
	if b.localID != "" {
		for i := range b.room.Players {
			if b.room.Players[i].ID == b.localID {
				return
			}
		}
		b.localID = ""
	}
	for i := len(b.room.Players) - 1; i >= 0; i-- {
		if b.room.Players[i].Nickname == b.player.Nickname {
			b.localID = b.room.Players[i].ID
			return
		}
	}
}

// forward 非阻塞轉發事件
func (b *Bridge) forward(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("事件緩衝已滿，事件被丟棄", "kind", ev.Kind)
	}
}
