package internal

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/koopa0/minigame-rooms/pkg/protocol"
)

// Hub WebSocket 連接中心
//
// 管理所有活躍連接，將入站消息路由到 Store，把房間事件
// 廣播給房間成員。實現 Notifier 以接收 Store 的計時器事件。
type Hub struct {
	store  *Store
	cfg    *Config
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection // playerID -> connection

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// connection 單個客戶端連接
type connection struct {
	playerID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	limiter  *rate.Limiter

	mu            sync.Mutex
	lastHeartbeat time.Time

	closeOnce sync.Once
}

// NewHub 創建連接中心並啟動空閒連接清掃
func NewHub(store *Store, cfg *Config, logger *slog.Logger) *Hub {
	h := &Hub{
		store:  store,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:  make(map[string]*connection),
		stopCh: make(chan struct{}),
	}
	store.SetNotifier(h)

	h.wg.Add(1)
	go h.reapLoop()

	return h
}

// ServeWS 處理 WebSocket 升級請求
//
// 每個連接分配獨立的玩家 ID，生命週期內不變。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket 升級失敗", "error", err)
		return
	}

	c := &connection{
		playerID:      uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           h,
		limiter:       rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
		lastHeartbeat: time.Now(),
	}

	h.register(c)
	h.logger.Info("客戶端已連接", "player_id", c.playerID, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// ConnectedPlayers 當前連接數
func (h *Hub) ConnectedPlayers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomUpdated 實現 Notifier：廣播房間更新
func (h *Hub) RoomUpdated(view protocol.RoomView) {
	h.broadcast(view, protocol.KindRoomUpdate, view)
}

// GameStarted 實現 Notifier：廣播開局信號
func (h *Hub) GameStarted(view protocol.RoomView, startTime int64) {
	h.broadcast(view, protocol.KindStartGame, protocol.StartGamePayload{StartTime: startTime})
}

// Stop 關閉所有連接並停止後台清掃
func (h *Hub) Stop() {
	close(h.stopCh)

	h.mu.Lock()
	for _, c := range h.conns {
		c.close()
	}
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("連接中心已停止")
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.playerID] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.playerID] == c {
		delete(h.conns, c.playerID)
	}
	c.close()
}

// broadcast 向房間全體成員推送同一條消息，序列化只做一次
func (h *Hub) broadcast(view protocol.RoomView, kind protocol.MessageKind, payload any) {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		h.logger.Error("序列化廣播消息失敗", "kind", kind, "error", err)
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		h.logger.Error("序列化廣播消息失敗", "kind", kind, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range view.Players {
		if c, ok := h.conns[p.ID]; ok {
			c.push(raw)
		}
	}
}

// reapLoop 定期清掃空閒連接和過期房間
func (h *Hub) reapLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Reaper.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.reap()
			h.store.CleanupStaleRooms()
		case <-h.stopCh:
			return
		}
	}
}

// reap 關閉心跳超時的連接
//
// 只有服務端主動關閉走這條路徑；關閉後 readPump 的收尾邏輯
// 負責離房與廣播。
func (h *Hub) reap() {
	cutoff := time.Now().Add(-h.cfg.Reaper.IdleTimeout)

	h.mu.RLock()
	var stale []*connection
	for _, c := range h.conns {
		c.mu.Lock()
		idle := c.lastHeartbeat.Before(cutoff)
		c.mu.Unlock()
		if idle {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Info("關閉空閒連接", "player_id", c.playerID)
		h.unregister(c)
	}
}

// readPump 讀取循環，每連接一個 goroutine
//
// 連接斷開（無論原因）時將玩家移出房間並通知剩餘成員，
// 與顯式 leave_room 同構。
func (c *connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()

		if view, ok := c.hub.store.LeaveRoom(c.playerID); ok {
			c.hub.RoomUpdated(view)
		}
		c.hub.logger.Info("客戶端已斷開", "player_id", c.playerID)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("連接異常關閉", "player_id", c.playerID, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.hub.logger.Warn("消息超過速率限制，已丟棄", "player_id", c.playerID)
			continue
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.hub.logger.Warn("無法解析的消息", "player_id", c.playerID, "error", err)
			c.sendError("invalid message format")
			continue
		}

		c.handleEnvelope(env)
	}
}

// handleEnvelope 按消息類型分發
func (c *connection) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.KindPing:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		c.sendEnvelope(protocol.KindPong, nil)

	case protocol.KindCreateRoom:
		payload, err := protocol.DecodePayload[protocol.CreateRoomPayload](env)
		if err != nil {
			c.sendError("invalid message format")
			return
		}
		view := c.hub.store.CreateRoom(payload.GameType, &Player{
			ID:       c.playerID,
			Nickname: payload.Player.Nickname,
			Avatar:   payload.Player.Avatar,
		})
		c.sendEnvelope(protocol.KindRoomUpdate, view)

	case protocol.KindJoinRoom:
		payload, err := protocol.DecodePayload[protocol.JoinRoomPayload](env)
		if err != nil {
			c.sendError("invalid message format")
			return
		}
		view, err := c.hub.store.JoinRoom(payload.RoomID, &Player{
			ID:       c.playerID,
			Nickname: payload.Player.Nickname,
			Avatar:   payload.Player.Avatar,
		})
		if err != nil {
			c.sendError(businessError(err))
			return
		}
		c.hub.RoomUpdated(view)

	case protocol.KindLeaveRoom:
		if view, ok := c.hub.store.LeaveRoom(c.playerID); ok {
			c.hub.RoomUpdated(view)
		}

	case protocol.KindReady:
		view, ok := c.hub.store.PlayerReady(c.playerID)
		if !ok {
			c.sendError("room not found")
			return
		}
		c.hub.RoomUpdated(view)

	case protocol.KindGameAction:
		payload, err := protocol.DecodePayload[protocol.GameActionPayload](env)
		if err != nil {
			c.sendError("invalid message format")
			return
		}
		view, ok := c.hub.store.GetPlayerRoom(c.playerID)
		if !ok {
			c.sendError("room not found")
			return
		}

		// 約定的 score_update 動作更新權威分數，其餘動作原樣轉發
		var action protocol.ScoreUpdateAction
		if err := protocol.UnmarshalAction(payload.Action, &action); err == nil && action.Type == "score_update" {
			if updated, ok := c.hub.store.UpdatePlayerScore(c.playerID, action.Score); ok {
				view = updated
			}
		}
		c.relayAction(view, payload.Action)

	case protocol.KindGameOver:
		payload, err := protocol.DecodePayload[protocol.GameOverPayload](env)
		if err != nil {
			c.sendError("invalid message format")
			return
		}
		result, view, ok := c.hub.store.GameOver(c.playerID, payload.Score)
		if !ok {
			// 無會話回應錯誤；房間存在但狀態不對（如重複上報）靜默忽略
			if _, inRoom := c.hub.store.GetPlayerRoom(c.playerID); !inRoom {
				c.sendError("room not found")
			}
			return
		}
		c.hub.broadcast(view, protocol.KindGameOver, result)

	default:
		c.hub.logger.Warn("未知消息類型", "player_id", c.playerID, "type", env.Type)
	}
}

// relayAction 把動作轉發給房間內除發送者外的成員
func (c *connection) relayAction(view protocol.RoomView, action []byte) {
	env, err := protocol.NewEnvelope(protocol.KindGameAction, protocol.ActionRelayPayload{
		PlayerID: c.playerID,
		Action:   action,
	})
	if err != nil {
		c.hub.logger.Error("序列化轉發消息失敗", "error", err)
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		c.hub.logger.Error("序列化轉發消息失敗", "error", err)
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for _, p := range view.Players {
		if p.ID == c.playerID {
			continue
		}
		if peer, ok := c.hub.conns[p.ID]; ok {
			peer.push(raw)
		}
	}
}

// businessError 把 Store 的哨兵錯誤映射為客戶端可讀的錯誤文本
func businessError(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, ErrRoomFull):
		return "room full"
	case errors.Is(err, ErrRoomNotJoinable):
		return "room not joinable"
	default:
		return "internal error"
	}
}

// sendEnvelope 向本連接發送一條消息
func (c *connection) sendEnvelope(kind protocol.MessageKind, payload any) {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		c.hub.logger.Error("序列化消息失敗", "kind", kind, "error", err)
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		c.hub.logger.Error("序列化消息失敗", "kind", kind, "error", err)
		return
	}
	c.push(raw)
}

// sendError 向本連接發送錯誤消息，連接保持打開
func (c *connection) sendError(msg string) {
	c.sendEnvelope(protocol.KindError, protocol.ErrorPayload{Error: msg})
}

// push 非阻塞入隊，緩衝滿時丟棄以保護其他連接不被慢消費者拖累
func (c *connection) push(raw []byte) {
	select {
	case c.send <- raw:
	default:
		c.hub.logger.Warn("發送緩衝已滿，消息被丟棄", "player_id", c.playerID)
	}
}

// close 關閉發送通道，writePump 隨之退出並關閉底層連接
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// writePump 寫入循環，每連接一個 goroutine
func (c *connection) writePump() {
	defer c.conn.Close()

	for raw := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}

		// 批量清空積壓，減少系統調用
		n := len(c.send)
		for range n {
			raw, ok := <-c.send
			if !ok {
				break
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
