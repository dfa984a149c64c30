// Package client 房間服務器的客戶端網路層
//
// 封裝 WebSocket 連接的建立、應用層心跳與自動重連，把服務器
// 推送的消息轉成事件流。遊戲側通常不直接使用本包的 Client，
// 而是通過 Bridge 操作房間。
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/minigame-rooms/pkg/protocol"
)

// State 連接狀態
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// EventKind 客戶端事件類型
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventReconnecting    EventKind = "reconnecting"
	EventReconnectFailed EventKind = "reconnect_failed"
	EventRoomUpdate      EventKind = "room_update"
	EventGameStart       EventKind = "game_start"
	EventGameAction      EventKind = "game_action"
	EventGameOver        EventKind = "game_over"
	EventError           EventKind = "error"
)

// Event 客戶端事件
//
// 封閉的和類型：Kind 決定哪些欄位有效。room_update 帶 Room，
// game_start 帶 StartTime，game_action 帶 PlayerID 與 Action，
// game_over 帶 Result，error 帶 Err，reconnecting 帶 Attempt。
type Event struct {
	Kind      EventKind
	Room      *protocol.RoomView
	StartTime int64
	PlayerID  string
	Action    []byte
	Result    *protocol.GameResult
	Err       error
	Attempt   int
}

// Options 客戶端配置
type Options struct {
	URL                  string
	MaxReconnectAttempts int           // 默認 5
	ReconnectBaseDelay   time.Duration // 默認 1s，第 n 次重連等待 n 倍
	HeartbeatInterval    time.Duration // 默認 30s
	HeartbeatTimeout     time.Duration // 默認 10s，超時未見 pong 則強制斷開
	Logger               *slog.Logger
}

func (o *Options) withDefaults() {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client 帶心跳與自動重連的 WebSocket 客戶端
type Client struct {
	opts   Options
	logger *slog.Logger
	events chan Event

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	attempts  int
	closed    bool // 用戶主動斷開後不再重連
	pongTimer *time.Timer
	stopHB    chan struct{}
}

// New 創建客戶端，未建立連接
func New(opts Options) *Client {
	opts.withDefaults()
	return &Client{
		opts:   opts,
		logger: opts.Logger,
		events: make(chan Event, 64),
		state:  StateDisconnected,
	}
}

// Events 事件流
//
// 消費者必須持續讀取；緩衝滿時新事件會被丟棄。
func (c *Client) Events() <-chan Event {
	return c.events
}

// State 當前連接狀態
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect 建立連接並啟動讀取循環與心跳
//
// 成功後重連計數歸零。重複調用已連接的客戶端是空操作。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closed = false
	c.mu.Unlock()

	return c.dial(ctx)
}

// dial 單次撥號嘗試，成功後掛載讀取循環與心跳
func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("連接 %s 失敗: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.stopHB = make(chan struct{})
	stopHB := c.stopHB
	c.mu.Unlock()

	c.logger.Info("已連接到房間服務器", "url", c.opts.URL)
	c.emit(Event{Kind: EventConnected})

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, stopHB)

	return nil
}

// Disconnect 主動斷開
//
// 之後的連接丟失不觸發重連，也不產生 disconnected 事件。
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// Send 發送一條消息
//
// 未連接時返回錯誤，消息不會排隊等待重連。
func (c *Client) Send(kind protocol.MessageKind, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("發送 %s: 未連接", kind)
	}

	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("發送 %s 失敗: %w", kind, err)
	}
	return nil
}

// readLoop 讀取循環
//
// conn 參數固定為啟動時的連接：重連後舊循環的退出不會干擾
// 新連接的狀態。
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onConnectionLost(conn, err)
			return
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("無法解析服務器消息", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch 把服務器消息轉成事件
func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.KindPong:
		c.mu.Lock()
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		c.mu.Unlock()

	case protocol.KindRoomUpdate:
		view, err := protocol.DecodePayload[protocol.RoomView](env)
		if err != nil {
			c.logger.Warn("解碼房間更新失敗", "error", err)
			return
		}
		c.emit(Event{Kind: EventRoomUpdate, Room: &view})

	case protocol.KindStartGame:
		payload, err := protocol.DecodePayload[protocol.StartGamePayload](env)
		if err != nil {
			c.logger.Warn("解碼開局信號失敗", "error", err)
			return
		}
		c.emit(Event{Kind: EventGameStart, StartTime: payload.StartTime})

	case protocol.KindGameAction:
		payload, err := protocol.DecodePayload[protocol.ActionRelayPayload](env)
		if err != nil {
			c.logger.Warn("解碼動作轉發失敗", "error", err)
			return
		}
		c.emit(Event{Kind: EventGameAction, PlayerID: payload.PlayerID, Action: payload.Action})

	case protocol.KindGameOver:
		result, err := protocol.DecodePayload[protocol.GameResult](env)
		if err != nil {
			c.logger.Warn("解碼對局結果失敗", "error", err)
			return
		}
		c.emit(Event{Kind: EventGameOver, Result: &result})

	case protocol.KindError:
		payload, err := protocol.DecodePayload[protocol.ErrorPayload](env)
		if err != nil {
			c.logger.Warn("解碼錯誤消息失敗", "error", err)
			return
		}
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%s", payload.Error)})

	default:
		c.logger.Warn("未知的服務器消息類型", "type", env.Type)
	}
}

// heartbeatLoop 應用層心跳
//
// 每個間隔發送 ping 並掛起超時計時器；pong 到達時取消。
// 超時未見 pong 視為連接已死，強制關閉以觸發重連路徑。
func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Send(protocol.KindPing, nil); err != nil {
				return
			}
			c.mu.Lock()
			if c.pongTimer != nil {
				c.pongTimer.Stop()
			}
			c.pongTimer = time.AfterFunc(c.opts.HeartbeatTimeout, func() {
				c.logger.Warn("心跳超時，強制斷開")
				conn.Close()
			})
			c.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// onConnectionLost 連接丟失的善後
//
// 用戶主動斷開時靜默退出；否則發出 disconnected 事件並進入
// 重連流程。只處理當前連接的丟失，舊連接的殘留回調被忽略。
func (c *Client) onConnectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("連接丟失", "error", cause)
	c.emit(Event{Kind: EventDisconnected, Err: cause})

	go c.reconnect()
}

// reconnect 線性退避重連
//
// 第 n 次嘗試前等待 n 倍基準延遲。重連期間用戶調用 Disconnect
// 會悄然終止流程；嘗試耗盡時發出 reconnect_failed。
func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		if attempt > c.opts.MaxReconnectAttempts {
			c.state = StateDisconnected
			c.mu.Unlock()
			c.logger.Error("重連嘗試耗盡", "attempts", c.opts.MaxReconnectAttempts)
			c.emit(Event{Kind: EventReconnectFailed})
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()

		delay := c.opts.ReconnectBaseDelay * time.Duration(attempt)
		c.logger.Info("準備重連", "attempt", attempt, "delay", delay)
		c.emit(Event{Kind: EventReconnecting, Attempt: attempt})
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.dial(context.Background()); err == nil {
			return
		}
	}
}

// stopHeartbeatLocked 停止心跳循環與未決的超時計時器，需持有鎖
func (c *Client) stopHeartbeatLocked() {
	if c.stopHB != nil {
		close(c.stopHB)
		c.stopHB = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// emit 非阻塞發送事件，緩衝滿時丟棄
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("事件緩衝已滿，事件被丟棄", "kind", ev.Kind)
	}
}
