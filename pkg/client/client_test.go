package client_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/minigame-rooms/pkg/client"
	"github.com/koopa0/minigame-rooms/pkg/protocol"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer 測試服務器
//
// 記錄每個升級後的連接：httptest.Server.Close 不會關閉被劫持的
// WebSocket 連接，下線時必須逐一顯式關閉。
type wsServer struct {
	server *httptest.Server
	url    string

	mu    sync.Mutex
	conns []*websocket.Conn
}

// newWSServer 啟動測試服務器，每個連接交給 handler 處理
func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		handler(conn)
	}))
	s.url = "ws" + strings.TrimPrefix(s.server.URL, "http")
	t.Cleanup(s.shutdown)
	return s
}

// shutdown 掐斷所有活躍連接並關閉監聽，之後的重連嘗試都會失敗
func (s *wsServer) shutdown() {
	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.server.Close()
}

// echoServer 回應 ping，轉發注入的消息
func echoHandler(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if env.Type == protocol.KindPing {
			reply, _ := protocol.NewEnvelope(protocol.KindPong, nil)
			out, _ := reply.Marshal()
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}
}

// waitEvent 等待指定類型的事件，跳過其他事件
func waitEvent(t *testing.T, events <-chan client.Event, kind client.EventKind) client.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("等待 %s 事件超時", kind)
		}
	}
}

// TestClient_Connect 測試連接與事件流
func TestClient_Connect(t *testing.T) {
	push := make(chan protocol.Envelope, 1)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		env := <-push
		raw, _ := env.Marshal()
		conn.WriteMessage(websocket.TextMessage, raw)
		echoHandler(conn)
	})

	c := client.New(client.Options{URL: srv.url, Logger: testLogger()})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	waitEvent(t, c.Events(), client.EventConnected)
	assert.Equal(t, client.StateConnected, c.State())

	// 服務器推送房間更新，客戶端轉成事件
	env, err := protocol.NewEnvelope(protocol.KindRoomUpdate, protocol.RoomView{
		ID:       "ABC123",
		GameType: "snake",
		State:    protocol.StateWaiting,
	})
	require.NoError(t, err)
	push <- env

	ev := waitEvent(t, c.Events(), client.EventRoomUpdate)
	require.NotNil(t, ev.Room)
	assert.Equal(t, "ABC123", ev.Room.ID)
}

// TestClient_ConnectFailure 測試撥號失敗
func TestClient_ConnectFailure(t *testing.T) {
	c := client.New(client.Options{URL: "ws://127.0.0.1:1/ws", Logger: testLogger()})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, client.StateDisconnected, c.State())
}

// TestClient_SendWhileDisconnected 測試未連接時發送
func TestClient_SendWhileDisconnected(t *testing.T) {
	c := client.New(client.Options{URL: "ws://127.0.0.1:1/ws", Logger: testLogger()})

	err := c.Send(protocol.KindPing, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "未連接")
}

// TestClient_Reconnect 測試斷線自動重連
func TestClient_Reconnect(t *testing.T) {
	var connCount atomic.Int32
	srv := newWSServer(t, func(conn *websocket.Conn) {
		n := connCount.Add(1)
		if n == 1 {
			// 首個連接立即被服務器掐斷，觸發重連
			conn.Close()
			return
		}
		echoHandler(conn)
	})

	c := client.New(client.Options{
		URL:                srv.url,
		ReconnectBaseDelay: 10 * time.Millisecond,
		Logger:             testLogger(),
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	waitEvent(t, c.Events(), client.EventDisconnected)
	ev := waitEvent(t, c.Events(), client.EventReconnecting)
	assert.Equal(t, 1, ev.Attempt)
	waitEvent(t, c.Events(), client.EventConnected)

	assert.Equal(t, client.StateConnected, c.State())
	assert.GreaterOrEqual(t, connCount.Load(), int32(2))
}

// TestClient_ReconnectExhausted 測試重連耗盡與線性退避
func TestClient_ReconnectExhausted(t *testing.T) {
	srv := newWSServer(t, echoHandler)

	const baseDelay = 50 * time.Millisecond
	c := client.New(client.Options{
		URL:                  srv.url,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   baseDelay,
		Logger:               testLogger(),
	})
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c.Events(), client.EventConnected)

	// 服務器整個下線，所有重連嘗試都會失敗
	srv.shutdown()

	waitEvent(t, c.Events(), client.EventDisconnected)
	ev := waitEvent(t, c.Events(), client.EventReconnecting)
	assert.Equal(t, 1, ev.Attempt)
	firstAt := time.Now()

	ev = waitEvent(t, c.Events(), client.EventReconnecting)
	assert.Equal(t, 2, ev.Attempt)
	secondAt := time.Now()

	waitEvent(t, c.Events(), client.EventReconnectFailed)
	failedAt := time.Now()

	// 第 n 次嘗試前等待 n 倍基準延遲
	assert.GreaterOrEqual(t, secondAt.Sub(firstAt), baseDelay)
	assert.GreaterOrEqual(t, failedAt.Sub(secondAt), 2*baseDelay)

	assert.Equal(t, client.StateDisconnected, c.State())
}

// TestClient_DisconnectIsSilent 測試主動斷開不觸發重連
func TestClient_DisconnectIsSilent(t *testing.T) {
	srv := newWSServer(t, echoHandler)

	c := client.New(client.Options{URL: srv.url, Logger: testLogger()})
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c.Events(), client.EventConnected)

	c.Disconnect()

	// 主動斷開後不應出現 disconnected 或 reconnecting 事件
	select {
	case ev := <-c.Events():
		t.Fatalf("主動斷開後收到意外事件: %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, client.StateDisconnected, c.State())
}

// TestClient_HeartbeatTimeout 測試心跳超時觸發斷線
func TestClient_HeartbeatTimeout(t *testing.T) {
	// 服務器收下 ping 但從不回 pong
	srv := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := client.New(client.Options{
		URL:                  srv.url,
		HeartbeatInterval:    20 * time.Millisecond,
		HeartbeatTimeout:     20 * time.Millisecond,
		MaxReconnectAttempts: 1,
		ReconnectBaseDelay:   10 * time.Millisecond,
		Logger:               testLogger(),
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitEvent(t, c.Events(), client.EventConnected)

	// pong 缺席，客戶端應判定連接已死
	waitEvent(t, c.Events(), client.EventDisconnected)
}
