package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/minigame-rooms/pkg/client"
	"github.com/koopa0/minigame-rooms/pkg/protocol"
)

// fakeNetwork 可注入事件、記錄發送的假網路層
type fakeNetwork struct {
	mu     sync.Mutex
	sent   []sentMessage
	events chan client.Event
}

type sentMessage struct {
	kind    protocol.MessageKind
	payload any
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{events: make(chan client.Event, 16)}
}

func (f *fakeNetwork) Connect(ctx context.Context) error { return nil }
func (f *fakeNetwork) Disconnect()                       {}
func (f *fakeNetwork) Events() <-chan client.Event       { return f.events }

func (f *fakeNetwork) Send(kind protocol.MessageKind, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{kind: kind, payload: payload})
	return nil
}

func (f *fakeNetwork) lastSent() (sentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func newTestBridge(t *testing.T) (*client.Bridge, *fakeNetwork) {
	t.Helper()
	net := newFakeNetwork()
	bridge := client.NewBridge(net, protocol.PlayerInfo{Nickname: "小明"}, testLogger())
	require.NoError(t, bridge.Start(context.Background()))
	t.Cleanup(bridge.Stop)
	return bridge, net
}

// pushRoom 注入房間更新並等待 Bridge 消費完畢
func pushRoom(t *testing.T, bridge *client.Bridge, net *fakeNetwork, view protocol.RoomView) {
	t.Helper()
	net.events <- client.Event{Kind: client.EventRoomUpdate, Room: &view}
	waitEvent(t, bridge.Events(), client.EventRoomUpdate)
}

func twoPlayerRoom(state protocol.GameState) protocol.RoomView {
	return protocol.RoomView{
		ID:       "ABC123",
		GameType: "snake",
		Players: []protocol.PlayerView{
			{ID: "p1", Nickname: "小明"},
			{ID: "p2", Nickname: "小紅"},
		},
		MaxPlayers: 2,
		State:      state,
	}
}

// TestBridge_CreateRoom 測試創建房間的門面
func TestBridge_CreateRoom(t *testing.T) {
	bridge, net := newTestBridge(t)

	require.NoError(t, bridge.CreateRoom("snake"))
	msg, ok := net.lastSent()
	require.True(t, ok)
	assert.Equal(t, protocol.KindCreateRoom, msg.kind)
	payload := msg.payload.(protocol.CreateRoomPayload)
	assert.Equal(t, "snake", payload.GameType)
	assert.Equal(t, "小明", payload.Player.Nickname)

	// 進入房間後再創建應被拒絕
	pushRoom(t, bridge, net, twoPlayerRoom(protocol.StateWaiting))
	err := bridge.CreateRoom("snake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "已在房間中")
}

// TestBridge_JoinRoom 測試加入房間的門面
func TestBridge_JoinRoom(t *testing.T) {
	bridge, net := newTestBridge(t)

	require.NoError(t, bridge.JoinRoom("ABC123"))
	msg, _ := net.lastSent()
	assert.Equal(t, protocol.KindJoinRoom, msg.kind)

	pushRoom(t, bridge, net, twoPlayerRoom(protocol.StateWaiting))
	assert.Error(t, bridge.JoinRoom("XYZ789"))
}

// TestBridge_LocalPlayer 測試本地玩家身份推斷
func TestBridge_LocalPlayer(t *testing.T) {
	bridge, net := newTestBridge(t)

	// 首次更新按暱稱匹配
	pushRoom(t, bridge, net, twoPlayerRoom(protocol.StateWaiting))
	local := bridge.LocalPlayer()
	require.NotNil(t, local)
	assert.Equal(t, "p1", local.ID)

	// 同暱稱的新玩家加入後身份不漂移
	view := twoPlayerRoom(protocol.StateWaiting)
	view.Players = append(view.Players, protocol.PlayerView{ID: "p3", Nickname: "小明"})
	view.Players[0].Score = 5
	pushRoom(t, bridge, net, view)

	local = bridge.LocalPlayer()
	require.NotNil(t, local)
	assert.Equal(t, "p1", local.ID)
	assert.Equal(t, 5, local.Score)
}

// TestBridge_Ready 測試準備操作
func TestBridge_Ready(t *testing.T) {
	bridge, net := newTestBridge(t)

	require.Error(t, bridge.Ready(), "不在房間中不能準備")

	pushRoom(t, bridge, net, twoPlayerRoom(protocol.StateWaiting))
	require.NoError(t, bridge.Ready())
	msg, _ := net.lastSent()
	assert.Equal(t, protocol.KindReady, msg.kind)
	assert.Equal(t, "ABC123", msg.payload.(protocol.ReadyPayload).RoomID)
}

// TestBridge_GameFlow 測試開局到終局的快照維護
func TestBridge_GameFlow(t *testing.T) {
	bridge, net := newTestBridge(t)
	pushRoom(t, bridge, net, twoPlayerRoom(protocol.StateReady))

	require.Error(t, bridge.ReportGameOver(10), "開局前不能上報終局")

	net.events <- client.Event{Kind: client.EventGameStart, StartTime: time.Now().UnixMilli()}
	waitEvent(t, bridge.Events(), client.EventGameStart)

	room := bridge.Room()
	require.NotNil(t, room)
	assert.Equal(t, protocol.StatePlaying, room.State)

	require.NoError(t, bridge.UpdateScore(42))
	msg, _ := net.lastSent()
	require.Equal(t, protocol.KindGameAction, msg.kind)
	var action protocol.ScoreUpdateAction
	require.NoError(t, protocol.UnmarshalAction(msg.payload.(protocol.GameActionPayload).Action, &action))
	assert.Equal(t, 42, action.Score)

	require.NoError(t, bridge.ReportGameOver(100))
	msg, _ = net.lastSent()
	assert.Equal(t, protocol.KindGameOver, msg.kind)

	net.events <- client.Event{Kind: client.EventGameOver, Result: &protocol.GameResult{GameType: "snake"}}
	waitEvent(t, bridge.Events(), client.EventGameOver)
	assert.Equal(t, protocol.StateFinished, bridge.Room().State)
	assert.Error(t, bridge.ReportGameOver(1), "對局已結束")
}

// TestBridge_LeaveRoom 測試離房清空快照
func TestBridge_LeaveRoom(t *testing.T) {
	bridge, net := newTestBridge(t)

	require.NoError(t, bridge.LeaveRoom(), "不在房間時離房是空操作")
	_, sent := net.lastSent()
	assert.False(t, sent)

	pushRoom(t, bridge, net, twoPlayerRoom(protocol.StateWaiting))
	require.NoError(t, bridge.LeaveRoom())
	assert.Nil(t, bridge.Room())
	msg, _ := net.lastSent()
	assert.Equal(t, protocol.KindLeaveRoom, msg.kind)
}

// TestBridge_ReconnectFailed 測試重連失敗後的快照回收
func TestBridge_ReconnectFailed(t *testing.T) {
	bridge, net := newTestBridge(t)
	pushRoom(t, bridge, net, twoPlayerRoom(protocol.StateWaiting))
	require.NotNil(t, bridge.Room())

	net.events <- client.Event{Kind: client.EventReconnectFailed}
	waitEvent(t, bridge.Events(), client.EventReconnectFailed)

	assert.Nil(t, bridge.Room())
	assert.Nil(t, bridge.LocalPlayer())
}
