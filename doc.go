// Package minigamerooms 提供了一個雙人小遊戲的房間對戰子系統。
//
// 實現了一個權威式的即時房間服務器與配套的客戶端網路層，
// 包含以下核心功能：
//
// 房間生命週期
//
// 服務器是房間狀態的唯一權威：
//   - 6 位房間碼創建與加入
//   - waiting → ready → playing → finished 狀態機
//   - 全員準備後的開局倒數
//   - 終局排名與延遲拆除
//   - 過期房間自動清掃
//
// # WebSocket 通訊
//
// 客戶端與服務器通過單一持久連接交換 JSON 信封消息：
//   - 應用層心跳（ping/pong）與空閒連接回收
//   - 房間事件向全體成員廣播
//   - 遊戲動作在玩家間透明轉發
//   - 斷線視同離房
//
// 客戶端網路層
//
// pkg/client 封裝了小遊戲側的連接管理：
//   - 線性退避自動重連
//   - 心跳超時檢測
//   - 事件流（channel）取代回調
//   - Bridge 門面維護房間快照與本地玩家身份
//
// 使用範例
//
// 啟動服務器：
//
//	store := internal.NewStore(cfg.Room, logger)
//	hub := internal.NewHub(store, cfg, logger)
//	handler := internal.NewHandler(store, hub, logger)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", handler.Routes())
//	mux.HandleFunc("/ws", hub.ServeWS)
//	log.Fatal(http.ListenAndServe(":8080", mux))
//
// 客戶端接入：
//
//	c := client.New(client.Options{URL: "ws://localhost:8080/ws"})
//	bridge := client.NewBridge(c, protocol.PlayerInfo{Nickname: "小明"}, logger)
//	if err := bridge.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	bridge.CreateRoom("snake")
//	for ev := range bridge.Events() {
//	    // 處理房間更新、開局、動作轉發與終局
//	}
package minigamerooms
