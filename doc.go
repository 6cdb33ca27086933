// Package relayserver 是一個遊戲中繼伺服器。
//
// 遊戲客戶端之間不直接連線，而是連到中繼伺服器、加入同一個房間，
// 由伺服器把訊框轉發給房間內的其他成員。
//
// # 房間與成員
//
// 房間生命週期：
//   - 建立者送出 create=true 的加入請求，伺服器分配房間 id（高 16 位元為伺服器 id）
//   - 其他客戶端以房間 id、應用程式名稱、版本、密碼加入
//   - 房主離線時由 id 最小的成員接手，所有成員收到 MigrateHost 通知
//   - 所有成員離開後進入排空狀態，排空逾時才真正關閉並歸還 id
//
// # 傳輸
//
// 所有客戶端共用一個 UDP 端點（QUIC），另外可選擇開啟 WebSocket：
//   - QUIC：每條連線一條雙向串流，uint16 長度前綴分隔訊框
//   - WebSocket：一個 binary message 就是一個訊框
//
// # 中繼訊框
//
// 上行：[target][message_type][payload]，target 為 Others / All / Host / Client(id)
// 以及會保留給之後加入成員的 OthersBuffered / AllBuffered。
//
// 下行：[sender_id][message_type][payload]。0xF0 以上的類型保留給伺服器通知。
//
// # 目錄服務
//
// 伺服器與房間紀錄以 msgpack 編碼後發布到目錄後端，讓外部的配對服務知道
// 哪些房間可以加入：
//   - memory：單機部署與測試
//   - redis：pub/sub + INCR 產生伺服器 id
//   - nats：subject 發布 + JetStream KV revision 產生伺服器 id
//
// 發布是非阻塞、盡力而為的；目錄斷線不影響中繼。
//
// # 使用範例
//
// 啟動伺服器：
//
//	relay-server --config relay.yaml --quic-addr :4000 --api-addr :8080
//
// 以環境變數調整子系統日誌級別：
//
//	RELAY_LOG_LEVEL=engine=debug,directory=warn,info relay-server
//
// # 架構設計
//
//   - transport：QUIC / WebSocket / 記憶體連線，統一成 Conn 介面
//   - session：每條連線一個有界發送佇列與 writer goroutine
//   - room：成員、房主、緩衝訊框與活性檢查，只在所屬 worker 上執行
//   - engine：單一 loop 管理路由表，固定 worker pool 承載房間
//   - directory：目錄後端與非同步發布器
//   - api：管理 HTTP API（房間列表、統計、健康檢查、Prometheus 指標）
//
// # 監控與除錯
//
//   - 結構化日誌（log/slog），每個子系統可個別調整級別
//   - /metrics 提供 Prometheus 指標
//   - /stats 與 /api/v1/rooms 查詢即時房間狀態
package relayserver
