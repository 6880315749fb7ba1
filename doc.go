// Package typingrace 提供打字競速的即時協調服務。
//
// 玩家透過 WebSocket 連線，有兩種進入比賽的方式：
//
// 快速配對
//
// 匿名排隊，湊滿五人立即開賽；湊滿兩人後啟動計時器，
// 五秒內沒有湊滿就以現有人數開賽：
//   - 同一位使用者同時只能排在一個大廳
//   - 比賽中 20 秒沒有任何訊息視為逾時
//   - 寫入失敗的玩家移出名單並通知其他人（可能連鎖發生）
//
// # 房間
//
// 以房號邀請朋友，由房主決定何時開始：
//   - 第一位加入者或房間創建者成為房主，房主離開時隨機轉移
//   - 玩家狀態 notReady → ready → racing → finished
//   - 有人進入比賽後不能再切換準備狀態
//   - 房間清空 60 秒後自動刪除，期間有人加入即取消
//
// 併發設計
//
// 每個協調者（配對服務、房間管理器、每個房間）都是一個 actor：
//   - 單一 goroutine 持有狀態，經由 mailbox 依序處理訊息（不用鎖）
//   - 計時器無法撤回，觸發時以大廳編號或刪除票號判斷是否過期
//   - 連線握手後才交給協調者，擁有權隨著流程移轉
//
// 使用範例
//
// 啟動服務器：
//
//	JWT_SECRET=dev go run ./cmd/server -config config.yaml -log-level debug
//
// 客戶端連接（身分令牌可放在 Authorization、auth_token cookie 或 token 參數）：
//
//	POST /api/v1/rooms                → {"roomId": 1234}
//	GET  /ws/race?token=...           → 快速配對
//	GET  /ws/rooms/1234?token=...     → 加入房間
//
// 產生協議 schema：
//
//	go run ./cmd/protocolschema --out docs/protocol.schema.json
//
// 配置選項
//
// 預設值 → config.yaml → .env / 環境變數 → 命令列參數：
//   - -config：配置檔路徑
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
package typingrace
