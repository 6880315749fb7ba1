package internal

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   協調者需要「一邊寫、一邊讀」同一條 WebSocket，且寫入失敗必須同步回報。
//
// 核心挑戰：
//   1. gorilla/websocket 同時只允許一個 reader、一個 writer
//   2. pong 是控制 frame，ReadMessage 不會把它交給呼叫者
//   3. 連線要能在不同 goroutine 之間轉移擁有權
//
// 設計方案：
//   - readPump：唯一的 reader，把文字 frame 與 pong 統一轉成 Frame 放進通道
//   - wsOutbound：唯一的 writer，直接寫入並回傳錯誤（不經過發送佇列）
//   - 控制 frame 一律走 WriteControl（可與 WriteMessage 併發）

// newUpgrader 建立 WebSocket upgrader
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// 在生產環境應該檢查來源
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// wsOutbound gorilla 連線的寫入端
type wsOutbound struct {
	conn      *websocket.Conn
	writeWait time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func (o *wsOutbound) WriteText(data []byte) error {
	if err := o.conn.SetWriteDeadline(time.Now().Add(o.writeWait)); err != nil {
		return err
	}
	return o.conn.WriteMessage(websocket.TextMessage, data)
}

func (o *wsOutbound) WritePing(data []byte) error {
	return o.conn.WriteControl(websocket.PingMessage, data, time.Now().Add(o.writeWait))
}

// Close 送出關閉 frame 後關閉連線（可重複呼叫）
func (o *wsOutbound) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		// 嘗試發送關閉消息，忽略錯誤（連接可能已關閉）
		_ = o.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = o.conn.Close()
	})
	return err
}

// Accept 包裝已升級的 WebSocket 連線並啟動 readPump
func Accept(ws *websocket.Conn, id Identity, cfg ConnectionConfig, logger *slog.Logger) *Conn {
	out := &wsOutbound{
		conn:      ws,
		writeWait: cfg.WriteTimeout,
		done:      make(chan struct{}),
	}
	frames := make(chan Frame, cfg.InboundBuffer)
	conn := NewConn(id, out, frames)

	go readPump(ws, frames, out.done, logger.With(
		"session_id", conn.SessionID,
		"user_id", id.UserID,
	))

	return conn
}

// readPump 讀取客戶端 frame
//
// 讀取錯誤或收到關閉 frame 時關閉 frames 通道；
// 寫入端 Close 之後（done 關閉）不再投遞任何 frame。
func readPump(ws *websocket.Conn, frames chan<- Frame, done <-chan struct{}, logger *slog.Logger) {
	defer func() {
		close(frames)
		ws.Close()
	}()

	deliver := func(f Frame) bool {
		select {
		case frames <- f:
			return true
		case <-done:
			return false
		}
	}

	// Pong 處理器在讀取 goroutine 內執行
	ws.SetPongHandler(func(appData string) error {
		deliver(Frame{Type: FramePong, Data: []byte(appData)})
		return nil
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				deliver(Frame{Type: FrameClose})
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		ft := FrameText
		if messageType == websocket.BinaryMessage {
			ft = FrameBinary
		}
		if !deliver(Frame{Type: ft, Data: message}) {
			return
		}
	}
}
