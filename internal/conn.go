package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity 身分服務驗證過的使用者
type Identity struct {
	UserID   uint32 `json:"userId"`
	Username string `json:"username"`
}

// FrameType 讀取端收到的 frame 類型
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FramePong
	FrameClose
)

// Frame 讀取端收到的單一 frame
type Frame struct {
	Type FrameType
	Data []byte
}

// Outbound 連線的寫入端
//
// 同一時間只會有一個 goroutine 持有並呼叫 WriteText。
type Outbound interface {
	WriteText(data []byte) error
	WritePing(data []byte) error
	Close() error
}

// ErrHandshakeFailed 存活握手失敗
var ErrHandshakeFailed = errors.New("握手失敗")

// pingPayload 存活探測的 payload
var pingPayload = []byte{0, 1, 2, 3}

// Sender 已被接納的連線（只剩寫入端）
type Sender struct {
	Identity
	SessionID uuid.UUID
	out       Outbound
}

// Send 編碼並送出一則訊息
func (s *Sender) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	return s.out.WriteText(data)
}

// Close 關閉底層連線，讀取端會隨之結束
func (s *Sender) Close() error {
	return s.out.Close()
}

// Conn 連線控制代碼（仍持有讀取端）
//
// 握手成功後交給協調者；需要獨立讀寫時以 Split 拆成
// Sender 與讀取通道，分別由不同 goroutine 持有。
type Conn struct {
	*Sender
	in <-chan Frame
}

// NewConn 包裝一條已接受的連線
func NewConn(id Identity, out Outbound, in <-chan Frame) *Conn {
	return &Conn{
		Sender: &Sender{
			Identity:  id,
			SessionID: uuid.New(),
			out:       out,
		},
		in: in,
	}
}

// Handshake 送出 ping 並等待對應的 pong
//
// 第一個收到的 frame 必須是帶相同 payload 的 pong；
// 其他 frame、連線關閉、寫入錯誤或逾時都視為失敗。
func (c *Conn) Handshake(timeout time.Duration) error {
	if err := c.out.WritePing(pingPayload); err != nil {
		return fmt.Errorf("%w: send ping: %v", ErrHandshakeFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-c.in:
		if !ok {
			return fmt.Errorf("%w: connection closed", ErrHandshakeFailed)
		}
		if f.Type != FramePong || !bytes.Equal(f.Data, pingPayload) {
			return fmt.Errorf("%w: unexpected frame type %d", ErrHandshakeFailed, f.Type)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no pong within %s", ErrHandshakeFailed, timeout)
	}
}

// Split 拆成寫入端與讀取通道
func (c *Conn) Split() (*Sender, <-chan Frame) {
	return c.Sender, c.in
}

// reject 送出錯誤通知後關閉連線
func reject(s *Sender, title, body string) {
	_ = s.Send(ErrorMessage(title, body))
	_ = s.Close()
}
