package internal_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-typing-race/internal"
	"github.com/stretchr/testify/require"
)

var (
	errFakeWrite  = errors.New("fake: write failed")
	errFakeClosed = errors.New("fake: connection closed")
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient 模擬一條 WebSocket 連線：伺服器寫入的訊息收進 sent，
// 測試以 push 模擬客戶端送出的 frame。Close 會關閉讀取通道，
// 與 readPump 的行為一致。
type fakeClient struct {
	mu       sync.Mutex
	in       chan internal.Frame
	sent     chan internal.Envelope
	closed   bool
	failing  bool
	failPing bool
	autoPong bool
	closedCh chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		in:       make(chan internal.Frame, 64),
		sent:     make(chan internal.Envelope, 256),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeClient) WriteText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errFakeClosed
	}
	if f.failing {
		return errFakeWrite
	}

	var env internal.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.sent <- env
	return nil
}

func (f *fakeClient) WritePing(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errFakeClosed
	}
	if f.failPing {
		return errFakeWrite
	}
	if f.autoPong {
		f.in <- internal.Frame{Type: internal.FramePong, Data: append([]byte(nil), data...)}
	}
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.in)
		close(f.closedCh)
	}
	return nil
}

// push 模擬客戶端送出一個 frame；連線已關閉時丟棄
func (f *fakeClient) push(frame internal.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.in <- frame
	}
}

func (f *fakeClient) pushJSON(t *testing.T, kind internal.Kind, payload any) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"kind": kind, "payload": payload})
	require.NoError(t, err)
	f.push(internal.Frame{Type: internal.FrameText, Data: data})
}

func (f *fakeClient) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// next 等待下一則伺服器訊息
func (f *fakeClient) next(t *testing.T) internal.Envelope {
	t.Helper()
	select {
	case env := <-f.sent:
		return env
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for a message")
		return internal.Envelope{}
	}
}

// expect 下一則訊息必須是 kind，並解出 payload
func expect[T any](t *testing.T, f *fakeClient, kind internal.Kind) T {
	t.Helper()
	env := f.next(t)
	require.Equal(t, kind, env.Kind, "payload: %s", env.Payload)

	var payload T
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	return payload
}

// expectNone 一段時間內沒有任何訊息
func (f *fakeClient) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env := <-f.sent:
		require.FailNow(t, "unexpected message", "kind=%s payload=%s", env.Kind, env.Payload)
	case <-time.After(d):
	}
}

func (f *fakeClient) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closedCh:
	case <-time.After(waitTimeout):
		require.FailNow(t, "connection was not closed")
	}
}

// newPlayer 建立已通過握手的玩家
func newPlayer(id uint32, name string) (*internal.Conn, *fakeClient) {
	fc := newFakeClient()
	conn := internal.NewConn(internal.Identity{UserID: id, Username: name}, fc, fc.in)
	return conn, fc
}

// leaveRecorder 記錄比賽 session 回報的 Leave
type leaveRecorder struct {
	mu     sync.Mutex
	leaves map[uint32]int
}

func newLeaveRecorder() *leaveRecorder {
	return &leaveRecorder{leaves: make(map[uint32]int)}
}

func (r *leaveRecorder) Leave(userID, lobbyID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves[userID]++
}

func (r *leaveRecorder) count(userID uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaves[userID]
}

func (r *leaveRecorder) snapshot() map[uint32]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]int, len(r.leaves))
	for k, v := range r.leaves {
		out[k] = v
	}
	return out
}
