package internal

import (
	"context"
	"log/slog"
	"time"
)

// LeaveReporter 讓外部測試可以觀察比賽 session 的 Leave
type LeaveReporter = leaveReporter

// RunRaceSession 直接執行一場比賽 session，直到所有 listener 結束
func RunRaceSession(ctx context.Context, lobbyID uint32, players []*Conn, leaves LeaveReporter, inactivity time.Duration, logger *slog.Logger) {
	newRaceSession(lobbyID, players, leaves, inactivity, logger).run(ctx)
}

// ReportDeleted 模擬房間回報刪除
func (m *RoomManager) ReportDeleted(id RoomID) {
	m.roomDeleted(id)
}

// AwaitReply 讓外部測試直接驗證回覆與結束同時就緒的情況
func AwaitReply[T any](reply chan T, done <-chan struct{}, stopped error) (T, error) {
	return awaitReply(reply, done, stopped)
}

// unknownMessage actor 不認得的訊息
type unknownMessage struct{}

// SendUnknown 送出配對服務不認得的訊息
func (m *Matchmaker) SendUnknown(ctx context.Context) error {
	return m.send(ctx, unknownMessage{})
}

// SendUnknownToRoom 送出房間不認得的訊息
func (m *RoomManager) SendUnknownToRoom(ctx context.Context, id RoomID) error {
	reply := make(chan *Room, 1)
	if err := m.send(ctx, rmLookup{roomID: id, reply: reply}); err != nil {
		return err
	}
	room, err := awaitReply(reply, m.done, ErrManagerStopped)
	if err != nil {
		return err
	}
	if room == nil || !room.deliver(unknownMessage{}) {
		return ErrRoomNotFound
	}
	return nil
}
