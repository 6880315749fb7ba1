package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
)

// ErrManagerStopped 房間管理器已停止
var ErrManagerStopped = errors.New("房間管理器已停止")

// RoomStats 房間管理器統計
type RoomStats struct {
	Rooms int `json:"rooms"`
}

// mailbox 訊息
type (
	rmCreate struct {
		creatorID uint32
		reply     chan RoomID
	}
	rmLookup struct {
		roomID RoomID
		reply  chan *Room
	}
	rmDelete struct {
		roomID RoomID
		ack    chan struct{}
	}
	rmStats struct {
		reply chan RoomStats
	}
)

// RoomManager 房間註冊表 actor
//
// 只負責房號與房間 actor 的對應；房間自己決定何時刪除，
// 刪除時回報 RoomManager 並等待確認。
type RoomManager struct {
	cfg    RoomConfig
	logger *slog.Logger

	mailbox  chan any
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	roomsWG  sync.WaitGroup

	// 只在 actor goroutine 內存取
	rooms map[RoomID]*Room
}

// NewRoomManager 創建並啟動房間管理器
func NewRoomManager(cfg RoomConfig, logger *slog.Logger) *RoomManager {
	m := &RoomManager{
		cfg:     cfg,
		logger:  logger.With("component", "rooms"),
		mailbox: make(chan any, cfg.MailboxSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		rooms:   make(map[RoomID]*Room),
	}

	go m.run()

	return m
}

// CreateRoom 以 creatorID 為創建者開一個新房間，回傳房號
func (m *RoomManager) CreateRoom(ctx context.Context, creatorID uint32) (RoomID, error) {
	reply := make(chan RoomID, 1)
	if err := m.send(ctx, rmCreate{creatorID: creatorID, reply: reply}); err != nil {
		return 0, err
	}

	return awaitReply(reply, m.done, ErrManagerStopped)
}

// JoinRoom 把通過握手的玩家交給房間
//
// 房號不存在時回傳 ErrRoomNotFound，玩家的擁有權仍屬於呼叫者。
func (m *RoomManager) JoinRoom(ctx context.Context, roomID RoomID, player *Conn) error {
	reply := make(chan *Room, 1)
	if err := m.send(ctx, rmLookup{roomID: roomID, reply: reply}); err != nil {
		return err
	}

	room, err := awaitReply(reply, m.done, ErrManagerStopped)
	if err != nil {
		return err
	}
	if room == nil {
		return fmt.Errorf("%w: %d", ErrRoomNotFound, roomID)
	}
	if err := room.join(ctx, player); err != nil {
		return fmt.Errorf("join room %d: %w", roomID, err)
	}
	return nil
}

// Stats 獲取統計資訊
func (m *RoomManager) Stats(ctx context.Context) (RoomStats, error) {
	reply := make(chan RoomStats, 1)
	if err := m.send(ctx, rmStats{reply: reply}); err != nil {
		return RoomStats{}, err
	}

	return awaitReply(reply, m.done, ErrManagerStopped)
}

// Stop 停止管理器，關閉所有房間內的連線
func (m *RoomManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
	m.roomsWG.Wait()

	m.logger.Info("房間管理器已停止")
}

// roomDeleted 房間決定刪除時呼叫；管理器確認後才返回
func (m *RoomManager) roomDeleted(id RoomID) {
	ack := make(chan struct{})
	if err := m.send(context.Background(), rmDelete{roomID: id, ack: ack}); err != nil {
		return
	}

	select {
	case <-ack:
	case <-m.done:
	}
}

func (m *RoomManager) send(ctx context.Context, msg any) error {
	select {
	case m.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerStopped
	}
}

// run actor 主迴圈
//
// 不變量被破壞時 panic，在這裡 recover 並記錄後結束 actor。
func (m *RoomManager) run() {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("房間管理器異常終止",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case msg := <-m.mailbox:
			m.handle(msg)
		case <-m.stopCh:
			return
		}
	}
}

func (m *RoomManager) handle(msg any) {
	switch msg := msg.(type) {
	case rmCreate:
		msg.reply <- m.createRoom(msg.creatorID)
	case rmLookup:
		msg.reply <- m.rooms[msg.roomID]
	case rmDelete:
		if _, ok := m.rooms[msg.roomID]; !ok {
			panic(fmt.Sprintf("rooms: delete of unknown room %d", msg.roomID))
		}
		delete(m.rooms, msg.roomID)
		close(msg.ack)
	case rmStats:
		msg.reply <- RoomStats{Rooms: len(m.rooms)}
	default:
		panic(fmt.Sprintf("rooms: unexpected message %T", msg))
	}
}

// createRoom 隨機房號，碰撞時重抽
func (m *RoomManager) createRoom(creatorID uint32) RoomID {
	id := rand.Uint32()
	for {
		if _, exists := m.rooms[id]; !exists {
			break
		}
		id = rand.Uint32()
	}

	room := newRoom(id, creatorID, m.cfg, m, m.stopCh, m.logger)
	m.rooms[id] = room

	m.roomsWG.Add(1)
	go func() {
		defer m.roomsWG.Done()
		room.run()
	}()

	m.logger.Info("房間已創建", "room_id", id, "creator_id", creatorID)

	return id
}
