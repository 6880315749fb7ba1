package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/samber/lo"
)

// 系統設計問題：
//   朋友之間如何用房號約好一起比賽，由房主決定何時開始？
//
// 核心挑戰：
//   1. 玩家狀態轉換：notReady → ready → racing → finished
//   2. 房主權限：只有房主能開始，房主離開要轉移
//   3. 同時加入、離開、準備不能互相踩到
//   4. 空房間要自動回收，但有人回來就要取消
//
// 設計方案：
//   - 每個房間一個 actor，mailbox 依到達順序處理（不用鎖）
//   - 每位玩家一個 listener，把客戶端訊息轉成房間訊息
//   - 空房間啟動計時器並配發遞增的刪除票號；只有票號相符的 Delete 生效
//   - 刪除由房間自己決定，再回報給 RoomManager

// RoomID 房號
type RoomID = uint32

var (
	// ErrRoomNotFound 房間不存在或已刪除
	ErrRoomNotFound = errors.New("房間不存在")
	// ErrAlreadyInRoom 同一位使用者已在房間內
	ErrAlreadyInRoom = errors.New("玩家已在房間中")
)

// 房間 mailbox 訊息
type (
	roomJoin struct {
		player *Conn
		reply  chan error
	}
	roomCommand struct {
		playerID uint32
		cmd      RoomCommand
	}
	roomLeave struct {
		playerID uint32
	}
	roomDelete struct {
		ticket uint32
	}
)

// roomReporter 房間決定刪除時的回報對象（由 RoomManager 實作）
type roomReporter interface {
	roomDeleted(id RoomID)
}

// roomMember 房間內的一位玩家
type roomMember struct {
	sender *Sender
	state  PlayerState
	broken bool // 寫入失敗，等待 listener 送出 Leave
}

func (m *roomMember) id() uint32 { return m.sender.UserID }

func (m *roomMember) name() string { return m.sender.Username }

// Room 房間 actor
type Room struct {
	id        RoomID
	creatorID uint32
	cfg       RoomConfig
	logger    *slog.Logger
	reporter  roomReporter

	mailbox chan any
	stopCh  <-chan struct{}
	done    chan struct{}

	// 以下欄位只在 actor goroutine 內存取
	members       []*roomMember
	hostID        uint32
	hasHost       bool
	ticket        uint32 // 最近一次配發的刪除票號
	pendingTicket uint32
	hasPending    bool
}

// newRoom 建立房間（由 RoomManager 呼叫，尚未啟動）
func newRoom(id RoomID, creatorID uint32, cfg RoomConfig, reporter roomReporter, stopCh <-chan struct{}, logger *slog.Logger) *Room {
	return &Room{
		id:        id,
		creatorID: creatorID,
		cfg:       cfg,
		logger:    logger.With("room_id", id),
		reporter:  reporter,
		mailbox:   make(chan any, cfg.MailboxSize),
		stopCh:    stopCh,
		done:      make(chan struct{}),
	}
}

// run actor 主迴圈
//
// 不變量被破壞時 panic，在這裡 recover 並記錄，
// 關閉所有成員後如同刪除一樣回報 RoomManager；其他房間不受影響。
func (r *Room) run() {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("房間異常終止",
				"panic", p,
				"stack", string(debug.Stack()))
			r.closeMembers()
			r.terminate()
		}
	}()

	// 新房間也是空房間：創建者始終沒連上時同樣會被回收
	r.armDeletion()

	for {
		select {
		case msg := <-r.mailbox:
			if r.handle(msg) {
				r.terminate()
				return
			}
		case <-r.stopCh:
			r.closeMembers()
			return
		}
	}
}

func (r *Room) closeMembers() {
	for _, m := range r.members {
		_ = m.sender.Close()
	}
	r.members = nil
}

// join 把玩家交給房間
//
// 回傳 nil 表示房間已接手連線；其他錯誤時擁有權仍屬於呼叫者。
// 交出之後不再理會 ctx：房間一定會在結束前回覆已處理的加入。
func (r *Room) join(ctx context.Context, player *Conn) error {
	reply := make(chan error, 1)
	select {
	case r.mailbox <- roomJoin{player: player, reply: reply}:
	case <-r.done:
		return ErrRoomNotFound
	case <-ctx.Done():
		return ctx.Err()
	}

	joinErr, err := awaitReply(reply, r.done, ErrRoomNotFound)
	if err != nil {
		return err
	}
	return joinErr
}

// deliver 投遞訊息到房間；房間結束後放棄
func (r *Room) deliver(msg any) bool {
	select {
	case r.mailbox <- msg:
		return true
	case <-r.done:
		return false
	}
}

// handle 處理單一訊息，回傳 true 表示房間應該刪除
func (r *Room) handle(msg any) bool {
	switch msg := msg.(type) {
	case roomJoin:
		msg.reply <- r.handleJoin(msg.player)
	case roomCommand:
		r.handleCommand(msg.playerID, msg.cmd)
	case roomLeave:
		r.handleLeave(msg.playerID)
	case roomDelete:
		if r.hasPending && msg.ticket == r.pendingTicket {
			return true
		}
		r.logger.Debug("忽略過期的刪除計時器", "ticket", msg.ticket)
	default:
		panic(fmt.Sprintf("room: unexpected message %T", msg))
	}
	return false
}

// terminate 回報 RoomManager，並退回刪除期間才送達的加入；done 由 run 關閉
func (r *Room) terminate() {
	r.reporter.roomDeleted(r.id)

	for {
		select {
		case msg := <-r.mailbox:
			if j, ok := msg.(roomJoin); ok {
				j.reply <- ErrRoomNotFound
			}
		default:
			r.logger.Info("房間已刪除")
			return
		}
	}
}

func (r *Room) handleJoin(player *Conn) error {
	if r.index(player.UserID) >= 0 {
		return ErrAlreadyInRoom
	}

	// 第一位加入者，或房間創建者（無論何時加入）成為房主
	if len(r.members) == 0 || player.UserID == r.creatorID {
		r.hostID = player.UserID
		r.hasHost = true
	}
	hostName := player.Username
	if r.hostID != player.UserID {
		hostName = r.mustMember(r.hostID).name()
	}

	others := lo.Map(r.members, func(m *roomMember, _ int) OtherPlayer {
		return OtherPlayer{Username: m.name(), State: m.state}
	})

	sender, in := player.Split()
	newcomer := &roomMember{sender: sender, state: StateNotReady}

	r.send(newcomer, InitMessage(others, hostName))
	r.broadcast(JoinMessage(player.Username, r.hostID == player.UserID), nil)

	r.members = append(r.members, newcomer)
	r.hasPending = false

	go r.listen(player.UserID, in)

	r.logger.Info("玩家加入房間",
		"user_id", player.UserID,
		"session_id", player.SessionID,
		"players", len(r.members),
		"host", hostName)

	return nil
}

func (r *Room) handleCommand(playerID uint32, cmd RoomCommand) {
	idx := r.index(playerID)
	if idx < 0 {
		return
	}
	m := r.members[idx]

	switch cmd.Kind {
	case KindReady, KindNotReady:
		if r.racing() {
			r.send(m, ErrorMessage("Too late!", "The racing phase has begun, you cannot join or leave the race now"))
			return
		}
		if cmd.Kind == KindReady {
			m.state = StateReady
			r.broadcast(ReadyMessage(m.name()), m)
		} else {
			m.state = StateNotReady
			r.broadcast(NotReadyMessage(m.name()), m)
		}

	case KindStart:
		if !r.hasHost || r.hostID != playerID {
			r.send(m, ErrorMessage("You aren't the host!", "Only the host can start the race."))
			return
		}
		r.broadcast(PrepareMessage(r.cfg.Countdown, NewSeed()), nil)
		for _, p := range r.members {
			if p.state == StateReady {
				p.state = StateRacing
			}
		}
		r.logger.Info("房主開始比賽", "host_id", playerID)

	case KindUpdate:
		r.broadcast(RoomUpdateMessage(m.name(), cmd.Progress), m)

	case KindFinish:
		m.state = StateFinished
		r.broadcast(RoomFinishMessage(m.name(), cmd.Duration), m)
		r.logger.Debug("玩家完賽", "user_id", playerID, "duration", cmd.Duration.Std())
	}
}

func (r *Room) handleLeave(playerID uint32) {
	idx := r.index(playerID)
	if idx < 0 {
		return
	}
	leaving := r.members[idx]
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	_ = leaving.sender.Close()

	if r.hasHost && r.hostID == playerID {
		r.hasHost = false
	}

	r.logger.Info("玩家離開房間", "user_id", playerID, "players", len(r.members))

	if len(r.members) == 0 {
		r.armDeletion()
		return
	}

	newHost := ""
	if !r.hasHost {
		candidates := lo.Filter(r.members, func(m *roomMember, _ int) bool {
			return m.state != StateNotReady
		})
		if len(candidates) == 0 {
			candidates = r.members
		}
		host := lo.Sample(candidates)
		r.hostID = host.id()
		r.hasHost = true
		newHost = host.name()
	}

	r.broadcast(LeaveMessage(leaving.name(), newHost), nil)
}

// armDeletion 空房間計時器；新的票號讓舊計時器失效
func (r *Room) armDeletion() {
	r.ticket++
	ticket := r.ticket
	r.pendingTicket = ticket
	r.hasPending = true

	time.AfterFunc(r.cfg.InactivityDuration, func() {
		r.deliver(roomDelete{ticket: ticket})
	})
}

// listen 把客戶端訊息轉成房間訊息；讀取端結束時送出 Leave
func (r *Room) listen(playerID uint32, in <-chan Frame) {
	for f := range in {
		if f.Type == FrameClose {
			break
		}
		if f.Type != FrameText {
			continue
		}
		cmd, err := DecodeRoomCommand(f.Data)
		if err != nil {
			r.logger.Debug("忽略無法解析的訊息", "user_id", playerID, "error", err)
			continue
		}
		if !r.deliver(roomCommand{playerID: playerID, cmd: cmd}) {
			return
		}
	}
	r.deliver(roomLeave{playerID: playerID})
}

// broadcast 送給 except 以外的所有玩家
func (r *Room) broadcast(msg Message, except *roomMember) {
	for _, m := range r.members {
		if m == except {
			continue
		}
		r.send(m, msg)
	}
}

// send 寫入失敗不中斷操作：關閉連線，交由 listener 走一般的 Leave 流程
func (r *Room) send(m *roomMember, msg Message) {
	if m.broken {
		return
	}
	if err := m.sender.Send(msg); err != nil {
		m.broken = true
		_ = m.sender.Close()
		r.logger.Debug("寫入失敗，視為斷線", "user_id", m.id(), "error", err)
	}
}

// racing 是否有人已在比賽或完賽
func (r *Room) racing() bool {
	return lo.SomeBy(r.members, func(m *roomMember) bool {
		return m.state == StateRacing || m.state == StateFinished
	})
}

func (r *Room) index(playerID uint32) int {
	_, idx, _ := lo.FindIndexOf(r.members, func(m *roomMember) bool {
		return m.id() == playerID
	})
	return idx
}

// mustMember 房主必須在名單內，否則是不變量被破壞
func (r *Room) mustMember(playerID uint32) *roomMember {
	idx := r.index(playerID)
	if idx < 0 {
		panic(fmt.Sprintf("room %d: host %d is not in the roster", r.id, playerID))
	}
	return r.members[idx]
}
