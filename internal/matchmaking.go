package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// 系統設計問題：
//   匿名玩家如何快速湊成一場比賽，又不會因為人數不足而無限等待？
//
// 核心挑戰：
//   1. 兩個玩家同一時間加入，不能重複進入同一大廳
//   2. 同一位使用者不能同時排在兩個大廳
//   3. 人少時也要在有限時間內開賽
//   4. 計時器無法撤回，過期的計時器不能誤觸新大廳
//
// 設計方案：
//   - 單一 actor 持有大廳狀態，所有操作經由 mailbox 依序處理（不用鎖）
//   - userID → lobbyID 對照表擋下重複加入
//   - 湊滿兩人啟動一次性計時器並配發票號，觸發時比對 lobbyID 與票號（過期即忽略）
//   - 滿員或計時器觸發時，整個大廳交給新的比賽 session，lobbyID 前進

// ErrMatchmakerStopped 配對服務已停止
var ErrMatchmakerStopped = errors.New("配對服務已停止")

// JoinError 重複加入配對，被拒絕的玩家交還給呼叫者處理
type JoinError struct {
	Player *Conn
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("玩家 %d 已在配對佇列中", e.Player.UserID)
}

// MatchmakingStats 配對服務統計
type MatchmakingStats struct {
	LobbyID       uint32 `json:"lobby_id"`
	LobbyMembers  int    `json:"lobby_members"`
	QueuedPlayers int    `json:"queued_players"`
	RacesStarted  uint64 `json:"races_started"`
}

// RaceObserver 大廳交給比賽 session 時呼叫（在 actor 內執行，不可阻塞）
type RaceObserver func(lobbyID uint32, players []Identity)

// MatchmakerOption 配對服務選項
type MatchmakerOption func(*Matchmaker)

// WithRaceObserver 觀察每次開賽
func WithRaceObserver(fn RaceObserver) MatchmakerOption {
	return func(m *Matchmaker) {
		m.observer = fn
	}
}

// mailbox 訊息
type (
	mmJoin struct {
		player *Conn
		reply  chan error
	}
	mmLeave struct {
		userID  uint32
		lobbyID uint32
	}
	mmEvict struct {
		lobbyID uint32
		ticket  uint32
	}
	mmStats struct {
		reply chan MatchmakingStats
	}
)

// Matchmaker 快速配對協調者
type Matchmaker struct {
	cfg      MatchmakingConfig
	logger   *slog.Logger
	observer RaceObserver

	mailbox  chan any
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// 比賽 session 的生命週期
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup

	// 以下欄位只在 actor goroutine 內存取
	lobbyID      uint32
	lobby        []*Conn
	members      map[uint32]uint32 // userID -> lobbyID
	evictTicket  uint32            // 最近一次配發的逐出票號
	racesStarted uint64
}

// NewMatchmaker 創建並啟動配對服務
func NewMatchmaker(cfg MatchmakingConfig, logger *slog.Logger, opts ...MatchmakerOption) *Matchmaker {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Matchmaker{
		cfg:     cfg,
		logger:  logger.With("component", "matchmaking"),
		mailbox: make(chan any, cfg.MailboxSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[uint32]uint32),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.run()

	return m
}

// Join 將通過握手的玩家放入大廳
//
// 重複加入時回傳 *JoinError，玩家的擁有權仍屬於呼叫者。
// 請求交出之後不再理會 ctx。
func (m *Matchmaker) Join(ctx context.Context, player *Conn) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, mmJoin{player: player, reply: reply}); err != nil {
		return err
	}

	joinErr, err := awaitReply(reply, m.done, ErrMatchmakerStopped)
	if err != nil {
		return err
	}
	return joinErr
}

// Leave 比賽 session 回報玩家離開
func (m *Matchmaker) Leave(userID, lobbyID uint32) {
	_ = m.send(context.Background(), mmLeave{userID: userID, lobbyID: lobbyID})
}

// Stats 獲取統計資訊
func (m *Matchmaker) Stats(ctx context.Context) (MatchmakingStats, error) {
	reply := make(chan MatchmakingStats, 1)
	if err := m.send(ctx, mmStats{reply: reply}); err != nil {
		return MatchmakingStats{}, err
	}

	return awaitReply(reply, m.done, ErrMatchmakerStopped)
}

// Stop 停止配對服務，關閉大廳內與比賽中的所有連線
func (m *Matchmaker) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done

	m.cancel()
	m.sessions.Wait()

	m.logger.Info("配對服務已停止")
}

func (m *Matchmaker) send(ctx context.Context, msg any) error {
	select {
	case m.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrMatchmakerStopped
	}
}

// run actor 主迴圈
//
// 不變量被破壞時 panic，在這裡 recover 並記錄後結束 actor；
// 已開賽的 session 不受影響，直到 Stop。
func (m *Matchmaker) run() {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("配對服務異常終止",
				"panic", r,
				"stack", string(debug.Stack()))
			m.closeLobby()
		}
	}()

	for {
		select {
		case msg := <-m.mailbox:
			m.handle(msg)
		case <-m.stopCh:
			m.closeLobby()
			return
		}
	}
}

func (m *Matchmaker) closeLobby() {
	for _, p := range m.lobby {
		_ = p.Close()
	}
	m.lobby = nil
}

func (m *Matchmaker) handle(msg any) {
	switch msg := msg.(type) {
	case mmJoin:
		m.handleJoin(msg)
	case mmEvict:
		if msg.lobbyID == m.lobbyID && msg.ticket == m.evictTicket && len(m.lobby) >= 2 {
			m.logger.Debug("大廳等待逾時，提前開賽", "lobby_id", m.lobbyID, "players", len(m.lobby))
			m.startRace()
		}
	case mmLeave:
		if id, ok := m.members[msg.userID]; ok && id == msg.lobbyID {
			delete(m.members, msg.userID)
		}
	case mmStats:
		msg.reply <- MatchmakingStats{
			LobbyID:       m.lobbyID,
			LobbyMembers:  len(m.lobby),
			QueuedPlayers: len(m.members),
			RacesStarted:  m.racesStarted,
		}
	default:
		panic(fmt.Sprintf("matchmaking: unexpected message %T", msg))
	}
}

func (m *Matchmaker) handleJoin(msg mmJoin) {
	player := msg.player

	if _, exists := m.members[player.UserID]; exists {
		msg.reply <- &JoinError{Player: player}
		return
	}

	msg.reply <- nil
	m.members[player.UserID] = m.lobbyID

	// 雙向通知：舊成員得知新玩家，新玩家得知每位舊成員
	var failed []*Conn
	newcomerOK := true
	for _, other := range m.lobby {
		if err := other.Send(JoinedMessage(player.Username)); err != nil {
			failed = append(failed, other)
		}
		if newcomerOK {
			if err := player.Send(JoinedMessage(other.Username)); err != nil {
				newcomerOK = false
			}
		}
	}
	m.drop(failed...)

	if !newcomerOK {
		m.drop(player)
		return
	}

	m.lobby = append(m.lobby, player)
	m.logger.Debug("玩家加入大廳",
		"lobby_id", m.lobbyID,
		"user_id", player.UserID,
		"session_id", player.SessionID,
		"players", len(m.lobby))

	// 掉回一人後再湊滿兩人會重新計時
	if len(m.lobby) == 2 {
		m.armEviction()
	}

	if len(m.lobby) >= m.cfg.MaxLobbySize {
		m.startRace()
	}
}

// drop 移除寫入失敗的大廳成員
func (m *Matchmaker) drop(players ...*Conn) {
	for _, p := range players {
		delete(m.members, p.UserID)
		for i, q := range m.lobby {
			if q == p {
				m.lobby = append(m.lobby[:i], m.lobby[i+1:]...)
				break
			}
		}
		_ = p.Close()
		m.logger.Debug("大廳成員已斷線", "user_id", p.UserID, "session_id", p.SessionID)
	}
}

// armEviction 一次性計時器；無法撤回，新的票號讓舊計時器失效
func (m *Matchmaker) armEviction() {
	m.evictTicket++
	msg := mmEvict{lobbyID: m.lobbyID, ticket: m.evictTicket}

	time.AfterFunc(m.cfg.EvictionDelay, func() {
		select {
		case m.mailbox <- msg:
		case <-m.done:
		}
	})
}

// startRace 把整個大廳交給新的比賽 session
func (m *Matchmaker) startRace() {
	players := m.lobby
	lobbyID := m.lobbyID

	m.lobby = nil
	m.lobbyID++ // uint32 自然回繞
	m.racesStarted++

	if m.observer != nil {
		ids := make([]Identity, len(players))
		for i, p := range players {
			ids[i] = p.Identity
		}
		m.observer(lobbyID, ids)
	}

	m.logger.Info("比賽開始", "lobby_id", lobbyID, "players", len(players))

	session := newRaceSession(lobbyID, players, m, m.cfg.InactivityTimeout, m.logger)
	m.sessions.Add(1)
	go func() {
		defer m.sessions.Done()
		session.run(m.ctx)
	}()
}
