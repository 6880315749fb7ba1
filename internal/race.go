package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// leaveReporter 接收比賽 session 的離開通知（由 Matchmaker 實作）
type leaveReporter interface {
	Leave(userID, lobbyID uint32)
}

type raceEventKind int

const (
	raceUpdate raceEventKind = iota
	raceFinish
	raceTimeout
	raceDisconnect
)

// raceEvent listener 匯入合併通道的事件
type raceEvent struct {
	kind     raceEventKind
	userID   uint32
	progress uint32
	result   float64
}

// raceMember 比賽名單中的一位玩家
type raceMember struct {
	sender   *Sender
	active   bool // 仍在廣播名單中
	reported bool // 已回報 Leave
}

// raceSession 快速配對的比賽 session
//
// 每位玩家一個 listener，把讀到的訊息匯入 events；
// 所有 listener 結束後 events 關閉，merge loop 隨之結束。
type raceSession struct {
	lobbyID    uint32
	members    []*raceMember
	inputs     []<-chan Frame
	events     chan raceEvent
	listeners  sync.WaitGroup
	leaves     leaveReporter
	inactivity time.Duration
	logger     *slog.Logger
}

func newRaceSession(lobbyID uint32, players []*Conn, leaves leaveReporter, inactivity time.Duration, logger *slog.Logger) *raceSession {
	s := &raceSession{
		lobbyID:    lobbyID,
		events:     make(chan raceEvent, 32),
		leaves:     leaves,
		inactivity: inactivity,
		logger:     logger.With("lobby_id", lobbyID),
	}
	for _, p := range players {
		sender, in := p.Split()
		s.members = append(s.members, &raceMember{sender: sender, active: true})
		s.inputs = append(s.inputs, in)
	}
	return s
}

// run 廣播開始訊號、啟動 listener 並執行 merge loop
func (s *raceSession) run(ctx context.Context) {
	s.broadcast(StartMessage(NewSeed()), nil)

	for i, m := range s.members {
		s.listeners.Add(1)
		go s.listen(m.sender.Identity, s.inputs[i])
	}
	s.inputs = nil

	go func() {
		s.listeners.Wait()
		close(s.events)
	}()

	cancelled := ctx.Done()
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.finish()
				return
			}
			s.dispatch(ev)
		case <-cancelled:
			// 關閉所有連線，listener 會陸續結束
			for _, m := range s.members {
				_ = m.sender.Close()
			}
			cancelled = nil
		}
	}
}

// listen 讀取單一玩家的訊息
func (s *raceSession) listen(id Identity, in <-chan Frame) {
	defer s.listeners.Done()

	timer := time.NewTimer(s.inactivity)
	defer timer.Stop()

	for {
		select {
		case f, ok := <-in:
			if !ok || f.Type == FrameClose {
				s.events <- raceEvent{kind: raceDisconnect, userID: id.UserID}
				return
			}
			timer.Reset(s.inactivity)

			if f.Type != FrameText {
				continue
			}
			report, err := DecodeRaceReport(f.Data)
			if err != nil {
				s.logger.Debug("忽略無法解析的訊息", "user_id", id.UserID, "error", err)
				continue
			}
			ev := raceEvent{kind: raceUpdate, userID: id.UserID, progress: report.Progress}
			if report.Kind == KindFinish {
				ev = raceEvent{kind: raceFinish, userID: id.UserID, result: report.Result}
			}
			s.events <- ev
		case <-timer.C:
			s.events <- raceEvent{kind: raceTimeout, userID: id.UserID}
			return
		}
	}
}

func (s *raceSession) dispatch(ev raceEvent) {
	m := s.member(ev.userID)
	if m == nil || !m.active {
		return
	}
	username := m.sender.Username

	switch ev.kind {
	case raceUpdate:
		s.broadcast(RaceUpdateMessage(username, ev.progress), m)
	case raceFinish:
		s.broadcast(RaceFinishMessage(username, ev.result), m)
	case raceTimeout:
		_ = m.sender.Send(TimeoutMessage(username))
		s.remove(m)
		s.broadcast(DisconnectMessage(username, ReasonTimeout), nil)
	case raceDisconnect:
		s.remove(m)
		s.broadcast(DisconnectMessage(username, ReasonUnknown), nil)
	}
}

// broadcast 送給 except 以外的所有在線玩家
//
// 寫入失敗的玩家移出名單，並向剩下的玩家廣播其斷線；
// 這輪廣播又可能造成新的失敗，重複直到某一輪沒有失敗為止。
func (s *raceSession) broadcast(msg Message, except *raceMember) {
	failed := s.sendRound([]Message{msg}, except)
	for len(failed) > 0 {
		notices := make([]Message, 0, len(failed))
		for _, m := range failed {
			s.remove(m)
			notices = append(notices, DisconnectMessage(m.sender.Username, ReasonUnknown))
		}
		failed = s.sendRound(notices, nil)
	}
}

// sendRound 對每位在線玩家依序送出 msgs，回傳這一輪寫入失敗的玩家
func (s *raceSession) sendRound(msgs []Message, except *raceMember) []*raceMember {
	var failed []*raceMember
	for _, m := range s.members {
		if !m.active || m == except {
			continue
		}
		for _, msg := range msgs {
			if err := m.sender.Send(msg); err != nil {
				s.logger.Debug("寫入失敗，視為斷線", "user_id", m.sender.UserID, "error", err)
				failed = append(failed, m)
				break
			}
		}
	}
	return failed
}

// remove 移出廣播名單並回報 Leave
func (s *raceSession) remove(m *raceMember) {
	if !m.active {
		return
	}
	m.active = false
	_ = m.sender.Close()
	s.reportLeave(m)
}

func (s *raceSession) reportLeave(m *raceMember) {
	if m.reported {
		return
	}
	m.reported = true
	s.leaves.Leave(m.sender.UserID, s.lobbyID)
}

// finish 所有 listener 結束後補上尚未回報的 Leave
func (s *raceSession) finish() {
	for _, m := range s.members {
		if m.active {
			m.active = false
			_ = m.sender.Close()
		}
		s.reportLeave(m)
	}
	s.logger.Info("比賽結束")
}

func (s *raceSession) member(userID uint32) *raceMember {
	for _, m := range s.members {
		if m.sender.UserID == userID {
			return m
		}
	}
	return nil
}
