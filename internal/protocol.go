package internal

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// 訊息協議
//
// 所有應用層訊息都是 JSON 文字 frame，格式為：
//
//	{"kind": "...", "payload": {...}}
//
// kind 為 camelCase 字串，payload 為對應的結構。
// 握手用的 ping/pong 控制 frame 不屬於此協議。

// Kind 訊息種類
type Kind string

const (
	// 快速配對（伺服器 → 客戶端）
	KindJoined     Kind = "joined"
	KindStart      Kind = "start"
	KindTimeout    Kind = "timeout"
	KindDisconnect Kind = "disconnect"

	// 房間（伺服器 → 客戶端）
	KindInit     Kind = "init"
	KindJoin     Kind = "join"
	KindLeave    Kind = "leave"
	KindReady    Kind = "ready"
	KindNotReady Kind = "notReady"
	KindPrepare  Kind = "prepare"
	KindError    Kind = "error"

	// 雙向共用
	KindUpdate Kind = "update"
	KindFinish Kind = "finish"
)

// Message 伺服器送出的訊息
type Message struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

// Envelope 客戶端送來的訊息（payload 延後解析）
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Seed 客戶端用來產生相同測驗內容的亂數種子
type Seed [4]uint32

// NewSeed 產生新的種子
func NewSeed() Seed {
	return Seed{rand.Uint32(), rand.Uint32(), rand.Uint32(), rand.Uint32()}
}

// Duration 與既有客戶端相容的時間格式 {"secs": 10, "nanos": 0}
type Duration struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

// DurationOf 轉換 time.Duration
func DurationOf(d time.Duration) Duration {
	if d < 0 {
		d = 0
	}
	return Duration{
		Secs:  uint64(d / time.Second),
		Nanos: uint32(d % time.Second),
	}
}

// Std 轉回 time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
}

// DisconnectReason 斷線原因
type DisconnectReason string

const (
	// ReasonUnknown 連線中斷或寫入失敗
	ReasonUnknown DisconnectReason = "unknown"
	// ReasonTimeout 閒置逾時
	ReasonTimeout DisconnectReason = "timeout"
)

// PlayerState 房間內玩家狀態
//
//	notReady → ready → racing → finished
type PlayerState string

const (
	StateNotReady PlayerState = "notReady"
	StateReady    PlayerState = "ready"
	StateRacing   PlayerState = "racing"
	StateFinished PlayerState = "finished"
)

// --- 快速配對 payload ---

// JoinedPayload 大廳有新玩家加入
type JoinedPayload struct {
	Username string `json:"username"`
}

// StartPayload 比賽開始，附上共用種子
type StartPayload struct {
	Seed Seed `json:"seed"`
}

// RaceUpdatePayload 比賽中其他玩家的進度
type RaceUpdatePayload struct {
	Username string `json:"username"`
	Progress uint32 `json:"progress"`
}

// RaceFinishPayload 比賽中其他玩家完賽
type RaceFinishPayload struct {
	Username string  `json:"username"`
	Result   float64 `json:"result"`
}

// TimeoutPayload 玩家因閒置逾時被移出
type TimeoutPayload struct {
	Username string `json:"username"`
}

// DisconnectPayload 玩家斷線
type DisconnectPayload struct {
	Username string           `json:"username"`
	Reason   DisconnectReason `json:"reason"`
}

// --- 房間 payload ---

// OtherPlayer 房間內其他玩家與其狀態
type OtherPlayer struct {
	Username string      `json:"username"`
	State    PlayerState `json:"state"`
}

// InitPayload 加入房間時的初始快照
type InitPayload struct {
	OtherPlayers []OtherPlayer `json:"otherPlayers"`
	Host         string        `json:"host"`
}

// JoinPayload 房間有新玩家加入
type JoinPayload struct {
	JoiningPlayer string `json:"joiningPlayer"`
	IsHost        bool   `json:"isHost"`
}

// LeavePayload 玩家離開房間；房主轉移時附上新房主
type LeavePayload struct {
	LeavingPlayer string `json:"leavingPlayer"`
	NewHost       string `json:"newHost,omitempty"`
}

// ReadyPayload 玩家已準備
type ReadyPayload struct {
	ReadyPlayer string `json:"readyPlayer"`
}

// NotReadyPayload 玩家取消準備
type NotReadyPayload struct {
	NotReadyPlayer string `json:"notReadyPlayer"`
}

// PreparePayload 房主開始比賽，倒數後開跑
type PreparePayload struct {
	TimeUntilRaceStart Duration `json:"timeUntilRaceStart"`
	Seed               Seed     `json:"seed"`
}

// RoomUpdatePayload 房間比賽中的進度
type RoomUpdatePayload struct {
	Player   string `json:"player"`
	Progress uint32 `json:"progress"`
}

// RoomFinishPayload 房間比賽中玩家完賽與花費時間
type RoomFinishPayload struct {
	Player   string   `json:"player"`
	Duration Duration `json:"duration"`
}

// ErrorPayload 錯誤通知
type ErrorPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// --- 建構函式 ---

// JoinedMessage 建立 joined 訊息
func JoinedMessage(username string) Message {
	return Message{Kind: KindJoined, Payload: JoinedPayload{Username: username}}
}

// StartMessage 建立 start 訊息
func StartMessage(seed Seed) Message {
	return Message{Kind: KindStart, Payload: StartPayload{Seed: seed}}
}

// RaceUpdateMessage 建立比賽進度訊息
func RaceUpdateMessage(username string, progress uint32) Message {
	return Message{Kind: KindUpdate, Payload: RaceUpdatePayload{Username: username, Progress: progress}}
}

// RaceFinishMessage 建立比賽完賽訊息
func RaceFinishMessage(username string, result float64) Message {
	return Message{Kind: KindFinish, Payload: RaceFinishPayload{Username: username, Result: result}}
}

// TimeoutMessage 建立閒置逾時訊息
func TimeoutMessage(username string) Message {
	return Message{Kind: KindTimeout, Payload: TimeoutPayload{Username: username}}
}

// DisconnectMessage 建立斷線訊息
func DisconnectMessage(username string, reason DisconnectReason) Message {
	return Message{Kind: KindDisconnect, Payload: DisconnectPayload{Username: username, Reason: reason}}
}

// InitMessage 建立房間初始快照；沒有其他玩家時送出空陣列
func InitMessage(others []OtherPlayer, host string) Message {
	if others == nil {
		others = []OtherPlayer{}
	}
	return Message{Kind: KindInit, Payload: InitPayload{OtherPlayers: others, Host: host}}
}

// JoinMessage 建立房間加入訊息
func JoinMessage(joining string, isHost bool) Message {
	return Message{Kind: KindJoin, Payload: JoinPayload{JoiningPlayer: joining, IsHost: isHost}}
}

// LeaveMessage 建立房間離開訊息；newHost 為空表示房主不變
func LeaveMessage(leaving, newHost string) Message {
	return Message{Kind: KindLeave, Payload: LeavePayload{LeavingPlayer: leaving, NewHost: newHost}}
}

// ReadyMessage 建立已準備訊息
func ReadyMessage(player string) Message {
	return Message{Kind: KindReady, Payload: ReadyPayload{ReadyPlayer: player}}
}

// NotReadyMessage 建立取消準備訊息
func NotReadyMessage(player string) Message {
	return Message{Kind: KindNotReady, Payload: NotReadyPayload{NotReadyPlayer: player}}
}

// PrepareMessage 建立開賽倒數訊息
func PrepareMessage(countdown time.Duration, seed Seed) Message {
	return Message{Kind: KindPrepare, Payload: PreparePayload{TimeUntilRaceStart: DurationOf(countdown), Seed: seed}}
}

// RoomUpdateMessage 建立房間進度訊息
func RoomUpdateMessage(player string, progress uint32) Message {
	return Message{Kind: KindUpdate, Payload: RoomUpdatePayload{Player: player, Progress: progress}}
}

// RoomFinishMessage 建立房間完賽訊息
func RoomFinishMessage(player string, d Duration) Message {
	return Message{Kind: KindFinish, Payload: RoomFinishPayload{Player: player, Duration: d}}
}

// ErrorMessage 建立錯誤通知
func ErrorMessage(title, body string) Message {
	return Message{Kind: KindError, Payload: ErrorPayload{Title: title, Body: body}}
}

// --- 客戶端訊息 ---

// RaceReport 比賽中客戶端回報的進度
//
// 客戶端送來的 username 一律忽略，以連線的身分為準。
type RaceReport struct {
	Kind     Kind
	Progress uint32
	Result   float64
}

type raceUpdateRequest struct {
	Progress uint32 `json:"progress"`
}

type raceFinishRequest struct {
	Result float64 `json:"result"`
}

// DecodeRaceReport 解析比賽中的客戶端訊息
func DecodeRaceReport(data []byte) (RaceReport, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RaceReport{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Kind {
	case KindUpdate:
		var req raceUpdateRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return RaceReport{}, err
		}
		return RaceReport{Kind: KindUpdate, Progress: req.Progress}, nil
	case KindFinish:
		var req raceFinishRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return RaceReport{}, err
		}
		return RaceReport{Kind: KindFinish, Result: req.Result}, nil
	default:
		return RaceReport{}, fmt.Errorf("unknown race message kind %q", env.Kind)
	}
}

// RoomCommand 房間內客戶端送出的指令
type RoomCommand struct {
	Kind     Kind
	Progress uint32
	Duration Duration
}

type roomUpdateRequest struct {
	Progress uint32 `json:"progress"`
}

type roomFinishRequest struct {
	Duration Duration `json:"duration"`
}

// DecodeRoomCommand 解析房間內的客戶端訊息
func DecodeRoomCommand(data []byte) (RoomCommand, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RoomCommand{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Kind {
	case KindReady, KindNotReady, KindStart:
		return RoomCommand{Kind: env.Kind}, nil
	case KindUpdate:
		var req roomUpdateRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return RoomCommand{}, err
		}
		return RoomCommand{Kind: KindUpdate, Progress: req.Progress}, nil
	case KindFinish:
		var req roomFinishRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return RoomCommand{}, err
		}
		return RoomCommand{Kind: KindFinish, Duration: req.Duration}, nil
	default:
		return RoomCommand{}, fmt.Errorf("unknown room message kind %q", env.Kind)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
