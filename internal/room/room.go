// Package room 實作房間的成員管理、中繼路由與房主遷移
package room

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/bcrypt"

	"github.com/koopa0/system-design/14-relay-server/internal/idpool"
	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
	"github.com/koopa0/system-design/14-relay-server/internal/registry"
	"github.com/koopa0/system-design/14-relay-server/internal/session"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// 系統設計問題：
//   多個客戶端共用一個中繼點時，如何保證轉發順序、房主唯一，並在房主斷線時安全遷移？
//
// 核心挑戰：
//   1. 順序：同一房間的中繼訊框，每個接收者看到的順序必須等於呼叫順序
//   2. 權威：任何時刻最多一個房主，房主離開時要有可重現的接手規則
//   3. 資源：clientID 是稀缺資源，離開、逾時、關閉都必須歸還
//   4. 部分失敗：慢客戶端、閒置客戶端不能拖垮整個房間
//
// 設計方案：
//   ✅ 單一執行緒房間 - 房間固定在一個 worker 上，所有操作天然序列化，不需要鎖
//   ✅ 有限狀態機 - Forming → Active → Draining → Closed
//   ✅ 最小 id 接手 - registry.First() 決定新房主
//   ✅ 有界發送佇列 - 佇列滿的會話在本次操作結束後被移出房間

// State 房間狀態
//
// 有限狀態機設計：
//
//	Forming → Active ⇄ Draining → Closed
//
// 狀態轉換規則：
//   - Forming → Active：第一個成員（建立者）加入成功
//   - Active → Draining：最後一個成員離開
//   - Draining → Active：建立者帶著 token 重新加入
//   - Draining → Closed：排空時間內沒有人回來
//   - 任何狀態 → Closed：伺服器關閉
type State int

const (
	StateForming State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateForming:
		return "forming"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText 讓 JSON 輸出狀態名稱
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config 建立時決定、之後不再變動的房間設定
type Config struct {
	RoomID          uint32
	ApplicationName string
	Version         string
	PasswordHash    []byte // bcrypt，nil 表示不需要密碼
	MaxUser         int
	Information     map[string]string
	Token           []byte // 建立者重新加入時必須出示
}

// RequirePassword 是否需要密碼
func (c Config) RequirePassword() bool {
	return len(c.PasswordHash) > 0
}

// HashPassword 產生密碼雜湊，空密碼回傳 nil
func HashPassword(password string, cost int) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// VerifyPassword 比對密碼雜湊，不符時回傳 AuthFailed
//
// bcrypt 一次要數十到數百毫秒，引擎在連線的 reader 上呼叫，不佔用房間所在的 worker。
func VerifyPassword(hash []byte, password string) error {
	if len(hash) == 0 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return apperrors.ErrAuthFailed.WithDetails("password mismatch")
	}
	return nil
}

// Credentials 加入請求中的驗證資料
type Credentials struct {
	ApplicationName string
	Version         string
	Password        string
	Token           []byte

	// PasswordVerified 呼叫端已用 VerifyPassword 比對過密碼，Join 不再計算 bcrypt
	PasswordVerified bool
}

// IDAllocator 房間使用的 clientID 分配器
type IDAllocator interface {
	GetID() (uint16, bool)
	ReturnID(id uint16) bool
	Len() int
	Clear()
}

// Hooks 房間生命週期回呼，在房間所屬的 worker goroutine 上同步呼叫
type Hooks interface {
	OnRegisterClient(r *Room, clientID uint16, s *session.Session)
	OnUnregisterClient(r *Room, clientID uint16, s *session.Session)
	OnChangeHost(r *Room, hostID uint16)
	OnReadyChange(r *Room, ready bool)
	OnClose(r *Room)
}

// NopHooks 不做任何事的回呼
type NopHooks struct{}

func (NopHooks) OnRegisterClient(*Room, uint16, *session.Session)   {}
func (NopHooks) OnUnregisterClient(*Room, uint16, *session.Session) {}
func (NopHooks) OnChangeHost(*Room, uint16)                         {}
func (NopHooks) OnReadyChange(*Room, bool)                          {}
func (NopHooks) OnClose(*Room)                                      {}

// Options 房間運行參數
type Options struct {
	MinUsers          int           // ready 所需的最少成員數
	InactivityTimeout time.Duration // 0 表示停用閒置檢查
	DrainTimeout      time.Duration
	RPCBufferLimit    int
	Clock             clock.Clock
	Logger            *slog.Logger
	Hooks             Hooks
	IDs               IDAllocator
}

// JoinResult 加入成功的結果
type JoinResult struct {
	ClientID  uint16
	HostID    uint16
	IsCreator bool
}

type bufferedFrame struct {
	sender uint16
	frame  []byte
}

// Room 中繼房間
//
// 系統設計考量：
//
//  1. 並發模型：
//     - 房間固定在一個 worker 上，Join/Leave/Relay/Tick/Close 都在同一個 goroutine 執行
//     - 不需要任何鎖；registry、IdPool、host 都只被這個 goroutine 碰到
//
//  2. 轉發順序：
//     - Relay 把訊框依序放進每個接收者的 FIFO 發送佇列
//     - 同一房間的呼叫天然序列化 → 每個接收者看到的順序 = 呼叫順序
//
//  3. 慢客戶端：
//     - Send 失敗（佇列滿）的會話先記下來，本次操作結束後才移出房間
//     - 遍歷 registry 時不修改 registry
//
//  4. 補發緩衝（buffered targets）：
//     - 依到達順序保存，新成員加入時依序補發
//     - 發送者離開時移除它的訊框；超過上限時淘汰最舊的
type Room struct {
	cfg      Config
	registry *registry.Registry
	ids      IDAllocator

	host             uint16
	hasHost          bool
	creatorConnected bool
	ready            bool
	state            State

	createdAt     time.Time
	drainingSince time.Time

	buffer  []bufferedFrame
	evicted []uint16

	minUsers          int
	inactivityTimeout time.Duration
	drainTimeout      time.Duration
	bufferLimit       int
	clock             clock.Clock
	logger            *slog.Logger
	hooks             Hooks
}

// New 創建房間
func New(cfg Config, opts Options) *Room {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	if opts.IDs == nil {
		opts.IDs = idpool.New()
	}
	if opts.MinUsers < 1 {
		opts.MinUsers = 1
	}
	if cfg.MaxUser <= 0 || cfg.MaxUser > idpool.Universe {
		cfg.MaxUser = idpool.Universe
	}

	return &Room{
		cfg:               cfg,
		registry:          registry.New(),
		ids:               opts.IDs,
		state:             StateForming,
		createdAt:         opts.Clock.Now(),
		minUsers:          opts.MinUsers,
		inactivityTimeout: opts.InactivityTimeout,
		drainTimeout:      opts.DrainTimeout,
		bufferLimit:       opts.RPCBufferLimit,
		clock:             opts.Clock,
		logger:            opts.Logger.With("room_id", cfg.RoomID),
		hooks:             opts.Hooks,
	}
}

// ID 房間 id
func (r *Room) ID() uint32 { return r.cfg.RoomID }

// Config 房間設定
func (r *Room) Config() Config { return r.cfg }

// State 目前狀態
func (r *Room) State() State { return r.state }

// Host 目前房主
func (r *Room) Host() (uint16, bool) { return r.host, r.hasHost }

// Ready 是否已就緒
func (r *Room) Ready() bool { return r.ready }

// CreatorConnected 建立者是否在線
func (r *Room) CreatorConnected() bool { return r.creatorConnected }

// Count 成員數
func (r *Room) Count() int { return r.registry.Count() }

// Members 依升冪排序的成員 id
func (r *Room) Members() []uint16 { return r.registry.IDs() }

// Member 取得成員會話
func (r *Room) Member(id uint16) (*session.Session, bool) { return r.registry.Get(id) }

// AvailableIDs 房間識別碼池剩餘數
func (r *Room) AvailableIDs() int { return r.ids.Len() }

// BufferedFrames 補發緩衝中的訊框數
func (r *Room) BufferedFrames() int { return len(r.buffer) }

// Admit 執行加入前不需要密碼的檢查（Join 檢查順序的 1 到 4）
func (r *Room) Admit(s *session.Session, cred Credentials) error {
	if r.state == StateClosed {
		return apperrors.ErrRoomClosed
	}
	if id, ok := s.ClientID(); ok {
		return apperrors.ErrDuplicateClient.WithDetails(fmt.Sprintf("session already holds client %d", id))
	}
	if r.registry.Count() >= r.cfg.MaxUser {
		return apperrors.ErrRoomFull.WithDetails(fmt.Sprintf("max_user %d", r.cfg.MaxUser))
	}
	if cred.ApplicationName != r.cfg.ApplicationName || cred.Version != r.cfg.Version {
		return apperrors.ErrVersionMismatch.WithDetails(
			fmt.Sprintf("want %s/%s, got %s/%s", r.cfg.ApplicationName, r.cfg.Version, cred.ApplicationName, cred.Version))
	}
	return nil
}

// Join 加入房間
//
// 檢查順序：
//  1. 房間已關閉 → RoomClosed
//  2. 會話已持有 clientID（已在房間內） → DuplicateClient
//  3. 人數已滿 → RoomFull
//  4. 應用程式名稱或版本不符 → VersionMismatch
//  5. 密碼錯誤，或建立者未在線時 token 不符 → AuthFailed
//  6. 識別碼池耗盡 → ResourceExhausted
//
// 加入者會依序收到：加入回覆 → 補發緩衝。其他成員收到 NewConnect。
func (r *Room) Join(s *session.Session, cred Credentials) (JoinResult, error) {
	if err := r.Admit(s, cred); err != nil {
		return JoinResult{}, err
	}
	if r.cfg.RequirePassword() && !cred.PasswordVerified {
		if err := VerifyPassword(r.cfg.PasswordHash, cred.Password); err != nil {
			return JoinResult{}, err
		}
	}
	if !r.creatorConnected && len(r.cfg.Token) > 0 {
		if subtle.ConstantTimeCompare(r.cfg.Token, cred.Token) != 1 {
			return JoinResult{}, apperrors.ErrAuthFailed.WithDetails("creator token mismatch")
		}
	}

	id, ok := r.ids.GetID()
	if !ok {
		return JoinResult{}, apperrors.ErrResourceExhausted
	}
	if err := r.registry.Add(id, s); err != nil {
		// 分配器回傳了仍在房間內的 id
		r.logger.Error("識別碼分配衝突", "client_id", id, "error", err)
		return JoinResult{}, err
	}

	now := r.clock.Now()
	s.AssignClientID(id)
	s.Touch(now)

	result := JoinResult{ClientID: id}
	if !r.creatorConnected {
		r.creatorConnected = true
		result.IsCreator = true
	}
	if !r.hasHost {
		r.host, r.hasHost = id, true
	}
	result.HostID = r.host

	prev := r.state
	if r.state != StateActive {
		r.state = StateActive
	}

	resp := protocol.JoinResponse{
		OK:       true,
		RoomID:   r.cfg.RoomID,
		ClientID: id,
		HostID:   r.host,
		Members:  r.registry.IDs(),
	}
	if result.IsCreator {
		resp.Token = r.cfg.Token
	}
	frame, err := protocol.EncodeJoinResponse(resp)
	if err != nil {
		return JoinResult{}, r.rollbackJoin(id, s, prev, err)
	}
	r.deliver(id, s, frame)

	notice := protocol.SystemFrame(protocol.TypeNewConnect, id)
	r.registry.Range(func(other uint16, os *session.Session) {
		if other != id {
			r.deliver(other, os, notice)
		}
	})

	for _, b := range r.buffer {
		r.deliver(id, s, b.frame)
	}

	r.logger.Info("客戶端加入房間",
		"client_id", id,
		"host_id", r.host,
		"members", r.registry.Count(),
		"creator", result.IsCreator,
		"from_state", prev.String())

	r.hooks.OnRegisterClient(r, id, s)
	if r.host == id {
		r.hooks.OnChangeHost(r, id)
	}
	r.updateReady()
	r.flushEvictions()

	return result, nil
}

// rollbackJoin 編碼失敗時撤銷加入
func (r *Room) rollbackJoin(id uint16, s *session.Session, prev State, cause error) error {
	_, _ = r.registry.Remove(id)
	r.ids.ReturnID(id)
	s.ClearClientID()
	if r.host == id {
		r.hasHost = false
	}
	if r.registry.Count() == 0 {
		r.creatorConnected = false
		r.state = prev
	}
	return apperrors.ErrProtocol.WithDetails("encode join response").WithCause(cause)
}

// Leave 離開房間並關閉會話
func (r *Room) Leave(id uint16, reason string) error {
	if err := r.leave(id, reason); err != nil {
		return err
	}
	r.flushEvictions()
	return nil
}

func (r *Room) leave(id uint16, reason string) error {
	s, err := r.registry.Remove(id)
	if err != nil {
		return err
	}

	if !r.ids.ReturnID(id) {
		r.logger.Warn("歸還的識別碼已在池中", "client_id", id)
	}
	s.ClearClientID()
	s.Close(reason)
	r.dropBuffered(id)

	notice := protocol.SystemFrame(protocol.TypeExitConnect, id)
	r.registry.Range(func(other uint16, os *session.Session) {
		r.deliver(other, os, notice)
	})

	if r.hasHost && r.host == id {
		r.migrateHost()
	}

	if r.registry.Count() == 0 {
		r.hasHost = false
		r.creatorConnected = false
		r.state = StateDraining
		r.drainingSince = r.clock.Now()
		r.logger.Info("房間進入排空狀態", "drain_timeout", r.drainTimeout)
	}

	r.logger.Info("客戶端離開房間",
		"client_id", id,
		"reason", reason,
		"members", r.registry.Count())

	r.hooks.OnUnregisterClient(r, id, s)
	r.updateReady()
	return nil
}

// migrateHost 由 id 最小的成員接手房主
func (r *Room) migrateHost() {
	newHost, _, err := r.registry.First()
	if err != nil {
		r.hasHost = false
		return
	}

	old := r.host
	r.host = newHost
	notice := protocol.SystemFrame(protocol.TypeMigrateHost, newHost)
	r.registry.Range(func(id uint16, s *session.Session) {
		r.deliver(id, s, notice)
	})

	r.logger.Info("房主已遷移", "from", old, "to", newHost)
	r.hooks.OnChangeHost(r, newHost)
}

// Relay 轉發中繼訊框
func (r *Room) Relay(sender uint16, in protocol.Inbound) error {
	s, ok := r.registry.Get(sender)
	if !ok {
		return apperrors.ErrUnknownClient.WithDetails(fmt.Sprintf("sender %d", sender))
	}
	s.Touch(r.clock.Now())

	frame := protocol.EncodeOutbound(sender, in.Type, in.Payload)

	switch in.Target {
	case protocol.TargetOthers, protocol.TargetOthersBuffered, protocol.TargetAll, protocol.TargetAllBuffered:
		includeSender := in.Target.IncludesSender()
		r.registry.Range(func(id uint16, ms *session.Session) {
			if id != sender || includeSender {
				r.deliver(id, ms, frame)
			}
		})
		if in.Target.Buffered() {
			r.appendBuffered(sender, frame)
		}
	case protocol.TargetHost:
		if !r.hasHost {
			return apperrors.ErrUnknownClient.WithDetails("no host")
		}
		hs, _ := r.registry.Get(r.host)
		r.deliver(r.host, hs, frame)
	case protocol.TargetClient:
		ts, ok := r.registry.Get(in.ClientID)
		if !ok {
			return apperrors.ErrUnknownClient.WithDetails(fmt.Sprintf("target %d", in.ClientID))
		}
		r.deliver(in.ClientID, ts, frame)
	default:
		return apperrors.ErrProtocol.WithDetails(fmt.Sprintf("unknown target %d", in.Target))
	}

	r.flushEvictions()
	return nil
}

// Touch 更新成員活動時間（心跳訊框）
func (r *Room) Touch(id uint16) error {
	s, ok := r.registry.Get(id)
	if !ok {
		return apperrors.ErrUnknownClient.WithDetails(fmt.Sprintf("client %d", id))
	}
	s.Touch(r.clock.Now())
	return nil
}

// Tick 定期維護，回傳房間是否在這次被關閉
//
//   - Active：閒置超過 InactivityTimeout 的成員視為離開
//   - Draining / Forming：超過 DrainTimeout 沒有人加入則關閉
func (r *Room) Tick() bool {
	now := r.clock.Now()

	switch r.state {
	case StateActive:
		if r.inactivityTimeout <= 0 {
			return false
		}
		var idle []uint16
		r.registry.Range(func(id uint16, s *session.Session) {
			if s.IdleFor(now) > r.inactivityTimeout {
				idle = append(idle, id)
			}
		})
		for _, id := range idle {
			r.logger.Info("客戶端閒置逾時", "client_id", id)
			_ = r.leave(id, "inactivity timeout")
		}
		r.flushEvictions()
		return false
	case StateDraining:
		if now.Sub(r.drainingSince) >= r.drainTimeout {
			r.Close("drain timeout")
			return true
		}
	case StateForming:
		if now.Sub(r.createdAt) >= r.drainTimeout {
			r.Close("forming timeout")
			return true
		}
	}
	return false
}

// Close 關閉房間：清空成員、歸還所有識別碼、通知回呼
func (r *Room) Close(reason string) {
	if r.state == StateClosed {
		return
	}

	for _, s := range r.registry.Clear() {
		s.ClearClientID()
		s.Close(reason)
	}
	r.ids.Clear()
	r.buffer = nil
	r.evicted = nil
	r.hasHost = false
	r.creatorConnected = false
	r.state = StateClosed
	r.updateReady()

	r.logger.Info("房間已關閉", "reason", reason)
	r.hooks.OnClose(r)
}

// deliver 放入成員發送佇列，失敗的成員記下來稍後移出
func (r *Room) deliver(id uint16, s *session.Session, frame []byte) {
	if err := s.Send(frame); err != nil {
		if apperrors.IsSlowConsumer(err) {
			r.logger.Warn("發送佇列已滿，移出客戶端", "client_id", id)
		} else {
			r.logger.Debug("會話已關閉，移出客戶端", "client_id", id)
		}
		r.evicted = append(r.evicted, id)
	}
}

// flushEvictions 移出發送失敗的成員（移出時的通知可能造成更多移出）
func (r *Room) flushEvictions() {
	for len(r.evicted) > 0 {
		id := r.evicted[0]
		r.evicted = r.evicted[1:]
		if r.registry.Exists(id) {
			_ = r.leave(id, "slow consumer")
		}
	}
	r.evicted = nil
}

func (r *Room) appendBuffered(sender uint16, frame []byte) {
	if r.bufferLimit <= 0 {
		return
	}
	if len(r.buffer) >= r.bufferLimit {
		r.buffer = r.buffer[1:]
	}
	r.buffer = append(r.buffer, bufferedFrame{sender: sender, frame: frame})
}

func (r *Room) dropBuffered(sender uint16) {
	kept := r.buffer[:0]
	for _, b := range r.buffer {
		if b.sender != sender {
			kept = append(kept, b)
		}
	}
	// 清掉尾端殘留的參照
	for i := len(kept); i < len(r.buffer); i++ {
		r.buffer[i] = bufferedFrame{}
	}
	r.buffer = kept
}

func (r *Room) updateReady() {
	ready := r.hasHost && r.registry.Count() >= r.minUsers
	if ready == r.ready {
		return
	}
	r.ready = ready
	r.hooks.OnReadyChange(r, ready)
}

// Snapshot 房間狀態快照（管理 API 使用）
type Snapshot struct {
	RoomID           uint32            `json:"room_id"`
	ApplicationName  string            `json:"application_name"`
	Version          string            `json:"version"`
	State            State             `json:"state"`
	HostID           *uint16           `json:"host_id,omitempty"`
	Members          []uint16          `json:"members"`
	MaxUser          int               `json:"max_user"`
	RequirePassword  bool              `json:"require_password"`
	Ready            bool              `json:"ready"`
	CreatorConnected bool              `json:"creator_connected"`
	BufferedFrames   int               `json:"buffered_frames"`
	CreatedAt        time.Time         `json:"created_at"`
	Information      map[string]string `json:"information,omitempty"`
}

// Snapshot 產生快照
func (r *Room) Snapshot() Snapshot {
	snap := Snapshot{
		RoomID:           r.cfg.RoomID,
		ApplicationName:  r.cfg.ApplicationName,
		Version:          r.cfg.Version,
		State:            r.state,
		Members:          r.registry.IDs(),
		MaxUser:          r.cfg.MaxUser,
		RequirePassword:  r.cfg.RequirePassword(),
		Ready:            r.ready,
		CreatorConnected: r.creatorConnected,
		BufferedFrames:   len(r.buffer),
		CreatedAt:        r.createdAt,
		Information:      r.cfg.Information,
	}
	if r.hasHost {
		host := r.host
		snap.HostID = &host
	}
	return snap
}
