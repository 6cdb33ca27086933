package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
	"github.com/koopa0/system-design/14-relay-server/internal/room"
	"github.com/koopa0/system-design/14-relay-server/internal/session"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// task loop（或管理 API）→ worker
type task interface{ isTask() }

type joinTask struct {
	sess   *session.Session
	roomID uint32
	create *room.Config // 非 nil 表示建立新房間
	cred   room.Credentials
	reply  chan joinOutcome
}

type relayTask struct {
	roomID   uint32
	clientID uint16
	connID   session.ConnID
	in       protocol.Inbound
}

type leaveTask struct {
	roomID   uint32
	clientID uint16
	connID   session.ConnID
	reason   string
}

type tickTask struct{}

type closeAllTask struct {
	reason string
}

type queryTask struct {
	roomID uint32
	single bool
	reply  chan []room.Snapshot
}

func (joinTask) isTask()     {}
func (relayTask) isTask()    {}
func (leaveTask) isTask()    {}
func (tickTask) isTask()     {}
func (closeAllTask) isTask() {}
func (queryTask) isTask()    {}

// worker 擁有一部分房間，所有房間操作都在它的 goroutine 上執行
type worker struct {
	id      int
	engine  *Engine
	inbox   chan task
	rooms   map[uint32]*room.Room
	hooks   *roomHooks
	logger  *slog.Logger
	stopped chan struct{}
}

func newWorker(id int, e *Engine) *worker {
	w := &worker{
		id:      id,
		engine:  e,
		inbox:   make(chan task, 256),
		rooms:   make(map[uint32]*room.Room),
		logger:  e.logger.With("worker", id),
		stopped: make(chan struct{}),
	}
	w.hooks = &roomHooks{engine: e, worker: w}
	return w
}

func (w *worker) run() {
	defer close(w.stopped)

	for t := range w.inbox {
		switch t := t.(type) {
		case joinTask:
			w.join(t)
		case relayTask:
			w.relay(t)
		case leaveTask:
			w.leave(t)
		case tickTask:
			w.tick()
		case queryTask:
			t.reply <- w.snapshots(t)
		case closeAllTask:
			w.closeAll(t.reason)
			w.engine.notify <- workerStoppedNotice{}
			return
		}
	}
}

// join 建立（如果需要）並加入房間，結果經由 loop 回給 reader
func (w *worker) join(t joinTask) {
	e := w.engine

	r, ok := w.rooms[t.roomID]
	if t.create != nil {
		r = room.New(*t.create, room.Options{
			MinUsers:          e.cfg.MinUsers,
			InactivityTimeout: e.cfg.InactivityTimeout,
			DrainTimeout:      e.cfg.DrainTimeout,
			RPCBufferLimit:    e.cfg.RPCBufferLimit,
			Clock:             e.clock,
			Logger:            e.roomLogger,
			Hooks:             w.hooks,
		})
		w.rooms[t.roomID] = r
		e.metrics.RoomOpened()
		w.logger.Info("建立房間",
			"room_id", t.roomID,
			"application", t.create.ApplicationName,
			"max_user", t.create.MaxUser)
	} else if !ok {
		w.joined(t, 0, apperrors.ErrRoomNotFound.WithDetails(roomLabel(t.roomID)))
		return
	}

	// 需要密碼時先做其餘檢查，把雜湊交回 reader 比對
	// bcrypt 在這裡算會卡住同一個 worker 上所有房間的中繼
	if r.Config().RequirePassword() && !t.cred.PasswordVerified {
		if err := r.Admit(t.sess, t.cred); err != nil {
			w.joined(t, 0, err)
			return
		}
		w.engine.notify <- joinedNotice{
			connID: t.sess.ConnID(),
			roomID: t.roomID,
			worker: w,
			hash:   r.Config().PasswordHash,
			reply:  t.reply,
		}
		return
	}

	result, err := r.Join(t.sess, t.cred)
	if err == nil {
		// 加入時補發的訊框塞滿佇列，會話已在 Join 內被移出
		if _, still := t.sess.ClientID(); !still {
			err = apperrors.ErrSlowConsumer.WithDetails("evicted while joining")
		}
	}

	if err != nil && t.create != nil && r.Count() == 0 {
		r.Close("creator rejected")
	}
	if err == nil && result.IsCreator {
		e.publisher.RegisterRoom(e.roomRecord(r))
	}
	w.joined(t, result.ClientID, err)
}

func (w *worker) joined(t joinTask, clientID uint16, err error) {
	w.engine.notify <- joinedNotice{
		connID:   t.sess.ConnID(),
		roomID:   t.roomID,
		clientID: clientID,
		worker:   w,
		err:      err,
		reply:    t.reply,
	}
}

// member 確認 (clientID, connID) 仍是同一個會話
func (w *worker) member(roomID uint32, clientID uint16, connID session.ConnID) (*room.Room, bool) {
	r, ok := w.rooms[roomID]
	if !ok {
		return nil, false
	}
	s, ok := r.Member(clientID)
	if !ok || s.ConnID() != connID {
		return nil, false
	}
	return r, true
}

func (w *worker) relay(t relayTask) {
	r, ok := w.member(t.roomID, t.clientID, t.connID)
	if !ok {
		return
	}
	if err := r.Relay(t.clientID, t.in); err != nil {
		w.logger.Debug("中繼失敗",
			"room_id", t.roomID,
			"client_id", t.clientID,
			"target", t.in.Target.String(),
			"error", err)
		return
	}
	w.engine.metrics.FrameRelayed(t.in.Target)
}

func (w *worker) leave(t leaveTask) {
	r, ok := w.member(t.roomID, t.clientID, t.connID)
	if !ok {
		return
	}
	if err := r.Leave(t.clientID, t.reason); err != nil {
		w.logger.Debug("離開房間失敗", "room_id", t.roomID, "client_id", t.clientID, "error", err)
	}
}

// tick 房間維護；建立者在線的房間重新註冊
func (w *worker) tick() {
	e := w.engine
	for _, r := range w.rooms {
		if r.Tick() {
			continue
		}
		if r.CreatorConnected() {
			e.publisher.RegisterRoom(e.roomRecord(r))
		}
	}
}

// closeAll 伺服器關閉時關閉所有房間
func (w *worker) closeAll(reason string) {
	for _, r := range w.rooms {
		w.closeRoom(r, reason)
	}
}

// closeRoom 關閉房間；Close 直接清空 registry，不會逐一觸發離開回呼
func (w *worker) closeRoom(r *room.Room, reason string) {
	if n := r.Count(); n > 0 {
		w.engine.metrics.ClientsReleased(n)
	}
	r.Close(reason)
}

func (w *worker) snapshots(t queryTask) []room.Snapshot {
	if t.single {
		r, ok := w.rooms[t.roomID]
		if !ok {
			return nil
		}
		return []room.Snapshot{r.Snapshot()}
	}
	out := make([]room.Snapshot, 0, len(w.rooms))
	for _, r := range w.rooms {
		out = append(out, r.Snapshot())
	}
	return out
}

// query 從外部 goroutine 讀取快照
func (w *worker) query(ctx context.Context, roomID uint32, single bool) ([]room.Snapshot, error) {
	reply := make(chan []room.Snapshot, 1)
	select {
	case w.inbox <- queryTask{roomID: roomID, single: single, reply: reply}:
	case <-w.stopped:
		return nil, apperrors.ErrRoomClosed.WithDetails("engine stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case snaps := <-reply:
		return snaps, nil
	case <-w.stopped:
		return nil, apperrors.ErrRoomClosed.WithDetails("engine stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sortSnapshots(snaps []room.Snapshot) {
	slices.SortFunc(snaps, func(a, b room.Snapshot) int {
		switch {
		case a.RoomID < b.RoomID:
			return -1
		case a.RoomID > b.RoomID:
			return 1
		}
		return 0
	})
}

func roomLabel(id uint32) string {
	return fmt.Sprintf("room %d", id)
}
