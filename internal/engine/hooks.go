package engine

import (
	"github.com/koopa0/system-design/14-relay-server/internal/room"
	"github.com/koopa0/system-design/14-relay-server/internal/session"
)

// roomHooks 房間事件 → 目錄發布、指標、loop 路由表
//
// 回呼在房間所屬的 worker goroutine 上執行。
type roomHooks struct {
	engine *Engine
	worker *worker
}

var _ room.Hooks = (*roomHooks)(nil)

func (h *roomHooks) OnRegisterClient(r *room.Room, id uint16, s *session.Session) {
	h.engine.metrics.ClientJoined()
	// 建立者的第一次加入由 worker.join 註冊
	if r.CreatorConnected() && r.Count() > 1 {
		h.engine.publisher.RegisterRoom(h.engine.roomRecord(r))
	}
}

func (h *roomHooks) OnUnregisterClient(r *room.Room, id uint16, s *session.Session) {
	h.engine.metrics.ClientLeft()
	h.engine.notify <- detachedNotice{connID: s.ConnID()}
	if r.CreatorConnected() {
		h.engine.publisher.RegisterRoom(h.engine.roomRecord(r))
	}
}

func (h *roomHooks) OnChangeHost(r *room.Room, id uint16) {
	h.engine.metrics.HostChanged()
}

func (h *roomHooks) OnReadyChange(r *room.Room, ready bool) {
	h.worker.logger.Debug("房間就緒狀態改變", "room_id", r.ID(), "ready", ready)
}

func (h *roomHooks) OnClose(r *room.Room) {
	h.engine.metrics.RoomClosed()
	h.engine.publisher.UnregisterRoom(h.engine.roomRecord(r))
	delete(h.worker.rooms, r.ID())
	h.engine.notify <- roomClosedNotice{roomID: r.ID()}
}
