package engine

import (
	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
	"github.com/koopa0/system-design/14-relay-server/internal/room"
	"github.com/koopa0/system-design/14-relay-server/internal/session"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// binding 一條已加入房間的連線
type binding struct {
	roomID   uint32
	clientID uint16
	worker   *worker
}

// event reader → loop
type event interface{ isEvent() }

type joinEvent struct {
	sess     *session.Session
	req      protocol.JoinRequest
	hash     []byte // 建立房間時的密碼雜湊，在 reader 先算好
	verified bool   // reader 已比對過房間密碼
	reply    chan joinOutcome
}

// joinOutcome loop → reader 的加入結果
//
// passwordHash 非 nil 表示房間需要密碼：reader 自己比對後帶 verified 重送。
type joinOutcome struct {
	err          error
	passwordHash []byte
}

type frameEvent struct {
	connID session.ConnID
	in     protocol.Inbound
}

type leaveEvent struct {
	connID session.ConnID
	reason string
}

func (joinEvent) isEvent()  {}
func (frameEvent) isEvent() {}
func (leaveEvent) isEvent() {}

// notice worker → loop，同一個 channel 保證依序處理
type notice interface{ isNotice() }

type joinedNotice struct {
	connID   session.ConnID
	roomID   uint32
	clientID uint16
	worker   *worker
	err      error
	hash     []byte
	reply    chan joinOutcome
}

type detachedNotice struct {
	connID session.ConnID
}

type roomClosedNotice struct {
	roomID uint32
}

type workerStoppedNotice struct{}

func (joinedNotice) isNotice()        {}
func (detachedNotice) isNotice()      {}
func (roomClosedNotice) isNotice()    {}
func (workerStoppedNotice) isNotice() {}

// loop 引擎主迴圈
//
// 系統設計考量：
//
//  1. 唯一寫入者：
//     - bindings、rooms、roomIDs 只在這裡修改，熱路徑上沒有鎖
//
//  2. 避免死結：
//     - loop 送工作給 worker 時，同時也在收 worker 的通知（submit）
//     - worker 送通知時就算 notify 滿了，loop 也一定會把它收走
//
//  3. 兩個獨立週期：
//     - 房間 tick：活性檢查、排空逾時、重新註冊建立者在線的房間
//     - 伺服器 tick：重新註冊伺服器紀錄
func (e *Engine) loop() {
	defer close(e.loopDone)

	roomTicker := e.clock.Ticker(e.cfg.RoomTickInterval)
	defer roomTicker.Stop()
	serverTicker := e.clock.Ticker(e.cfg.ServerUpdateInterval)
	defer serverTicker.Stop()
	close(e.ready)

	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ev)
		case n := <-e.notify:
			e.handleNotice(n)
		case <-roomTicker.C:
			for _, w := range e.workers {
				e.submit(w, tickTask{})
			}
		case <-serverTicker.C:
			e.publisher.RegisterServer(e.server)
		case <-e.quit:
			e.shutdown()
			return
		}
	}
}

// submit 送工作給 worker，等待期間持續處理通知
func (e *Engine) submit(w *worker, t task) {
	for {
		select {
		case w.inbox <- t:
			return
		case n := <-e.notify:
			e.handleNotice(n)
		}
	}
}

func (e *Engine) handleEvent(ev event) {
	switch ev := ev.(type) {
	case joinEvent:
		e.handleJoin(ev)
	case frameEvent:
		b, ok := e.bindings[ev.connID]
		if !ok {
			return
		}
		e.submit(b.worker, relayTask{roomID: b.roomID, clientID: b.clientID, connID: ev.connID, in: ev.in})
	case leaveEvent:
		b, ok := e.bindings[ev.connID]
		if !ok {
			return
		}
		delete(e.bindings, ev.connID)
		e.submit(b.worker, leaveTask{roomID: b.roomID, clientID: b.clientID, connID: ev.connID, reason: ev.reason})
	}
}

// handleJoin 決定房間 id 後交給所屬 worker
func (e *Engine) handleJoin(ev joinEvent) {
	if ev.req.Create {
		local, ok := e.roomIDs.GetID()
		if !ok {
			ev.reply <- joinOutcome{err: apperrors.ErrResourceExhausted.WithDetails("room id pool exhausted")}
			return
		}
		roomID := e.serverPrefix | uint32(local)
		w := e.workerFor(roomID)
		e.rooms[roomID] = w

		maxUser := ev.req.MaxUser
		if maxUser <= 0 || maxUser > e.cfg.MaxUsers {
			maxUser = e.cfg.MaxUsers
		}
		token := ev.req.Token
		if len(token) == 0 {
			token = newToken()
		}

		e.submit(w, joinTask{
			sess:   ev.sess,
			roomID: roomID,
			create: &room.Config{
				RoomID:          roomID,
				ApplicationName: ev.req.ApplicationName,
				Version:         ev.req.Version,
				PasswordHash:    ev.hash,
				MaxUser:         maxUser,
				Information:     ev.req.Information,
				Token:           token,
			},
			// 雜湊就是由這個密碼算出來的，不需要再比對
			cred: room.Credentials{
				ApplicationName:  ev.req.ApplicationName,
				Version:          ev.req.Version,
				Password:         ev.req.Password,
				Token:            token,
				PasswordVerified: true,
			},
			reply: ev.reply,
		})
		return
	}

	w, ok := e.rooms[ev.req.RoomID]
	if !ok {
		ev.reply <- joinOutcome{err: apperrors.ErrRoomNotFound.WithDetails(roomLabel(ev.req.RoomID))}
		return
	}
	e.submit(w, joinTask{
		sess:   ev.sess,
		roomID: ev.req.RoomID,
		cred: room.Credentials{
			ApplicationName:  ev.req.ApplicationName,
			Version:          ev.req.Version,
			Password:         ev.req.Password,
			Token:            ev.req.Token,
			PasswordVerified: ev.verified,
		},
		reply: ev.reply,
	})
}

func (e *Engine) handleNotice(n notice) {
	switch n := n.(type) {
	case joinedNotice:
		if n.err == nil && n.hash == nil {
			e.bindings[n.connID] = binding{roomID: n.roomID, clientID: n.clientID, worker: n.worker}
		}
		n.reply <- joinOutcome{err: n.err, passwordHash: n.hash}
	case detachedNotice:
		delete(e.bindings, n.connID)
	case roomClosedNotice:
		delete(e.rooms, n.roomID)
		for connID, b := range e.bindings {
			if b.roomID == n.roomID {
				delete(e.bindings, connID)
			}
		}
		if n.roomID&0xFFFF0000 == e.serverPrefix {
			if !e.roomIDs.ReturnID(uint16(n.roomID)) {
				e.logger.Warn("歸還的房間 id 已在池中", "room_id", n.roomID)
			}
		}
	case workerStoppedNotice:
		// 只在 shutdown 期間出現
	}
}

// shutdown 關閉所有房間，等每個 worker 確認後發出伺服器註銷
func (e *Engine) shutdown() {
	// 關閉前已排隊的事件：加入請求要有回覆，reader 才不會卡住
	for drained := false; !drained; {
		select {
		case ev := <-e.events:
			e.handleEvent(ev)
		default:
			drained = true
		}
	}

	for _, w := range e.workers {
		e.submit(w, closeAllTask{reason: "shutdown"})
	}
	for stopped := 0; stopped < len(e.workers); {
		n := <-e.notify
		if _, ok := n.(workerStoppedNotice); ok {
			stopped++
			continue
		}
		e.handleNotice(n)
	}
	e.publisher.UnregisterServer(e.server)
}
