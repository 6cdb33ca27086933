// Package session 管理單一客戶端連線的狀態與發送佇列
package session

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-relay-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// ConnID 傳輸層路由識別碼，在握手時由引擎分配
type ConnID uint64

// Session 客戶端會話
//
// 系統設計考量：
//
//  1. 擁有權：
//     - 加入成功後由房間的 registry 獨佔
//     - clientID、lastActivity 只由房間所在的 worker 讀寫，不加鎖
//
//  2. 發送佇列（有界 FIFO）：
//     - 房間把訊框放進 channel，由專屬 writer goroutine 寫入傳輸層
//     - 佇列滿時不丟訊框而是拆除會話（SlowConsumer）
//     - 丟訊框會讓這個客戶端看到的順序出現缺口，拆除後客戶端重連能拿到一致狀態
//
//  3. 關閉：
//     - Close 只關一次（sync.Once）
//     - writer 收到關閉信號後盡力送完佇列中的訊框，再關閉傳輸層連線
type Session struct {
	connID ConnID
	conn   transport.Conn
	logger *slog.Logger

	clientID     uint16
	hasID        bool
	lastActivity time.Time

	send      chan []byte
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	reason    string
	startOnce sync.Once
}

// New 創建會話，queueSize 為發送佇列容量
func New(connID ConnID, conn transport.Conn, queueSize int, now time.Time, logger *slog.Logger) *Session {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Session{
		connID:       connID,
		conn:         conn,
		logger:       logger,
		lastActivity: now,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
}

// Start 啟動 writer goroutine
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.writeLoop()
	})
}

// ConnID 連線識別碼
func (s *Session) ConnID() ConnID {
	return s.connID
}

// ClientID 房間內識別碼，尚未加入時第二個回傳值為 false
func (s *Session) ClientID() (uint16, bool) {
	return s.clientID, s.hasID
}

// AssignClientID 加入房間時設定
func (s *Session) AssignClientID(id uint16) {
	s.clientID = id
	s.hasID = true
}

// ClearClientID 離開房間時清除
func (s *Session) ClearClientID() {
	s.clientID = 0
	s.hasID = false
}

// Touch 更新最後活動時間
func (s *Session) Touch(now time.Time) {
	s.lastActivity = now
}

// LastActivity 最後活動時間
func (s *Session) LastActivity() time.Time {
	return s.lastActivity
}

// IdleFor 距離最後活動經過的時間
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.lastActivity)
}

// RemoteAddr 目前的網路位址（可能在連線期間改變）
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send 把訊框放入發送佇列
//
// 不阻塞：佇列滿時回傳 SlowConsumer，已關閉時回傳 RoomClosed。
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.done:
		return apperrors.ErrRoomClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	default:
		return apperrors.ErrSlowConsumer
	}
}

// Queued 發送佇列中等待寫出的訊框數
func (s *Session) Queued() int {
	return len(s.send)
}

// Close 關閉會話，可重複呼叫
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
	// writer 沒啟動時由這裡關閉連線
	s.startOnce.Do(func() {
		_ = s.conn.Close(reason)
		close(s.finished)
	})
}

// Done 關閉信號
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Finished writer 結束且傳輸層連線已關閉
func (s *Session) Finished() <-chan struct{} {
	return s.finished
}

// writeLoop 依序寫出佇列中的訊框
func (s *Session) writeLoop() {
	defer close(s.finished)

	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteFrame(frame); err != nil {
				s.logger.Debug("寫入訊框失敗", "conn_id", s.connID, "error", err)
				s.Close("write failed")
				_ = s.conn.Close("write failed")
				return
			}
		case <-s.done:
			s.drain()
			_ = s.conn.Close(s.reason)
			return
		}
	}
}

// drain 盡力送出剩餘訊框
func (s *Session) drain() {
	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
