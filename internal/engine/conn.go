package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
	"github.com/koopa0/system-design/14-relay-server/internal/room"
	"github.com/koopa0/system-design/14-relay-server/internal/session"
	"github.com/koopa0/system-design/14-relay-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// serveConn 一條連線的 reader：握手 → 加入 → 讀取中繼訊框
//
// 系統設計考量：
//
//  1. 錯誤隔離：
//     - 握手逾時、解碼失敗、協定錯誤都只拆除這條連線
//
//  2. 限速：
//     - 每條連線一個 token bucket，超過時 reader 暫停讀取
//     - 傳輸層的流量控制會把壓力推回客戶端，不需要丟訊框
//
//  3. 順序：
//     - 同一條連線的訊框只由這個 goroutine 依序送進 loop
func (e *Engine) serveConn(ctx context.Context, conn transport.Conn) {
	connID := session.ConnID(e.nextConnID.Add(1))
	logger := e.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	frame, err := conn.ReadFrame(hctx)
	cancel()
	if err != nil {
		logger.Debug("握手失敗", "error", err)
		_ = conn.Close("handshake failed")
		return
	}

	sess := session.New(connID, conn, e.cfg.SendQueueSize, e.clock.Now(), logger)
	sess.Start()

	req, err := protocol.DecodeJoinRequest(frame)
	if err != nil {
		e.reject(sess, err)
		return
	}

	var hash []byte
	if req.Create {
		// bcrypt 很慢，不放在 worker 上算
		hash, err = room.HashPassword(req.Password, e.cfg.PasswordCost)
		if err != nil {
			e.reject(sess, apperrors.ErrProtocol.WithDetails("password").WithCause(err))
			return
		}
	}

	if err := e.join(ctx, joinEvent{sess: sess, req: req, hash: hash}); err != nil {
		if errors.Is(err, errShuttingDown) {
			sess.Close("shutdown")
			return
		}
		e.reject(sess, err)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(e.cfg.FrameRate), e.cfg.FrameBurst)
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// 關閉流程會關閉房間與會話
				return
			}
			logger.Debug("連線中斷", "error", err)
			e.post(ctx, leaveEvent{connID: connID, reason: "disconnected"})
			sess.Close("disconnected")
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		in, err := protocol.ParseInbound(frame)
		if err != nil {
			logger.Warn("協定錯誤，拆除連線", "error", err)
			e.metrics.SessionClosed(err)
			e.post(ctx, leaveEvent{connID: connID, reason: "protocol error"})
			sess.Close("protocol error")
			return
		}

		if !e.post(ctx, frameEvent{connID: connID, in: in}) {
			return
		}
	}
}

var errShuttingDown = errors.New("engine shutting down")

// join 把加入請求交給 loop 並等待結果
//
// 房間有密碼時 worker 只做其餘檢查並交回雜湊，bcrypt 在這個 reader 上比對，
// 通過後帶 verified 重送一次；worker 會重新檢查房間狀態。
func (e *Engine) join(ctx context.Context, ev joinEvent) error {
	ev.reply = make(chan joinOutcome, 1)
	for {
		if !e.post(ctx, ev) {
			return errShuttingDown
		}
		// loop 在所有 reader 結束前不會停止，一定會回覆
		out := <-ev.reply
		if out.err != nil || out.passwordHash == nil {
			return out.err
		}
		if ev.verified {
			return apperrors.ErrAuthFailed.WithDetails("password verification repeated")
		}
		if err := room.VerifyPassword(out.passwordHash, ev.req.Password); err != nil {
			return err
		}
		ev.verified = true
	}
}

// reject 送出加入失敗回覆並關閉會話
func (e *Engine) reject(sess *session.Session, err error) {
	e.metrics.JoinRejected(err)
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrCodeProtocolError
	}

	resp, encErr := protocol.EncodeJoinResponse(protocol.Rejection(err))
	if encErr == nil {
		_ = sess.Send(resp)
	}
	if code == apperrors.ErrCodeSlowConsumer {
		e.metrics.SessionClosed(err)
	}
	sess.Close(code)
}

// post 送事件給 loop
func (e *Engine) post(ctx context.Context, ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-e.quit:
		return false
	}
}

func newToken() []byte {
	t := uuid.New()
	return t[:]
}
