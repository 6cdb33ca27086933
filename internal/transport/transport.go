// Package transport 定義中繼伺服器與加密傳輸層之間的邊界
//
// 傳輸層負責握手、加密、串流多工與閒置逾時；中繼核心只看到
// 「一條連線上的一連串訊框」。QUIC 與 WebSocket 都實作同一組介面，
// 由啟動程式依設定選擇。
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// MaxFrameSize 單一訊框上限（長度前綴為 uint16）
const MaxFrameSize = 1<<16 - 1

// ErrListenerClosed 監聽器已關閉
var ErrListenerClosed = errors.New("listener closed")

// ErrConnClosed 連線已關閉
var ErrConnClosed = errors.New("connection closed")

// Conn 一條已完成加密握手的客戶端連線
//
// ReadFrame 只會由單一 goroutine 呼叫；WriteFrame 只會由該連線的發送 goroutine 呼叫。
// Close 可以從任何 goroutine 呼叫，重複呼叫無副作用。
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(frame []byte) error
	RemoteAddr() net.Addr
	Close(reason string) error
}

// Listener 接受客戶端連線
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// readFrame 從串流讀取一個長度前綴訊框
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// writeFrame 寫入一個長度前綴訊框
func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return apperrors.ErrProtocol.WithDetails(fmt.Sprintf("frame of %d bytes exceeds limit", len(frame)))
	}
	buf := make([]byte, 2+len(frame))
	binary.LittleEndian.PutUint16(buf, uint16(len(frame)))
	copy(buf[2:], frame)
	_, err := w.Write(buf)
	return err
}
