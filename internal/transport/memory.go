package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// memAddr 記憶體連線位址
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memConn 以 channel 傳遞訊框的連線端點
type memConn struct {
	in     chan []byte
	out    chan []byte
	local  memAddr
	remote memAddr

	closed    chan struct{}
	peer      *memConn
	closeOnce sync.Once
	reason    atomic.Value
}

// Pipe 建立一對互相連接的記憶體連線
//
// 每個方向可緩衝 buffer 個訊框，寫滿時 WriteFrame 阻塞。用於測試與同行程客戶端。
func Pipe(buffer int, a, b string) (Conn, Conn) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	left := &memConn{in: ba, out: ab, local: memAddr(a), remote: memAddr(b), closed: make(chan struct{})}
	right := &memConn{in: ab, out: ba, local: memAddr(b), remote: memAddr(a), closed: make(chan struct{})}
	left.peer, right.peer = right, left
	return left, right
}

func (c *memConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	default:
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-c.peer.closed:
		// 對端關閉前送出的訊框仍可讀取
		select {
		case f := <-c.in:
			return f, nil
		default:
			return nil, ErrConnClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(frame))
	}
	cp := append([]byte(nil), frame...)
	select {
	case <-c.closed:
		return ErrConnClosed
	case <-c.peer.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- cp:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-c.peer.closed:
		return ErrConnClosed
	}
}

func (c *memConn) RemoteAddr() net.Addr { return c.remote }

func (c *memConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.closed)
	})
	return nil
}

// CloseReason 回傳 Close 時帶入的原因（測試使用）
func CloseReason(c Conn) (string, bool) {
	mc, ok := c.(*memConn)
	if !ok {
		return "", false
	}
	r, ok := mc.reason.Load().(string)
	return r, ok
}

// MemoryListener 記憶體監聽器
type MemoryListener struct {
	addr    memAddr
	conns   chan Conn
	buffer  int
	seq     atomic.Uint64
	closed  chan struct{}
	closeMu sync.Once
}

// NewMemoryListener 創建記憶體監聽器
func NewMemoryListener(addr string, buffer int) *MemoryListener {
	return &MemoryListener{
		addr:   memAddr(addr),
		conns:  make(chan Conn, 16),
		buffer: buffer,
		closed: make(chan struct{}),
	}
}

// Dial 建立一條連到監聽器的連線，回傳客戶端一側
func (l *MemoryListener) Dial(ctx context.Context) (Conn, error) {
	name := fmt.Sprintf("client-%d", l.seq.Add(1))
	client, server := Pipe(l.buffer, name, string(l.addr))

	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Addr() net.Addr { return l.addr }

func (l *MemoryListener) Close() error {
	l.closeMu.Do(func() { close(l.closed) })
	return nil
}
