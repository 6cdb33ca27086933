package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 心跳參數
const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketConfig WebSocket 監聽參數
type WebSocketConfig struct {
	Addr string
	Path string
}

// WebSocketListener 以 WebSocket 承載中繼訊框
//
// 系統設計考量：
//
//  1. 訊框對應：一個 binary message 就是一個訊框
//     - WebSocket 自帶訊息邊界，不需要長度前綴
//     - 與 QUIC 共用上層協議（加入請求 → 中繼訊框）
//
//  2. 心跳機制：
//     - 伺服器每 54 秒送 Ping，60 秒內沒收到任何資料（包括 Pong）就視為斷線
//     - Ping 走 WriteControl，可以與發送 goroutine 並行
//
//  3. 接受佇列：
//     - HTTP handler 升級成功後把連線放進 accept channel
//     - 佇列滿時直接拒絕（503），不讓 HTTP goroutine 無限等待
type WebSocketListener struct {
	upgrader websocket.Upgrader
	server   *http.Server
	ln       net.Listener
	accept   chan Conn
	logger   *slog.Logger
	closed   chan struct{}
	once     sync.Once
}

// ListenWebSocket 綁定 TCP 端點並開始服務 WebSocket 升級
func ListenWebSocket(cfg WebSocketConfig, logger *slog.Logger) (*WebSocketListener, error) {
	path := cfg.Path
	if path == "" {
		path = "/relay"
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}

	l := &WebSocketListener{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 遊戲客戶端不一定是瀏覽器，來源檢查交給前端閘道
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ln:     ln,
		accept: make(chan Conn, 128),
		logger: logger,
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+path, l)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("WebSocket 服務失敗", "error", err)
		}
	}()

	logger.Info("WebSocket 監聽已啟動", "addr", ln.Addr().String(), "path", path)
	return l, nil
}

// ServeHTTP 升級為 WebSocket 連線
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "伺服器關閉中", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	c := newWSConn(conn)

	select {
	case l.accept <- c:
	default:
		l.logger.Warn("接受佇列已滿，拒絕連線", "remote_addr", r.RemoteAddr)
		_ = c.Close("overloaded")
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)

		// 升級完成但沒被 Accept 的連線
		for {
			select {
			case c := <-l.accept:
				_ = c.Close("shutdown")
			default:
				return
			}
		}
	})
	return err
}

// wsConn WebSocket 連線
type wsConn struct {
	conn      *websocket.Conn
	remote    net.Addr
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:   conn,
		remote: conn.RemoteAddr(),
		done:   make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop()
	return c
}

// pingLoop 定期發送 Ping
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		// 收到資料也代表對端存活
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType == websocket.BinaryMessage {
			return message, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(frame))
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// 嘗試發送關閉消息，忽略錯誤（連接可能已關閉）
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// DialWebSocket 連到中繼伺服器的 WebSocket 端點（測試與工具使用）
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return newWSConn(conn), nil
}
