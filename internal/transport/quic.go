package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN 客戶端與伺服器協商的應用層協議
const ALPN = "relay-v1"

// DefaultCloseGrace 關閉連線前等待對方讀完最後訊框的時間
const DefaultCloseGrace = time.Second

// 應用層關閉碼
const (
	closeCodeNormal   quic.ApplicationErrorCode = 0
	closeCodeShutdown quic.ApplicationErrorCode = 1
)

// QUICConfig QUIC 監聽參數
type QUICConfig struct {
	Addr            string
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
	CertFile        string
	KeyFile         string
	CloseGrace      time.Duration
}

// QUICListener 在單一 UDP socket 上接受 QUIC 連線
//
// 系統設計考量：
//
//  1. 單一 socket：
//     - 所有客戶端共用一個 UDP 端點，由 quic-go 依 connection ID 拆分封包
//     - 客戶端換 IP/port（NAT 重綁定、行動網路切換）時 connection ID 不變，
//     RemoteAddr 每次都向 quic-go 查詢最新位址
//
//  2. 一條連線一條雙向串流：
//     - 客戶端開啟串流後送出第一個訊框（加入請求）
//     - 串流在第一次 ReadFrame 時才接受，握手逾時由呼叫端的 context 控制
//
//  3. 閒置偵測交給傳輸層：
//     - MaxIdleTimeout 到期 quic-go 會關閉連線，ReadFrame 回傳錯誤
//
//  4. 關閉時不丟最後的訊框：
//     - CloseWithError 會直接丟掉還沒送達的串流資料
//     - 連線關閉時先送 FIN，等對方關閉連線或 CloseGrace 到期才送 CONNECTION_CLOSE
//     - 關閉 quic.Transport 會立刻中斷所有連線，Close 先等已接受的連線收尾
type QUICListener struct {
	udp       *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener
	logger    *slog.Logger
	grace     time.Duration
	closed    atomic.Bool

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

// ListenQUIC 綁定 UDP 端點並開始監聽
func ListenQUIC(cfg QUICConfig, logger *slog.Logger) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp address: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, &quic.Config{
		MaxIdleTimeout:        cfg.MaxIdleTimeout,
		KeepAlivePeriod:       cfg.KeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	})
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("listen quic: %w", err)
	}

	grace := cfg.CloseGrace
	if grace <= 0 {
		grace = DefaultCloseGrace
	}

	logger.Info("QUIC 監聽已啟動", "addr", udp.LocalAddr().String())

	return &QUICListener{
		udp:       udp,
		transport: tr,
		listener:  ln,
		logger:    logger,
		grace:     grace,
	}, nil
}

// Accept 接受一條完成 TLS 握手的連線
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	if l.closed.Load() {
		return nil, ErrListenerClosed
	}
	qc, err := l.listener.Accept(ctx)
	if err != nil {
		if l.closed.Load() || errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("接受連線失敗: %w", err)
	}

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		_ = qc.CloseWithError(closeCodeShutdown, "shutdown")
		return nil, ErrListenerClosed
	}
	l.active.Add(1)
	l.mu.Unlock()

	return newQUICConn(qc, l.grace, l.active.Done), nil
}

// Addr 實際綁定位址（port 0 時由系統分配）
func (l *QUICListener) Addr() net.Addr {
	return l.udp.LocalAddr()
}

// Close 停止接受連線，等已接受的連線關閉（最多兩倍 CloseGrace）後釋放 socket
func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	err := l.listener.Close()

	drained := make(chan struct{})
	go func() {
		l.active.Wait()
		close(drained)
	}()
	timer := time.NewTimer(2 * l.grace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		l.logger.Warn("部分 QUIC 連線未在寬限期內關閉，強制釋放 socket")
	}

	if terr := l.transport.Close(); err == nil {
		err = terr
	}
	return err
}

// quicConn 包裝一條 QUIC 連線與其唯一的雙向串流
type quicConn struct {
	conn *quic.Conn

	streamOnce sync.Once
	stream     *quic.Stream
	streamErr  error
	ready      chan struct{}

	grace      time.Duration
	closeOnce  sync.Once
	finishOnce sync.Once
	release    func()
}

func newQUICConn(qc *quic.Conn, grace time.Duration, release func()) *quicConn {
	return &quicConn{conn: qc, ready: make(chan struct{}), grace: grace, release: release}
}

func (c *quicConn) acceptStream(ctx context.Context) error {
	c.streamOnce.Do(func() {
		c.stream, c.streamErr = c.conn.AcceptStream(ctx)
		close(c.ready)
	})
	return c.streamErr
}

func (c *quicConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := c.acceptStream(ctx); err != nil {
		return nil, err
	}

	_ = c.stream.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := readFrame(c.stream)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return frame, err
}

func (c *quicConn) WriteFrame(frame []byte) error {
	select {
	case <-c.ready:
	case <-c.conn.Context().Done():
		return ErrConnClosed
	}
	if c.streamErr != nil {
		return c.streamErr
	}
	return writeFrame(c.stream, frame)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close 送出 FIN 後在背景等待對方關閉連線，寬限期到期才主動關閉
func (c *quicConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		code := closeCodeNormal
		if reason == "shutdown" {
			code = closeCodeShutdown
		}

		var stream *quic.Stream
		select {
		case <-c.ready:
			stream = c.stream
		default:
		}
		if stream == nil || c.grace <= 0 {
			_ = c.conn.CloseWithError(code, reason)
			c.finish()
			return
		}

		_ = stream.Close()
		go c.linger(code, reason)
	})
	return nil
}

// linger 對方讀到 FIN 後會關閉連線；不關的客戶端由寬限期收尾
func (c *quicConn) linger(code quic.ApplicationErrorCode, reason string) {
	defer c.finish()

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-c.conn.Context().Done():
		return
	case <-timer.C:
	}
	_ = c.conn.CloseWithError(code, reason)
}

func (c *quicConn) finish() {
	c.finishOnce.Do(func() {
		if c.release != nil {
			c.release()
		}
	})
}

// serverTLSConfig 讀取憑證，未設定時產生自簽憑證
func serverTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("載入 TLS 憑證失敗: %w", err)
		}
	} else {
		cert, err = selfSignedCert()
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("產生金鑰失敗: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("產生序號失敗: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"relay-server"}, CommonName: "relay-server"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(180 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("創建證書失敗: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// DialQUIC 以 QUIC 連到中繼伺服器並開啟串流（測試與工具使用，不驗證伺服器憑證）
func DialQUIC(ctx context.Context, addr string) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}, &quic.Config{KeepAlivePeriod: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dial quic: %w", err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(closeCodeNormal, "open stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	c := newQUICConn(qc, DefaultCloseGrace, nil)
	c.stream = stream
	c.streamOnce.Do(func() { close(c.ready) })
	return c, nil
}
