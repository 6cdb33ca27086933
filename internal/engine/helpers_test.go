package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/koopa0/system-design/14-relay-server/internal/directory"
	"github.com/koopa0/system-design/14-relay-server/internal/engine"
	"github.com/koopa0/system-design/14-relay-server/internal/logger"
	"github.com/koopa0/system-design/14-relay-server/internal/metrics"
	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
	"github.com/koopa0/system-design/14-relay-server/internal/transport"
)

const (
	appName    = "arena"
	appVersion = "1.2.0"
	waitFor    = 2 * time.Second
	pollEvery  = 5 * time.Millisecond
)

// harness 測試用引擎，預設跑在記憶體傳輸上
type harness struct {
	t        *testing.T
	engine   *engine.Engine
	listener transport.Listener
	dialer   func(ctx context.Context) (transport.Conn, error)
	store    *directory.MemoryStore
	clock    *clock.Mock
	metrics  *metrics.Metrics
	cfg      engine.Config

	cancel context.CancelFunc
	errCh  chan error
}

func testConfig() engine.Config {
	return engine.Config{
		Host:                 "relay-test",
		APIPort:              8080,
		WorkerCount:          2,
		HandshakeTimeout:     time.Second,
		SendQueueSize:        256,
		FrameRate:            100000,
		FrameBurst:           100000,
		RoomTickInterval:     time.Second,
		ServerUpdateInterval: time.Hour,
		ServerIDRetries:      0,
		ShutdownTimeout:      time.Second,
		MinUsers:             2,
		MaxUsers:             16,
		InactivityTimeout:    time.Minute,
		DrainTimeout:         5 * time.Second,
		RPCBufferLimit:       16,
		PasswordCost:         bcrypt.MinCost,
	}
}

func newHarness(t *testing.T, mutate func(*engine.Config, *directory.MemoryStore)) *harness {
	t.Helper()
	ln := transport.NewMemoryListener("127.0.0.1:4000", 512)
	return startHarness(t, ln, ln.Dial, mutate)
}

// startHarness 在指定的監聽器上啟動引擎，dialer 建立測試端連線
func startHarness(
	t *testing.T,
	ln transport.Listener,
	dialer func(ctx context.Context) (transport.Conn, error),
	mutate func(*engine.Config, *directory.MemoryStore),
) *harness {
	t.Helper()

	cfg := testConfig()
	store := directory.NewMemoryStore()
	if mutate != nil {
		mutate(&cfg, store)
	}

	h := &harness{
		t:        t,
		listener: ln,
		dialer:   dialer,
		store:    store,
		clock:    clock.NewMock(),
		metrics:  metrics.New(),
		cfg:      cfg,
		errCh:    make(chan error, 1),
	}

	log := logger.Discard()
	pub := directory.NewPublisher(store, directory.PublisherOptions{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		Logger:          log,
		Observer:        h.metrics,
	})

	e, err := engine.New(cfg, engine.Deps{
		Store:     store,
		Publisher: pub,
		Listeners: []transport.Listener{h.listener},
		Metrics:   h.metrics,
		Clock:     h.clock,
		Logger:    log,
	})
	require.NoError(t, err)
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errCh <- e.Run(ctx) }()

	select {
	case <-e.Ready():
	case <-time.After(waitFor):
		t.Fatal("engine did not become ready")
	}

	t.Cleanup(func() { h.stop() })
	return h
}

// stop 關閉引擎並回傳 Run 的結果，可以重複呼叫
func (h *harness) stop() error {
	h.cancel()
	select {
	case err := <-h.errCh:
		h.errCh <- err
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("engine did not shut down")
		return nil
	}
}

// advance 推進模擬時鐘直到條件成立
func (h *harness) advance(step time.Duration, cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.clock.Add(step)
		return cond()
	}, waitFor, pollEvery)
}

// client 測試端連線
type client struct {
	t    *testing.T
	conn transport.Conn
	id   uint16
	room uint32
}

func (h *harness) dial() *client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := h.dialer(ctx)
	require.NoError(h.t, err)
	c := &client{t: h.t, conn: conn}
	h.t.Cleanup(func() { _ = conn.Close("test done") })
	return c
}

// handshake 送出加入請求並讀取回覆
func (c *client) handshake(req protocol.JoinRequest) protocol.JoinResponse {
	c.t.Helper()
	frame, err := protocol.EncodeJoinRequest(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteFrame(frame))

	resp, err := protocol.DecodeJoinResponse(c.read())
	require.NoError(c.t, err)
	if resp.OK {
		c.id, c.room = resp.ClientID, resp.RoomID
	}
	return resp
}

func (h *harness) create(password string) (*client, protocol.JoinResponse) {
	h.t.Helper()
	c := h.dial()
	resp := c.handshake(protocol.JoinRequest{
		Create:          true,
		ApplicationName: appName,
		Version:         appVersion,
		Password:        password,
		MaxUser:         8,
		Information:     map[string]string{"map": "harbor"},
	})
	require.True(h.t, resp.OK, "create rejected: %s %s", resp.Code, resp.Message)
	return c, resp
}

func (h *harness) join(roomID uint32, password string) (*client, protocol.JoinResponse) {
	h.t.Helper()
	c := h.dial()
	resp := c.handshake(protocol.JoinRequest{
		RoomID:          roomID,
		ApplicationName: appName,
		Version:         appVersion,
		Password:        password,
	})
	return c, resp
}

func (c *client) read() []byte {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	frame, err := c.conn.ReadFrame(ctx)
	require.NoError(c.t, err)
	return frame
}

func (c *client) next() protocol.Outbound {
	c.t.Helper()
	out, err := protocol.ParseOutbound(c.read())
	require.NoError(c.t, err)
	return out
}

// expectSystem 讀取下一個訊框並確認是指定的伺服器通知
func (c *client) expectSystem(msgType byte, subject uint16) {
	c.t.Helper()
	out := c.next()
	assert.Equal(c.t, msgType, out.Type, "unexpected frame %+v", out)
	assert.Equal(c.t, subject, out.Sender)
}

// expectSilence 短時間內不應收到任何訊框
func (c *client) expectSilence() {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	frame, err := c.conn.ReadFrame(ctx)
	assert.ErrorIs(c.t, err, context.DeadlineExceeded, "unexpected frame %v", frame)
}

// expectClosed 讀到連線關閉為止，回傳途中收到的訊框
func (c *client) expectClosed() [][]byte {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var frames [][]byte
	for {
		frame, err := c.conn.ReadFrame(ctx)
		if err != nil {
			require.ErrorIs(c.t, err, transport.ErrConnClosed)
			return frames
		}
		frames = append(frames, frame)
	}
}

func (c *client) send(target protocol.Target, msgType byte, payload []byte) {
	c.t.Helper()
	c.sendTo(protocol.Inbound{Target: target, Type: msgType, Payload: payload})
}

func (c *client) sendTo(in protocol.Inbound) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteFrame(protocol.EncodeInbound(in)))
}

func (c *client) leave() {
	_ = c.conn.Close("client leave")
}

func (h *harness) roomRegistered(roomID uint32, connected int) func() bool {
	return func() bool {
		rec, ok := h.store.Rooms()[roomID]
		return ok && rec.ConnectedUser == connected
	}
}
