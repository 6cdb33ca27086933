package transport_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-relay-server/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipe_RoundTrip(t *testing.T) {
	a, b := transport.Pipe(4, "a", "b")

	require.NoError(t, a.WriteFrame([]byte("hello")))
	require.NoError(t, a.WriteFrame([]byte("world")))

	ctx := context.Background()
	f1, err := b.ReadFrame(ctx)
	require.NoError(t, err)
	f2, err := b.ReadFrame(ctx)
	require.NoError(t, err)

	assert.Equal(t, "hello", string(f1))
	assert.Equal(t, "world", string(f2))
	assert.Equal(t, "a", b.RemoteAddr().String())
}

func TestPipe_CloseUnblocksPeer(t *testing.T) {
	a, b := transport.Pipe(1, "a", "b")

	require.NoError(t, a.WriteFrame([]byte("last")))
	require.NoError(t, a.Close("bye"))

	// 關閉前送出的訊框仍可讀到
	f, err := b.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", string(f))

	_, err = b.ReadFrame(context.Background())
	assert.ErrorIs(t, err, transport.ErrConnClosed)
	assert.ErrorIs(t, b.WriteFrame([]byte("x")), transport.ErrConnClosed)

	reason, ok := transport.CloseReason(a)
	require.True(t, ok)
	assert.Equal(t, "bye", reason)
}

func TestPipe_ReadHonoursContext(t *testing.T) {
	_, b := transport.Pipe(1, "a", "b")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryListener_DialAccept(t *testing.T) {
	ln := transport.NewMemoryListener("relay", 8)
	ctx := context.Background()

	client, err := ln.Dial(ctx)
	require.NoError(t, err)
	server, err := ln.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, client.WriteFrame([]byte{1, 2, 3}))
	f, err := server.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, f)
	assert.Equal(t, "relay", client.RemoteAddr().String())

	require.NoError(t, ln.Close())
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, transport.ErrListenerClosed)
}

func TestWebSocket_RoundTrip(t *testing.T) {
	ln, err := transport.ListenWebSocket(transport.WebSocketConfig{Addr: "127.0.0.1:0"}, quietLogger())
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.DialWebSocket(ctx, fmt.Sprintf("ws://%s/relay", ln.Addr()))
	require.NoError(t, err)
	defer client.Close("done")

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer server.Close("done")

	require.NoError(t, client.WriteFrame([]byte("ping")))
	f, err := server.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(f))

	require.NoError(t, server.WriteFrame([]byte("pong")))
	f, err = client.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(f))
}

func TestQUIC_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping UDP test in short mode")
	}

	ln, err := transport.ListenQUIC(transport.QUICConfig{
		Addr:            "127.0.0.1:0",
		MaxIdleTimeout:  5 * time.Second,
		KeepAlivePeriod: time.Second,
		CloseGrace:      200 * time.Millisecond,
	}, quietLogger())
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := transport.DialQUIC(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close("done")

	// 串流要有資料才會被對端接受
	require.NoError(t, client.WriteFrame([]byte("join")))

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer server.Close("done")

	f, err := server.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "join", string(f))

	big := make([]byte, transport.MaxFrameSize)
	big[len(big)-1] = 0x7f
	require.NoError(t, server.WriteFrame(big))
	f, err = client.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Len(t, f, transport.MaxFrameSize)
	assert.Equal(t, byte(0x7f), f[len(f)-1])

	assert.Error(t, server.WriteFrame(make([]byte, transport.MaxFrameSize+1)))
}

// 關閉前寫出的訊框要送到對方，監聽器關閉也不能中斷還在收尾的連線
func TestQUIC_CloseDeliversPendingFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping UDP test in short mode")
	}

	ln, err := transport.ListenQUIC(transport.QUICConfig{
		Addr:           "127.0.0.1:0",
		MaxIdleTimeout: 5 * time.Second,
		CloseGrace:     2 * time.Second,
	}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := transport.DialQUIC(ctx, ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame([]byte("join")))

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	_, err = server.ReadFrame(ctx)
	require.NoError(t, err)

	const frames = 50
	payload := make([]byte, 1024)
	for i := range frames {
		payload[0] = byte(i)
		require.NoError(t, server.WriteFrame(payload))
	}
	require.NoError(t, server.Close("rejected"))

	closed := make(chan error, 1)
	go func() { closed <- ln.Close() }()

	for i := range frames {
		f, err := client.ReadFrame(ctx)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, byte(i), f[0])
	}
	_, err = client.ReadFrame(ctx)
	assert.Error(t, err, "stream ends after the last frame")

	// 客戶端關閉後監聽器不用等完寬限期
	start := time.Now()
	require.NoError(t, client.Close("done"))
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener close did not return")
	}
	t.Logf("listener released %v after client close", time.Since(start))
}
