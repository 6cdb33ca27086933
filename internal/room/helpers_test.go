package room_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
	"github.com/koopa0/system-design/14-relay-server/internal/room"
	"github.com/koopa0/system-design/14-relay-server/internal/session"
	"github.com/koopa0/system-design/14-relay-server/internal/transport"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	connSeq    atomic.Uint64
)

// scriptedIDs 依指定順序分配識別碼
type scriptedIDs struct {
	next     []uint16
	returned []uint16
	cleared  int
	out      map[uint16]bool
}

func newScriptedIDs(ids ...uint16) *scriptedIDs {
	return &scriptedIDs{next: ids, out: make(map[uint16]bool)}
}

func (s *scriptedIDs) GetID() (uint16, bool) {
	if len(s.next) == 0 {
		return 0, false
	}
	id := s.next[0]
	s.next = s.next[1:]
	s.out[id] = true
	return id, true
}

func (s *scriptedIDs) ReturnID(id uint16) bool {
	if !s.out[id] {
		return false
	}
	delete(s.out, id)
	s.returned = append(s.returned, id)
	return true
}

func (s *scriptedIDs) Len() int { return len(s.next) }
func (s *scriptedIDs) Clear() {
	s.cleared++
	s.out = make(map[uint16]bool)
}

// recordingHooks 記錄回呼
type recordingHooks struct {
	registered   []uint16
	unregistered []uint16
	hosts        []uint16
	ready        []bool
	closed       int
}

func (h *recordingHooks) OnRegisterClient(_ *room.Room, id uint16, _ *session.Session) {
	h.registered = append(h.registered, id)
}

func (h *recordingHooks) OnUnregisterClient(_ *room.Room, id uint16, _ *session.Session) {
	h.unregistered = append(h.unregistered, id)
}

func (h *recordingHooks) OnChangeHost(_ *room.Room, id uint16) { h.hosts = append(h.hosts, id) }
func (h *recordingHooks) OnReadyChange(_ *room.Room, ready bool) {
	h.ready = append(h.ready, ready)
}
func (h *recordingHooks) OnClose(*room.Room) { h.closed++ }

// member 一個房間成員：伺服器端會話與客戶端連線
type member struct {
	session *session.Session
	client  transport.Conn
}

func newMember(t *testing.T, clk clock.Clock) *member {
	t.Helper()
	return newMemberWithQueue(t, clk, 256, true)
}

func newMemberWithQueue(t *testing.T, clk clock.Clock, queue int, start bool) *member {
	t.Helper()
	server, client := transport.Pipe(512, "server", "client")
	s := session.New(session.ConnID(connSeq.Add(1)), server, queue, clk.Now(), testLogger)
	if start {
		s.Start()
	}
	t.Cleanup(func() { s.Close("test done") })
	return &member{session: s, client: client}
}

func (m *member) id(t *testing.T) uint16 {
	t.Helper()
	id, ok := m.session.ClientID()
	require.True(t, ok, "member has no client id")
	return id
}

// next 讀取下一個下行訊框
func (m *member) next(t *testing.T) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := m.client.ReadFrame(ctx)
	require.NoError(t, err)
	return f
}

// joinResponse 讀取加入回覆
func (m *member) joinResponse(t *testing.T) protocol.JoinResponse {
	t.Helper()
	resp, err := protocol.DecodeJoinResponse(m.next(t))
	require.NoError(t, err)
	return resp
}

// relayed 讀取下一個中繼訊框
func (m *member) relayed(t *testing.T) protocol.Outbound {
	t.Helper()
	out, err := protocol.ParseOutbound(m.next(t))
	require.NoError(t, err)
	return out
}

// silent 確認短時間內沒有收到訊框
func (m *member) silent(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f, err := m.client.ReadFrame(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected frame %v", f)
}

func creds() room.Credentials {
	return room.Credentials{ApplicationName: "racer", Version: "1.0.0", Token: []byte("creator")}
}

func baseConfig(maxUser int) room.Config {
	return room.Config{
		RoomID:          0x00010001,
		ApplicationName: "racer",
		Version:         "1.0.0",
		MaxUser:         maxUser,
		Token:           []byte("creator"),
	}
}
