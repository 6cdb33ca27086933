package directory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-relay-server/internal/directory"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

func sampleRoom() directory.RoomRecord {
	return directory.RoomRecord{
		RoomID:          0x00020001,
		RequirePassword: true,
		MaxUser:         8,
		ConnectedUser:   3,
		Server: directory.ServerRecord{
			Host:     "relay-1.example",
			Port:     4000,
			ServerID: 0x00020000,
			APIPort:  8080,
		},
		ApplicationName: "racer",
		Version:         "1.2.0",
		Information:     map[string]string{"map": "harbor"},
	}
}

func TestEncodeDecode(t *testing.T) {
	rec := sampleRoom()

	msg, err := directory.Encode(directory.RegisterRoomMessage, rec)
	require.NoError(t, err)
	assert.Equal(t, byte(directory.RegisterRoomMessage), msg[0])

	kind, body, err := directory.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, directory.RegisterRoomMessage, kind)

	got, err := directory.DecodeRoom(body)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, _, err = directory.Decode(nil)
	assert.Error(t, err)
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		kind directory.MessageType
		want string
	}{
		{directory.RegisterServerMessage, "register_server"},
		{directory.UnregisterServerMessage, "unregister_server"},
		{directory.RegisterRoomMessage, "register_room"},
		{directory.UnregisterRoomMessage, "unregister_room"},
		{directory.MessageType(9), "message(9)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := directory.NewMemoryStore()

	first, err := store.GenerateServerID(ctx)
	require.NoError(t, err)
	second, err := store.GenerateServerID(ctx)
	require.NoError(t, err)
	assert.Less(t, first, second)

	rec := sampleRoom()
	require.NoError(t, store.RegisterServer(ctx, rec.Server))
	require.NoError(t, store.RegisterRoom(ctx, rec))
	assert.Equal(t, rec, store.Rooms()[rec.RoomID])
	assert.Len(t, store.Servers(), 1)

	// 重複註冊只更新最新狀態
	rec.ConnectedUser = 4
	require.NoError(t, store.RegisterRoom(ctx, rec))
	assert.Equal(t, 4, store.Rooms()[rec.RoomID].ConnectedUser)

	require.NoError(t, store.UnregisterRoom(ctx, rec))
	assert.Empty(t, store.Rooms())
	assert.Len(t, store.History(), 4)
}

func TestMemoryStore_Failing(t *testing.T) {
	ctx := context.Background()
	store := directory.NewMemoryStore()
	store.SetFailing(true)

	_, err := store.GenerateServerID(ctx)
	assert.True(t, apperrors.IsBackendUnavailable(err))

	err = store.RegisterRoom(ctx, sampleRoom())
	assert.True(t, apperrors.IsBackendUnavailable(err))
	assert.Empty(t, store.History())
	assert.Equal(t, 2, store.Attempts())

	store.SetFailing(false)
	require.NoError(t, store.RegisterRoom(ctx, sampleRoom()))

	require.NoError(t, store.Close())
	err = store.RegisterRoom(ctx, sampleRoom())
	assert.True(t, apperrors.IsBackendUnavailable(err))
}
