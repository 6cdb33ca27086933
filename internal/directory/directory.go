// Package directory 把伺服器與房間的生命週期事件發布到外部目錄服務
//
// 目錄服務讓多台中繼伺服器能被外部發現（配對服務、房間列表）。
// 中繼伺服器只負責「發布」，不讀取；發布失敗只影響可發現性，不影響中繼。
package directory

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// MessageType 發布訊息的第一個位元組
type MessageType byte

const (
	RegisterServerMessage MessageType = iota
	UnregisterServerMessage
	RegisterRoomMessage
	UnregisterRoomMessage
)

func (t MessageType) String() string {
	switch t {
	case RegisterServerMessage:
		return "register_server"
	case UnregisterServerMessage:
		return "unregister_server"
	case RegisterRoomMessage:
		return "register_room"
	case UnregisterRoomMessage:
		return "unregister_room"
	default:
		return fmt.Sprintf("message(%d)", byte(t))
	}
}

// ServerRecord 伺服器紀錄
type ServerRecord struct {
	Host     string `msgpack:"host" json:"host"`
	Port     int    `msgpack:"port" json:"port"`
	ServerID uint32 `msgpack:"server_id" json:"server_id"`
	Token    []byte `msgpack:"token" json:"-"`
	APIPort  int    `msgpack:"api_port" json:"api_port"`
}

// RoomRecord 房間紀錄
type RoomRecord struct {
	RoomID          uint32            `msgpack:"room_id" json:"room_id"`
	RequirePassword bool              `msgpack:"require_password" json:"require_password"`
	MaxUser         int               `msgpack:"max_user" json:"max_user"`
	ConnectedUser   int               `msgpack:"connected_user" json:"connected_user"`
	Server          ServerRecord      `msgpack:"server" json:"server"`
	ApplicationName string            `msgpack:"application_name" json:"application_name"`
	Version         string            `msgpack:"version" json:"version"`
	Information     map[string]string `msgpack:"information,omitempty" json:"information,omitempty"`
}

// Store 目錄服務
//
// 每個方法都可能回傳 BackendUnavailable。呼叫端（Publisher）負責重試與吞掉錯誤。
type Store interface {
	GenerateServerID(ctx context.Context) (uint32, error)
	RegisterServer(ctx context.Context, rec ServerRecord) error
	UnregisterServer(ctx context.Context, rec ServerRecord) error
	RegisterRoom(ctx context.Context, rec RoomRecord) error
	UnregisterRoom(ctx context.Context, rec RoomRecord) error
	Close() error
}

// Encode 編碼為 [message_type][msgpack record]
func Encode(t MessageType, record any) ([]byte, error) {
	body, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return append([]byte{byte(t)}, body...), nil
}

// Decode 解碼發布訊息（訂閱端與測試使用）
func Decode(message []byte) (MessageType, []byte, error) {
	if len(message) == 0 {
		return 0, nil, fmt.Errorf("empty message")
	}
	return MessageType(message[0]), message[1:], nil
}

// DecodeServer 解碼伺服器紀錄
func DecodeServer(body []byte) (ServerRecord, error) {
	var rec ServerRecord
	err := msgpack.Unmarshal(body, &rec)
	return rec, err
}

// DecodeRoom 解碼房間紀錄
func DecodeRoom(body []byte) (RoomRecord, error) {
	var rec RoomRecord
	err := msgpack.Unmarshal(body, &rec)
	return rec, err
}

// unavailable 把後端錯誤包成 BackendUnavailable
func unavailable(backend string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.ErrBackendUnavailable.WithDetails(backend).WithCause(err)
}
