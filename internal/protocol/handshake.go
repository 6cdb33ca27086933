package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// JoinRequest 連線後的第一個訊框
//
// Create 為 true 時由伺服器分配房間 id，RoomID 忽略；
// 否則加入既有房間。房間建立者未連線期間（剛建立或排空中）必須附上 Token。
type JoinRequest struct {
	RoomID          uint32            `msgpack:"room_id"`
	Create          bool              `msgpack:"create"`
	ApplicationName string            `msgpack:"application_name"`
	Version         string            `msgpack:"version"`
	Password        string            `msgpack:"password,omitempty"`
	Token           []byte            `msgpack:"token,omitempty"`
	MaxUser         int               `msgpack:"max_user,omitempty"`
	Information     map[string]string `msgpack:"information,omitempty"`
}

// JoinResponse 伺服器對加入請求的回覆
type JoinResponse struct {
	OK       bool     `msgpack:"ok"`
	Code     string   `msgpack:"code,omitempty"`
	Message  string   `msgpack:"message,omitempty"`
	RoomID   uint32   `msgpack:"room_id,omitempty"`
	ClientID uint16   `msgpack:"client_id"`
	HostID   uint16   `msgpack:"host_id"`
	Members  []uint16 `msgpack:"members,omitempty"`
	Token    []byte   `msgpack:"token,omitempty"` // 只回給房間建立者
}

// DecodeJoinRequest 解碼加入請求
func DecodeJoinRequest(frame []byte) (JoinRequest, error) {
	var req JoinRequest
	if err := msgpack.Unmarshal(frame, &req); err != nil {
		return JoinRequest{}, apperrors.ErrProtocol.WithDetails("invalid join request").WithCause(err)
	}
	if req.ApplicationName == "" {
		return JoinRequest{}, apperrors.ErrProtocol.WithDetails("missing application name")
	}
	if req.MaxUser < 0 {
		return JoinRequest{}, apperrors.ErrProtocol.WithDetails(fmt.Sprintf("invalid max_user %d", req.MaxUser))
	}
	return req, nil
}

// EncodeJoinRequest 編碼加入請求（客戶端使用）
func EncodeJoinRequest(req JoinRequest) ([]byte, error) {
	return msgpack.Marshal(req)
}

// EncodeJoinResponse 編碼加入回覆
func EncodeJoinResponse(resp JoinResponse) ([]byte, error) {
	return msgpack.Marshal(resp)
}

// DecodeJoinResponse 解碼加入回覆（客戶端使用）
func DecodeJoinResponse(frame []byte) (JoinResponse, error) {
	var resp JoinResponse
	if err := msgpack.Unmarshal(frame, &resp); err != nil {
		return JoinResponse{}, apperrors.ErrProtocol.WithDetails("invalid join response").WithCause(err)
	}
	return resp, nil
}

// Rejection 把錯誤轉成加入失敗回覆
func Rejection(err error) JoinResponse {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrCodeProtocolError
	}
	return JoinResponse{OK: false, Code: code, Message: err.Error()}
}
