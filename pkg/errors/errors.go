// Package errors 提供中繼伺服器的錯誤分類
//
// 錯誤依影響範圍分為三類：
//   - 呼叫端錯誤（RoomFull、DuplicateClient、AuthFailed ...）：回傳給發起加入的客戶端，不影響其他房間
//   - 連線錯誤（ProtocolError、SlowConsumer）：只拆除該連線
//   - 行程錯誤（SocketFatal）：共享 socket 失效，整個行程結束
//
// BackendUnavailable 只記錄日誌與指標，永遠不會傳到客戶端。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeResourceExhausted 識別碼池耗盡
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeDuplicateClient 客戶端識別碼重複
	ErrCodeDuplicateClient = "DUPLICATE_CLIENT"
	// ErrCodeUnknownClient 客戶端不存在
	ErrCodeUnknownClient = "UNKNOWN_CLIENT"
	// ErrCodeAuthFailed 密碼或 token 驗證失敗
	ErrCodeAuthFailed = "AUTH_FAILED"
	// ErrCodeVersionMismatch 應用程式名稱或版本不符
	ErrCodeVersionMismatch = "VERSION_MISMATCH"
	// ErrCodeBackendUnavailable 目錄服務不可用
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	// ErrCodeProtocolError 封包格式錯誤
	ErrCodeProtocolError = "PROTOCOL_ERROR"
	// ErrCodeSocketFatal 共享 socket 失效
	ErrCodeSocketFatal = "SOCKET_FATAL"
	// ErrCodeEmpty 集合為空
	ErrCodeEmpty = "EMPTY"
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeRoomClosed 房間已關閉
	ErrCodeRoomClosed = "ROOM_CLOSED"
	// ErrCodeSlowConsumer 發送佇列已滿
	ErrCodeSlowConsumer = "SLOW_CONSUMER"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本，預定義錯誤本身不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCause 回傳包裝底層錯誤的副本
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// 預定義錯誤
var (
	ErrResourceExhausted  = New(ErrCodeResourceExhausted, "id pool exhausted")
	ErrRoomFull           = New(ErrCodeRoomFull, "room is full")
	ErrDuplicateClient    = New(ErrCodeDuplicateClient, "client already in room")
	ErrUnknownClient      = New(ErrCodeUnknownClient, "client not in room")
	ErrAuthFailed         = New(ErrCodeAuthFailed, "authentication failed")
	ErrVersionMismatch    = New(ErrCodeVersionMismatch, "application name or version mismatch")
	ErrBackendUnavailable = New(ErrCodeBackendUnavailable, "directory backend unavailable")
	ErrProtocol           = New(ErrCodeProtocolError, "malformed frame")
	ErrSocketFatal        = New(ErrCodeSocketFatal, "socket failure")
	ErrEmpty              = New(ErrCodeEmpty, "no members")
	ErrRoomNotFound       = New(ErrCodeRoomNotFound, "room not found")
	ErrRoomClosed         = New(ErrCodeRoomClosed, "room is closed")
	ErrSlowConsumer       = New(ErrCodeSlowConsumer, "send queue full")
)

// CodeOf 取出錯誤碼，非 AppError 回傳空字串
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func hasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRoomFull 檢查是否為房間已滿錯誤
func IsRoomFull(err error) bool { return hasCode(err, ErrCodeRoomFull) }

// IsDuplicateClient 檢查是否為重複客戶端錯誤
func IsDuplicateClient(err error) bool { return hasCode(err, ErrCodeDuplicateClient) }

// IsUnknownClient 檢查是否為未知客戶端錯誤
func IsUnknownClient(err error) bool { return hasCode(err, ErrCodeUnknownClient) }

// IsAuthFailed 檢查是否為驗證失敗錯誤
func IsAuthFailed(err error) bool { return hasCode(err, ErrCodeAuthFailed) }

// IsBackendUnavailable 檢查是否為目錄服務不可用
func IsBackendUnavailable(err error) bool { return hasCode(err, ErrCodeBackendUnavailable) }

// IsProtocolError 檢查是否為協議錯誤
func IsProtocolError(err error) bool { return hasCode(err, ErrCodeProtocolError) }

// IsSocketFatal 檢查是否為 socket 致命錯誤
func IsSocketFatal(err error) bool { return hasCode(err, ErrCodeSocketFatal) }

// IsSlowConsumer 檢查是否為發送佇列已滿
func IsSlowConsumer(err error) bool { return hasCode(err, ErrCodeSlowConsumer) }
