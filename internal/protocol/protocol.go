// Package protocol 定義客戶端與中繼伺服器之間的訊框格式
//
// 連線建立後的第一個訊框是 msgpack 編碼的加入請求，伺服器回覆加入結果。
// 之後的訊框都是中繼訊框：
//
//	上行（客戶端 → 伺服器）：
//	  [target:1][message_type:1][payload...]
//	  [target=Client:1][client_id:2 LE][message_type:1][payload...]
//
//	下行（伺服器 → 客戶端）：
//	  [sender_id:2 LE][message_type:1][payload...]
//
// message_type 0xF0 以上保留給伺服器通知，客戶端送出視為協議錯誤。
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/koopa0/system-design/14-relay-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// Target 中繼目標
type Target byte

const (
	TargetOthers         Target = iota // 房間內除了發送者以外的所有人（廣播）
	TargetAll                          // 包含發送者
	TargetHost                         // 只送給房主
	TargetClient                       // 指定 clientID
	TargetOthersBuffered               // 同 Others，並保留給之後加入的成員
	TargetAllBuffered                  // 同 All，並保留給之後加入的成員
	targetCount
)

var targetNames = [...]string{"others", "all", "host", "client", "others_buffered", "all_buffered"}

func (t Target) String() string {
	if t < targetCount {
		return targetNames[t]
	}
	return fmt.Sprintf("target(%d)", byte(t))
}

// Buffered 是否保留給之後加入的成員
func (t Target) Buffered() bool {
	return t == TargetOthersBuffered || t == TargetAllBuffered
}

// IncludesSender 是否也送回給發送者
func (t Target) IncludesSender() bool {
	return t == TargetAll || t == TargetAllBuffered
}

// 伺服器通知類型
const (
	SystemTypeFloor byte = 0xF0

	TypeNewConnect  byte = 0xF0 // sender 為新加入的成員
	TypeExitConnect byte = 0xF1 // sender 為離開的成員
	TypeMigrateHost byte = 0xF2 // sender 為新房主
)

const (
	outboundHeader = 3
	// MaxPayload 單一中繼訊框的最大負載（下行加上標頭後仍在訊框上限內）
	MaxPayload = transport.MaxFrameSize - outboundHeader
)

// Inbound 解析後的上行中繼訊框
type Inbound struct {
	Target   Target
	ClientID uint16 // 只在 TargetClient 時有效
	Type     byte
	Payload  []byte
}

// ParseInbound 解析上行中繼訊框
func ParseInbound(frame []byte) (Inbound, error) {
	if len(frame) < 2 {
		return Inbound{}, apperrors.ErrProtocol.WithDetails("frame too short")
	}

	in := Inbound{Target: Target(frame[0])}
	if in.Target >= targetCount {
		return Inbound{}, apperrors.ErrProtocol.WithDetails(fmt.Sprintf("unknown target %d", frame[0]))
	}

	rest := frame[1:]
	if in.Target == TargetClient {
		if len(rest) < 3 {
			return Inbound{}, apperrors.ErrProtocol.WithDetails("client target without id")
		}
		in.ClientID = binary.LittleEndian.Uint16(rest)
		rest = rest[2:]
	}

	in.Type = rest[0]
	if in.Type >= SystemTypeFloor {
		return Inbound{}, apperrors.ErrProtocol.WithDetails(fmt.Sprintf("reserved message type 0x%02x", in.Type))
	}
	in.Payload = rest[1:]
	if len(in.Payload) > MaxPayload {
		return Inbound{}, apperrors.ErrProtocol.WithDetails("payload too large")
	}
	return in, nil
}

// EncodeInbound 編碼上行中繼訊框（客戶端使用）
func EncodeInbound(in Inbound) []byte {
	size := 2 + len(in.Payload)
	if in.Target == TargetClient {
		size += 2
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(in.Target))
	if in.Target == TargetClient {
		buf = binary.LittleEndian.AppendUint16(buf, in.ClientID)
	}
	buf = append(buf, in.Type)
	return append(buf, in.Payload...)
}

// EncodeOutbound 編碼下行中繼訊框
func EncodeOutbound(sender uint16, msgType byte, payload []byte) []byte {
	buf := make([]byte, outboundHeader+len(payload))
	binary.LittleEndian.PutUint16(buf, sender)
	buf[2] = msgType
	copy(buf[outboundHeader:], payload)
	return buf
}

// Outbound 解析後的下行中繼訊框
type Outbound struct {
	Sender  uint16
	Type    byte
	Payload []byte
}

// IsSystem 是否為伺服器通知
func (o Outbound) IsSystem() bool {
	return o.Type >= SystemTypeFloor
}

// ParseOutbound 解析下行中繼訊框（客戶端使用）
func ParseOutbound(frame []byte) (Outbound, error) {
	if len(frame) < outboundHeader {
		return Outbound{}, apperrors.ErrProtocol.WithDetails("frame too short")
	}
	return Outbound{
		Sender:  binary.LittleEndian.Uint16(frame),
		Type:    frame[2],
		Payload: frame[outboundHeader:],
	}, nil
}

// SystemFrame 伺服器通知訊框，subject 放在 sender 欄位
func SystemFrame(msgType byte, subject uint16) []byte {
	return EncodeOutbound(subject, msgType, nil)
}
