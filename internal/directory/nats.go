package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig NATS 目錄設定
type NATSConfig struct {
	URL            string
	SubjectServers string
	SubjectRooms   string
	Bucket         string
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.SubjectServers == "" {
		c.SubjectServers = "relay.servers"
	}
	if c.SubjectRooms == "" {
		c.SubjectRooms = "relay.rooms"
	}
	if c.Bucket == "" {
		c.Bucket = "relay_directory"
	}
	return c
}

// NATSStore 以 NATS subject 發布紀錄
//
// 系統設計考量：
//
//  1. 發布：core NATS publish + Flush
//     - 目錄事件是「最新狀態」語意，訂閱端錯過一次會在下次週期註冊補上
//     - Flush 做一次往返，讓斷線能以 BackendUnavailable 回報
//
//  2. 伺服器 id：JetStream KV 的 revision
//     - 同一個 key 每次 Put 都會得到嚴格遞增的 revision
//     - 相當於 Redis 的 INCR，多台伺服器同時啟動也不會拿到相同 id
type NATSStore struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	kv   nats.KeyValue
	cfg  NATSConfig
}

// NewNATSStore 連線 NATS
func NewNATSStore(cfg NATSConfig) (*NATSStore, error) {
	cfg = cfg.withDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("relay-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, unavailable("nats", fmt.Errorf("connect %s: %w", cfg.URL, err))
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, unavailable("nats", fmt.Errorf("jetstream: %w", err))
	}

	return &NATSStore{conn: conn, js: js, cfg: cfg}, nil
}

// keyValue 取得或建立 KV bucket，JetStream API 請求跟著 ctx 取消
func (s *NATSStore) keyValue(ctx context.Context) (nats.KeyValue, error) {
	if s.kv != nil {
		return s.kv, nil
	}
	js, err := s.conn.JetStream(nats.Context(ctx))
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(s.cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  s.cfg.Bucket,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return nil, err
	}
	s.kv = kv
	return kv, nil
}

func (s *NATSStore) GenerateServerID(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := s.keyValue(ctx); err != nil {
		return 0, unavailable("nats", err)
	}
	// 寫入 KV key 的 subject（與 kv.Put 相同），發布帶 ctx 才能在啟動時中止
	value := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	ack, err := s.js.Publish("$KV."+s.cfg.Bucket+".server_id", value, nats.Context(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, unavailable("nats", err)
	}
	return uint32(ack.Sequence), nil
}

func (s *NATSStore) publish(ctx context.Context, subject string, t MessageType, record any) error {
	msg, err := Encode(t, record)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(subject, msg); err != nil {
		return unavailable("nats", err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return unavailable("nats", err)
	}
	return nil
}

func (s *NATSStore) RegisterServer(ctx context.Context, rec ServerRecord) error {
	return s.publish(ctx, s.cfg.SubjectServers, RegisterServerMessage, rec)
}

func (s *NATSStore) UnregisterServer(ctx context.Context, rec ServerRecord) error {
	return s.publish(ctx, s.cfg.SubjectServers, UnregisterServerMessage, rec)
}

func (s *NATSStore) RegisterRoom(ctx context.Context, rec RoomRecord) error {
	return s.publish(ctx, s.cfg.SubjectRooms, RegisterRoomMessage, rec)
}

func (s *NATSStore) UnregisterRoom(ctx context.Context, rec RoomRecord) error {
	return s.publish(ctx, s.cfg.SubjectRooms, UnregisterRoomMessage, rec)
}

// Conn 底層連線（測試訂閱使用）
func (s *NATSStore) Conn() *nats.Conn {
	return s.conn
}

func (s *NATSStore) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
