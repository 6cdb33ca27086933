package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig Redis 目錄設定
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	ServerIDKey    string
	ChannelServers string
	ChannelRooms   string
}

// RedisStore 以 Redis pub/sub 發布紀錄，以 INCR 產生伺服器 id
//
// 訊息格式：[message_type:1][msgpack record]
//   - 伺服器事件 → ChannelServers
//   - 房間事件 → ChannelRooms
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.ServerIDKey == "" {
		c.ServerIDKey = "server_id"
	}
	if c.ChannelServers == "" {
		c.ChannelServers = "channel_servers"
	}
	if c.ChannelRooms == "" {
		c.ChannelRooms = "channel_rooms"
	}
	return c
}

// NewRedisStore 連線並確認 Redis 可用
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg = cfg.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("redis", fmt.Errorf("ping %s: %w", cfg.Addr, err))
	}

	return &RedisStore{client: client, cfg: cfg}, nil
}

// NewRedisStoreFromClient 使用既有的 client（測試使用）
func NewRedisStoreFromClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	cfg = cfg.withDefaults()
	return &RedisStore{client: client, cfg: cfg}
}

func (s *RedisStore) GenerateServerID(ctx context.Context) (uint32, error) {
	n, err := s.client.Incr(ctx, s.cfg.ServerIDKey).Result()
	if err != nil {
		return 0, unavailable("redis", err)
	}
	return uint32(n), nil
}

func (s *RedisStore) publish(ctx context.Context, channel string, t MessageType, record any) error {
	msg, err := Encode(t, record)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, channel, msg).Err(); err != nil {
		return unavailable("redis", err)
	}
	return nil
}

func (s *RedisStore) RegisterServer(ctx context.Context, rec ServerRecord) error {
	return s.publish(ctx, s.cfg.ChannelServers, RegisterServerMessage, rec)
}

func (s *RedisStore) UnregisterServer(ctx context.Context, rec ServerRecord) error {
	return s.publish(ctx, s.cfg.ChannelServers, UnregisterServerMessage, rec)
}

func (s *RedisStore) RegisterRoom(ctx context.Context, rec RoomRecord) error {
	return s.publish(ctx, s.cfg.ChannelRooms, RegisterRoomMessage, rec)
}

func (s *RedisStore) UnregisterRoom(ctx context.Context, rec RoomRecord) error {
	return s.publish(ctx, s.cfg.ChannelRooms, UnregisterRoomMessage, rec)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
