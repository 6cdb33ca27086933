package directory

import (
	"context"
	"errors"
	"sync"
)

// Published 記憶體目錄收到的一筆發布
type Published struct {
	Type   MessageType
	Server ServerRecord
	Room   RoomRecord
}

// MemoryStore 單機部署與測試用的目錄
//
// 保留目前已註冊的伺服器與房間，也記錄完整的發布歷史。
// SetFailing 可以模擬後端不可用。
type MemoryStore struct {
	mu       sync.Mutex
	nextID   uint32
	servers  map[uint32]ServerRecord
	rooms    map[uint32]RoomRecord
	history  []Published
	failing  bool
	closed   bool
	attempts int
}

// NewMemoryStore 創建記憶體目錄
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers: make(map[uint32]ServerRecord),
		rooms:   make(map[uint32]RoomRecord),
	}
}

var errMemoryFailing = errors.New("memory store set to fail")

// SetFailing 設定是否模擬後端失敗
func (m *MemoryStore) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// SetLastServerID 設定計數器目前的值，下一次 GenerateServerID 回傳 last+1
func (m *MemoryStore) SetLastServerID(last uint32) {
	m.mu.Lock()
	m.nextID = last
	m.mu.Unlock()
}

func (m *MemoryStore) check() error {
	m.attempts++
	if m.closed {
		return unavailable("memory", errors.New("store closed"))
	}
	if m.failing {
		return unavailable("memory", errMemoryFailing)
	}
	return nil
}

func (m *MemoryStore) GenerateServerID(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryStore) RegisterServer(ctx context.Context, rec ServerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.servers[rec.ServerID] = rec
	m.history = append(m.history, Published{Type: RegisterServerMessage, Server: rec})
	return nil
}

func (m *MemoryStore) UnregisterServer(ctx context.Context, rec ServerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.servers, rec.ServerID)
	m.history = append(m.history, Published{Type: UnregisterServerMessage, Server: rec})
	return nil
}

func (m *MemoryStore) RegisterRoom(ctx context.Context, rec RoomRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.rooms[rec.RoomID] = rec
	m.history = append(m.history, Published{Type: RegisterRoomMessage, Room: rec})
	return nil
}

func (m *MemoryStore) UnregisterRoom(ctx context.Context, rec RoomRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.rooms, rec.RoomID)
	m.history = append(m.history, Published{Type: UnregisterRoomMessage, Room: rec})
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Rooms 目前已註冊的房間
func (m *MemoryStore) Rooms() map[uint32]RoomRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]RoomRecord, len(m.rooms))
	for k, v := range m.rooms {
		out[k] = v
	}
	return out
}

// Servers 目前已註冊的伺服器
func (m *MemoryStore) Servers() map[uint32]ServerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]ServerRecord, len(m.servers))
	for k, v := range m.servers {
		out[k] = v
	}
	return out
}

// History 依序的發布紀錄
func (m *MemoryStore) History() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.history...)
}

// Attempts 所有方法被呼叫的次數（包含失敗）
func (m *MemoryStore) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
