package directory_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-relay-server/internal/directory"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingObserver struct {
	mu        sync.Mutex
	published map[directory.MessageType]int
	failed    map[directory.MessageType]int
	dropped   map[directory.MessageType]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		published: make(map[directory.MessageType]int),
		failed:    make(map[directory.MessageType]int),
		dropped:   make(map[directory.MessageType]int),
	}
}

func (o *countingObserver) Published(t directory.MessageType) {
	o.mu.Lock()
	o.published[t]++
	o.mu.Unlock()
}

func (o *countingObserver) Failed(t directory.MessageType) {
	o.mu.Lock()
	o.failed[t]++
	o.mu.Unlock()
}

func (o *countingObserver) Dropped(t directory.MessageType) {
	o.mu.Lock()
	o.dropped[t]++
	o.mu.Unlock()
}

func (o *countingObserver) counts(t directory.MessageType) (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.published[t], o.failed[t], o.dropped[t]
}

// flakyStore 前 failures 次 RegisterRoom 失敗
type flakyStore struct {
	*directory.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (s *flakyStore) RegisterRoom(ctx context.Context, rec directory.RoomRecord) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return s.err
	}
	return s.MemoryStore.RegisterRoom(ctx, rec)
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingStore 每次 RegisterServer 都等到 release 關閉
type blockingStore struct {
	*directory.MemoryStore
	release chan struct{}
}

func (s *blockingStore) RegisterServer(ctx context.Context, rec directory.ServerRecord) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return apperrors.ErrBackendUnavailable.WithCause(ctx.Err())
	}
	return s.MemoryStore.RegisterServer(ctx, rec)
}

func TestPublisher_PublishesInOrder(t *testing.T) {
	store := directory.NewMemoryStore()
	p := directory.NewPublisher(store, directory.PublisherOptions{Logger: testLogger})
	p.Start()

	server := directory.ServerRecord{Host: "relay-1", Port: 4000, ServerID: 1 << 16}
	room := directory.RoomRecord{RoomID: 1<<16 | 1, MaxUser: 4, Server: server}

	p.RegisterServer(server)
	p.RegisterRoom(room)
	p.UnregisterRoom(room)
	p.UnregisterServer(server)

	require.NoError(t, p.Close(context.Background()))

	history := store.History()
	require.Len(t, history, 4)
	assert.Equal(t, directory.RegisterServerMessage, history[0].Type)
	assert.Equal(t, directory.RegisterRoomMessage, history[1].Type)
	assert.Equal(t, directory.UnregisterRoomMessage, history[2].Type)
	assert.Equal(t, directory.UnregisterServerMessage, history[3].Type)
	assert.Empty(t, store.Rooms())
	assert.Empty(t, store.Servers())
}

func TestPublisher_RetriesBackendUnavailable(t *testing.T) {
	store := &flakyStore{
		MemoryStore: directory.NewMemoryStore(),
		failures:    2,
		err:         apperrors.ErrBackendUnavailable.WithDetails("test"),
	}
	obs := newCountingObserver()
	p := directory.NewPublisher(store, directory.PublisherOptions{
		Logger:          testLogger,
		Observer:        obs,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
	})
	p.Start()

	p.RegisterRoom(directory.RoomRecord{RoomID: 7})
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, 3, store.callCount())
	published, failed, _ := obs.counts(directory.RegisterRoomMessage)
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, failed)
	assert.Contains(t, store.Rooms(), uint32(7))
}

func TestPublisher_GivesUpAfterMaxRetries(t *testing.T) {
	store := &flakyStore{
		MemoryStore: directory.NewMemoryStore(),
		failures:    100,
		err:         apperrors.ErrBackendUnavailable,
	}
	obs := newCountingObserver()
	p := directory.NewPublisher(store, directory.PublisherOptions{
		Logger:          testLogger,
		Observer:        obs,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
	})
	p.Start()

	p.RegisterRoom(directory.RoomRecord{RoomID: 7})
	require.NoError(t, p.Close(context.Background()))

	// 第一次 + 2 次重試
	assert.Equal(t, 3, store.callCount())
	_, failed, _ := obs.counts(directory.RegisterRoomMessage)
	assert.Equal(t, 1, failed)
}

func TestPublisher_PermanentErrorIsNotRetried(t *testing.T) {
	store := &flakyStore{
		MemoryStore: directory.NewMemoryStore(),
		failures:    100,
		err:         errors.New("encode failure"),
	}
	obs := newCountingObserver()
	p := directory.NewPublisher(store, directory.PublisherOptions{
		Logger: testLogger, Observer: obs, MaxRetries: 5, InitialInterval: time.Millisecond,
	})
	p.Start()

	p.RegisterRoom(directory.RoomRecord{RoomID: 7})
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, 1, store.callCount())
}

func TestPublisher_FullQueueDrops(t *testing.T) {
	store := &blockingStore{MemoryStore: directory.NewMemoryStore(), release: make(chan struct{})}
	obs := newCountingObserver()
	p := directory.NewPublisher(store, directory.PublisherOptions{
		Logger: testLogger, Observer: obs, QueueSize: 2, Timeout: 5 * time.Second,
	})
	// 還沒 Start，佇列只會累積
	for i := 0; i < 5; i++ {
		p.RegisterServer(directory.ServerRecord{ServerID: uint32(i)})
	}

	_, _, dropped := obs.counts(directory.RegisterServerMessage)
	assert.Equal(t, 3, dropped)

	p.Start()
	close(store.release)
	require.NoError(t, p.Close(context.Background()))

	published, _, _ := obs.counts(directory.RegisterServerMessage)
	assert.Equal(t, 2, published)
}

func TestPublisher_CloseHonoursDeadline(t *testing.T) {
	store := &blockingStore{MemoryStore: directory.NewMemoryStore(), release: make(chan struct{})}
	p := directory.NewPublisher(store, directory.PublisherOptions{
		Logger: testLogger, Timeout: time.Minute,
	})
	p.Start()
	p.RegisterServer(directory.ServerRecord{ServerID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	// 關閉後的事件直接丟棄
	p.RegisterServer(directory.ServerRecord{ServerID: 2})
	assert.Empty(t, store.Servers())
}

func TestGenerateServerID_Retries(t *testing.T) {
	store := directory.NewMemoryStore()
	store.SetFailing(true)

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.SetFailing(false)
	}()

	id, err := directory.GenerateServerID(context.Background(), store, 20, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	assert.Greater(t, store.Attempts(), 1)
}

func TestGenerateServerID_GivesUp(t *testing.T) {
	store := directory.NewMemoryStore()
	store.SetFailing(true)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := directory.GenerateServerID(ctx, store, 1, testLogger)
	assert.True(t, apperrors.IsBackendUnavailable(err))
}
