package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// Observer 發布結果的觀察者（指標）
type Observer interface {
	Published(t MessageType)
	Failed(t MessageType)
	Dropped(t MessageType)
}

type nopObserver struct{}

func (nopObserver) Published(MessageType) {}
func (nopObserver) Failed(MessageType)    {}
func (nopObserver) Dropped(MessageType)   {}

// PublisherOptions 發布器參數
type PublisherOptions struct {
	QueueSize       int
	MaxRetries      uint64
	InitialInterval time.Duration
	Timeout         time.Duration // 單次嘗試逾時
	Logger          *slog.Logger
	Observer        Observer
}

type publishJob struct {
	kind   MessageType
	server ServerRecord
	room   RoomRecord
}

// Publisher 非阻塞、盡力而為的目錄發布器
//
// 系統設計考量：
//
//  1. 絕不阻塞中繼：
//     - 呼叫端只把工作放進有界佇列，佇列滿時直接丟棄並記錄
//     - 目錄事件是週期性重送的「最新狀態」，丟一筆會在下次 tick 補上
//
//  2. 有界重試：
//     - 指數退避，最多 MaxRetries 次
//     - 全部失敗就記錄 BackendUnavailable 並放棄，不回報給任何客戶端
//
//  3. 單一 goroutine 消化佇列：
//     - 同一房間的 register/unregister 依序送出，不會被重排
type Publisher struct {
	store    Store
	queue    chan publishJob
	opts     PublisherOptions
	logger   *slog.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewPublisher 創建發布器
func NewPublisher(store Store, opts PublisherOptions) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		store:    store,
		queue:    make(chan publishJob, opts.QueueSize),
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start 啟動背景發布 goroutine
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.run()
}

// RegisterServer 排入伺服器註冊
func (p *Publisher) RegisterServer(rec ServerRecord) {
	p.enqueue(publishJob{kind: RegisterServerMessage, server: rec})
}

// UnregisterServer 排入伺服器註銷
func (p *Publisher) UnregisterServer(rec ServerRecord) {
	p.enqueue(publishJob{kind: UnregisterServerMessage, server: rec})
}

// RegisterRoom 排入房間註冊
func (p *Publisher) RegisterRoom(rec RoomRecord) {
	p.enqueue(publishJob{kind: RegisterRoomMessage, room: rec})
}

// UnregisterRoom 排入房間註銷
func (p *Publisher) UnregisterRoom(rec RoomRecord) {
	p.enqueue(publishJob{kind: UnregisterRoomMessage, room: rec})
}

func (p *Publisher) enqueue(job publishJob) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.observer.Dropped(job.kind)
		p.logger.Debug("發布器已關閉，丟棄事件", "type", job.kind.String())
		return
	}

	select {
	case p.queue <- job:
	default:
		p.observer.Dropped(job.kind)
		p.logger.Warn("發布佇列已滿，丟棄事件", "type", job.kind.String())
	}
}

// Close 停止接受新事件，並在 ctx 期限內送完佇列
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		// 放棄剩餘重試
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for job := range p.queue {
		p.publish(job)
	}
}

// publish 帶退避重試地送出一筆事件
func (p *Publisher) publish(job publishJob) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.opts.InitialInterval
	expo.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, p.opts.MaxRetries), p.ctx)

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.Timeout)
		defer cancel()

		err := p.dispatch(ctx, job)
		if err != nil && !apperrors.IsBackendUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, policy)
	if err == nil {
		p.observer.Published(job.kind)
		return
	}

	p.observer.Failed(job.kind)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	p.logger.Warn("目錄發布失敗",
		"type", job.kind.String(),
		"attempts", attempt,
		"error", err)
}

func (p *Publisher) dispatch(ctx context.Context, job publishJob) error {
	switch job.kind {
	case RegisterServerMessage:
		return p.store.RegisterServer(ctx, job.server)
	case UnregisterServerMessage:
		return p.store.UnregisterServer(ctx, job.server)
	case RegisterRoomMessage:
		return p.store.RegisterRoom(ctx, job.room)
	case UnregisterRoomMessage:
		return p.store.UnregisterRoom(ctx, job.room)
	default:
		return backoff.Permanent(errors.New("unknown message type"))
	}
}

// GenerateServerID 同步取得伺服器 id（啟動時呼叫），帶有限次重試
func GenerateServerID(ctx context.Context, store Store, maxRetries uint64, logger *slog.Logger) (uint32, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	var id uint32
	err := backoff.RetryNotify(func() error {
		var err error
		id, err = store.GenerateServerID(ctx)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx), func(err error, wait time.Duration) {
		logger.Warn("產生伺服器 id 失敗，稍後重試", "error", err, "wait", wait)
	})
	return id, err
}
