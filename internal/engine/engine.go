// Package engine 中繼伺服器核心：接受連線、路由訊框、驅動房間維護
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-relay-server/internal/config"
	"github.com/koopa0/system-design/14-relay-server/internal/directory"
	"github.com/koopa0/system-design/14-relay-server/internal/idpool"
	"github.com/koopa0/system-design/14-relay-server/internal/metrics"
	"github.com/koopa0/system-design/14-relay-server/internal/room"
	"github.com/koopa0/system-design/14-relay-server/internal/session"
	"github.com/koopa0/system-design/14-relay-server/internal/transport"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// 系統設計問題：
//   一個行程同時服務上千條連線與上百個房間，如何在不鎖住熱路徑的前提下，
//   保證每個房間的狀態只被一個執行緒修改？
//
// 核心挑戰：
//   1. 路由：訊框進來時只有連線識別碼，要找到它所屬的房間與客戶端
//   2. 並發：房間狀態（registry、host、IdPool）不能被同時修改
//   3. 部分失敗：單一連線的協定錯誤、目錄服務斷線，都不能影響其他房間
//   4. 關閉：要盡力送完佇列、歸還識別碼、發出註銷事件
//
// 設計方案：
//   ✅ 單一 loop goroutine - 獨佔 連線 → 房間 路由表與房間 id 池，不需要鎖
//   ✅ 固定 worker pool - 房間依 roomID mod workerCount 固定在一個 worker 上
//   ✅ 每條連線一個 reader - 握手、限速、解析都在 reader 完成，錯誤只拆除該連線
//   ✅ 非阻塞發布 - 目錄事件交給 Publisher，失敗只記錄

// Config 引擎參數
type Config struct {
	Host             string
	APIPort          int
	WorkerCount      int
	HandshakeTimeout time.Duration
	SendQueueSize    int
	FrameRate        float64
	FrameBurst       int

	RoomTickInterval     time.Duration
	ServerUpdateInterval time.Duration
	ServerIDRetries      uint64
	ShutdownTimeout      time.Duration

	MinUsers          int
	MaxUsers          int
	InactivityTimeout time.Duration
	DrainTimeout      time.Duration
	RPCBufferLimit    int
	PasswordCost      int
}

// ConfigFrom 從應用設定轉換
func ConfigFrom(cfg *config.Config) Config {
	apiPort := 0
	if _, port, err := net.SplitHostPort(cfg.Server.APIAddr); err == nil {
		apiPort, _ = strconv.Atoi(port)
	}
	return Config{
		Host:                 cfg.Server.Host,
		APIPort:              apiPort,
		WorkerCount:          cfg.Server.WorkerCount,
		HandshakeTimeout:     cfg.Server.HandshakeTimeout,
		SendQueueSize:        cfg.Server.SendQueueSize,
		FrameRate:            cfg.Server.FrameRate,
		FrameBurst:           cfg.Server.FrameBurst,
		RoomTickInterval:     cfg.Room.TickInterval,
		ServerUpdateInterval: cfg.Directory.ServerUpdateInterval,
		ServerIDRetries:      cfg.Directory.MaxRetries,
		ShutdownTimeout:      10 * time.Second,
		MinUsers:             cfg.Room.MinUsers,
		MaxUsers:             cfg.Room.MaxUsers,
		InactivityTimeout:    cfg.Room.InactivityTimeout,
		DrainTimeout:         cfg.Room.DrainTimeout,
		RPCBufferLimit:       cfg.Room.RPCBufferLimit,
		PasswordCost:         cfg.Room.PasswordCost,
	}
}

func (c *Config) setDefaults() {
	if c.WorkerCount < 1 {
		c.WorkerCount = 1
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 200
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 400
	}
	if c.RoomTickInterval <= 0 {
		c.RoomTickInterval = time.Second
	}
	if c.ServerUpdateInterval <= 0 {
		c.ServerUpdateInterval = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxUsers <= 0 || c.MaxUsers > idpool.Universe {
		c.MaxUsers = idpool.Universe
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 3 * time.Minute
	}
	if c.PasswordCost == 0 {
		c.PasswordCost = 10
	}
}

// Deps 引擎依賴
type Deps struct {
	Store      directory.Store
	Publisher  *directory.Publisher
	Listeners  []transport.Listener
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *slog.Logger
	RoomLogger *slog.Logger
}

// Engine 中繼引擎
type Engine struct {
	cfg        Config
	store      directory.Store
	publisher  *directory.Publisher
	listeners  []transport.Listener
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger
	roomLogger *slog.Logger

	workers []*worker
	events  chan event
	notify  chan notice
	quit    chan struct{}

	// 以下只由 loop goroutine 存取
	bindings map[session.ConnID]binding
	rooms    map[uint32]*worker
	roomIDs  *idpool.Pool

	serverPrefix uint32
	server       directory.ServerRecord
	serverID     atomic.Uint32

	nextConnID  atomic.Uint64
	connections atomic.Int64
	readers     sync.WaitGroup
	started     atomic.Bool
	createdAt   time.Time

	ready    chan struct{}
	loopDone chan struct{}
	done     chan struct{}
}

// New 創建引擎
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.setDefaults()
	if deps.Store == nil {
		return nil, errors.New("engine: directory store is required")
	}
	if len(deps.Listeners) == 0 {
		return nil, errors.New("engine: at least one listener is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RoomLogger == nil {
		deps.RoomLogger = deps.Logger
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Publisher == nil {
		deps.Publisher = directory.NewPublisher(deps.Store, directory.PublisherOptions{
			Logger:   deps.Logger,
			Observer: deps.Metrics,
		})
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		publisher:  deps.Publisher,
		listeners:  deps.Listeners,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		logger:     deps.Logger,
		roomLogger: deps.RoomLogger,
		events:     make(chan event, 1024),
		notify:     make(chan notice, 1024),
		quit:       make(chan struct{}),
		bindings:   make(map[session.ConnID]binding),
		rooms:      make(map[uint32]*worker),
		roomIDs:    idpool.New(),
		ready:      make(chan struct{}),
		loopDone:   make(chan struct{}),
		done:       make(chan struct{}),
		createdAt:  deps.Clock.Now(),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		e.workers = append(e.workers, newWorker(i, e))
	}
	return e, nil
}

// Run 啟動引擎並阻塞到 ctx 結束或 socket 發生致命錯誤
//
// 回傳前完成關閉流程：停止接受連線 → 關閉所有房間（發出房間註銷）→
// 發出伺服器註銷 → 關閉監聽器 → 在 ShutdownTimeout 內送完目錄佇列。
func (e *Engine) Run(ctx context.Context) error {
	if e.started.Swap(true) {
		return errors.New("engine: already running")
	}
	defer close(e.done)

	e.initServer(ctx)
	e.publisher.Start()
	e.publisher.RegisterServer(e.server)

	var workers sync.WaitGroup
	for _, w := range e.workers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.run()
		}()
	}
	go e.loop()

	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range e.listeners {
		g.Go(func() error {
			return e.acceptLoop(gctx, connCtx, l)
		})
	}

	e.logger.Info("中繼引擎啟動",
		"server_id", e.server.ServerID,
		"workers", len(e.workers),
		"listeners", len(e.listeners))

	<-gctx.Done()
	e.logger.Info("開始關閉中繼引擎")

	// Accept 隨 gctx 結束；監聽器等會話送完最後的訊框再關閉
	runErr := g.Wait()

	// reader 結束後不會再有新的事件
	cancelConns()
	e.readers.Wait()

	close(e.quit)
	<-e.loopDone
	workers.Wait()

	// QUIC 監聽器關閉時等已接受的連線收尾，再釋放 UDP socket
	for _, l := range e.listeners {
		if err := l.Close(); err != nil {
			e.logger.Warn("關閉監聽器失敗", "addr", l.Addr().String(), "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := e.publisher.Close(shutdownCtx); err != nil {
		e.logger.Warn("目錄事件未完全送出", "error", err)
	}

	e.logger.Info("中繼引擎已關閉")
	return runErr
}

// initServer 取得伺服器 id 並建立伺服器紀錄
func (e *Engine) initServer(ctx context.Context) {
	id, err := directory.GenerateServerID(ctx, e.store, e.cfg.ServerIDRetries, e.logger)
	if err != nil {
		id = uint32(rand.N(1 << 16))
		e.logger.Warn("無法從目錄取得伺服器 id，改用隨機前綴",
			"server_id", id,
			"error", err)
	}
	if id > 0xFFFF {
		// 計數器超過 16 位元後前綴會繞回，可能與仍在運行的舊伺服器相同
		e.logger.Warn("伺服器 id 超過 16 位元，房間 id 前綴繞回",
			"server_id", id,
			"prefix", id&0xFFFF)
	}
	e.serverPrefix = (id & 0xFFFF) << 16

	port := 0
	if addr, ok := e.listeners[0].Addr().(*net.UDPAddr); ok {
		port = addr.Port
	} else if _, p, err := net.SplitHostPort(e.listeners[0].Addr().String()); err == nil {
		port, _ = strconv.Atoi(p)
	}

	token := uuid.New()
	e.server = directory.ServerRecord{
		Host:     e.cfg.Host,
		Port:     port,
		ServerID: e.serverPrefix,
		Token:    token[:],
		APIPort:  e.cfg.APIPort,
	}
	e.serverID.Store(e.serverPrefix)
}

// acceptLoop 接受連線，非關閉造成的錯誤視為致命
func (e *Engine) acceptLoop(ctx, connCtx context.Context, l transport.Listener) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			e.logger.Error("監聽器發生致命錯誤", "addr", l.Addr().String(), "error", err)
			return apperrors.ErrSocketFatal.WithDetails(l.Addr().String()).WithCause(err)
		}

		e.readers.Add(1)
		e.connections.Add(1)
		go func() {
			defer e.readers.Done()
			defer e.connections.Add(-1)
			e.serveConn(connCtx, conn)
		}()
	}
}

// ServerID 伺服器 id（房間 id 的高 16 位元）
func (e *Engine) ServerID() uint32 {
	return e.serverID.Load()
}

// workerFor 房間所屬的 worker
func (e *Engine) workerFor(roomID uint32) *worker {
	return e.workers[int(roomID%uint32(len(e.workers)))]
}

// roomRecord 房間的目錄紀錄
func (e *Engine) roomRecord(r *room.Room) directory.RoomRecord {
	cfg := r.Config()
	return directory.RoomRecord{
		RoomID:          cfg.RoomID,
		RequirePassword: cfg.RequirePassword(),
		MaxUser:         cfg.MaxUser,
		ConnectedUser:   r.Count(),
		Server:          e.server,
		ApplicationName: cfg.ApplicationName,
		Version:         cfg.Version,
		Information:     cfg.Information,
	}
}

// Stats 引擎統計
type Stats struct {
	ServerID    uint32         `json:"server_id"`
	Rooms       int            `json:"total_rooms"`
	Sessions    int            `json:"total_sessions"`
	Connections int64          `json:"connections"`
	Workers     int            `json:"workers"`
	ByState     map[string]int `json:"by_state"`
	Uptime      string         `json:"uptime"`
}

// Snapshot 所有房間的快照，依房間 id 排序
func (e *Engine) Snapshot(ctx context.Context) ([]room.Snapshot, error) {
	var all []room.Snapshot
	for _, w := range e.workers {
		snaps, err := w.query(ctx, 0, false)
		if err != nil {
			return nil, err
		}
		all = append(all, snaps...)
	}
	sortSnapshots(all)
	return all, nil
}

// Room 單一房間快照
func (e *Engine) Room(ctx context.Context, roomID uint32) (room.Snapshot, error) {
	snaps, err := e.workerFor(roomID).query(ctx, roomID, true)
	if err != nil {
		return room.Snapshot{}, err
	}
	if len(snaps) == 0 {
		return room.Snapshot{}, apperrors.ErrRoomNotFound.WithDetails(fmt.Sprintf("room %d", roomID))
	}
	return snaps[0], nil
}

// Stats 統計資訊
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	snaps, err := e.Snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ServerID:    e.serverID.Load(),
		Rooms:       len(snaps),
		Connections: e.connections.Load(),
		Workers:     len(e.workers),
		ByState:     make(map[string]int),
		Uptime:      e.clock.Since(e.createdAt).Truncate(time.Second).String(),
	}
	for _, s := range snaps {
		stats.Sessions += len(s.Members)
		stats.ByState[s.State.String()]++
	}
	return stats, nil
}

// Ready 開始處理事件後關閉
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Done Run 結束後關閉
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
