package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/koopa0/system-design/14-relay-server/internal/api"
	"github.com/koopa0/system-design/14-relay-server/internal/config"
	"github.com/koopa0/system-design/14-relay-server/internal/directory"
	"github.com/koopa0/system-design/14-relay-server/internal/engine"
	"github.com/koopa0/system-design/14-relay-server/internal/logger"
	"github.com/koopa0/system-design/14-relay-server/internal/metrics"
	"github.com/koopa0/system-design/14-relay-server/internal/transport"
)

// appOptions 組裝整個行程
//
// 依賴順序：config → logger → metrics → directory store → publisher →
// listeners → engine → HTTP API。fx 依相反順序呼叫 OnStop。
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLoggerFactory,
			metrics.New,
			newStore,
			newPublisher,
			newListeners,
			newEngine,
			newAPIServer,
		),
		fx.Invoke(registerEngine, registerAPI),
		fx.WithLogger(func(f *logger.Factory) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: f.Logger("fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
	)
}

func newLoggerFactory(cfg *config.Config) (*logger.Factory, error) {
	return logger.New(cfg.Log, os.Stdout)
}

// newStore 依 directory.backend 建立目錄後端
func newStore(lc fx.Lifecycle, cfg *config.Config, f *logger.Factory) (directory.Store, error) {
	log := f.Logger(logger.Directory)
	dc := cfg.Directory

	var (
		store directory.Store
		err   error
	)
	switch dc.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), dc.PublishTimeout)
		defer cancel()
		store, err = directory.NewRedisStore(ctx, directory.RedisConfig{
			Addr:           dc.Redis.Addr,
			Password:       dc.Redis.Password,
			DB:             dc.Redis.DB,
			ServerIDKey:    dc.Redis.ServerIDKey,
			ChannelServers: dc.Redis.ChannelServers,
			ChannelRooms:   dc.Redis.ChannelRooms,
		})
	case config.BackendNATS:
		store, err = directory.NewNATSStore(directory.NATSConfig{
			URL:            dc.NATS.URL,
			SubjectServers: dc.NATS.SubjectServers,
			SubjectRooms:   dc.NATS.SubjectRooms,
			Bucket:         dc.NATS.Bucket,
		})
	case config.BackendMemory:
		store = directory.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown directory backend %q", dc.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("目錄後端已連線", "backend", dc.Backend)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newPublisher(cfg *config.Config, store directory.Store, m *metrics.Metrics, f *logger.Factory) *directory.Publisher {
	return directory.NewPublisher(store, directory.PublisherOptions{
		QueueSize:  cfg.Directory.QueueSize,
		MaxRetries: cfg.Directory.MaxRetries,
		Timeout:    cfg.Directory.PublishTimeout,
		Logger:     f.Logger(logger.Directory),
		Observer:   m,
	})
}

// newListeners QUIC 一定啟用，WebSocket 視設定
//
// 監聽器由引擎在關閉時關閉；建立失敗時關閉已建立的部分。
func newListeners(cfg *config.Config, f *logger.Factory) ([]transport.Listener, error) {
	log := f.Logger(logger.Transport)
	sc := cfg.Server

	q, err := transport.ListenQUIC(transport.QUICConfig{
		Addr:            sc.QUICAddr,
		MaxIdleTimeout:  sc.MaxIdleTimeout,
		KeepAlivePeriod: sc.KeepAlivePeriod,
		CloseGrace:      sc.CloseGrace,
		CertFile:        sc.TLS.CertFile,
		KeyFile:         sc.TLS.KeyFile,
	}, log)
	if err != nil {
		return nil, err
	}
	listeners := []transport.Listener{q}

	if sc.WebSocketAddr != "" {
		ws, err := transport.ListenWebSocket(transport.WebSocketConfig{
			Addr: sc.WebSocketAddr,
			Path: sc.WebSocketPath,
		}, log)
		if err != nil {
			_ = q.Close()
			return nil, err
		}
		listeners = append(listeners, ws)
	}
	return listeners, nil
}

func newEngine(
	cfg *config.Config,
	store directory.Store,
	pub *directory.Publisher,
	listeners []transport.Listener,
	m *metrics.Metrics,
	f *logger.Factory,
) (*engine.Engine, error) {
	return engine.New(engine.ConfigFrom(cfg), engine.Deps{
		Store:      store,
		Publisher:  pub,
		Listeners:  listeners,
		Metrics:    m,
		Logger:     f.Logger(logger.Engine),
		RoomLogger: f.Logger(logger.Room),
	})
}

func newAPIServer(cfg *config.Config, eng *engine.Engine, m *metrics.Metrics, f *logger.Factory) *http.Server {
	handler := api.NewHandler(eng, m.Handler(), f.Logger(logger.API))
	return &http.Server{
		Addr:         cfg.Server.APIAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// registerEngine 引擎在背景執行；Run 因致命錯誤返回時整個行程跟著關閉
func registerEngine(lc fx.Lifecycle, sd fx.Shutdowner, eng *engine.Engine, f *logger.Factory) {
	log := f.Logger(logger.Engine)
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := eng.Run(ctx); err != nil {
					log.Error("中繼引擎異常結束", "error", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-eng.Done():
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func registerAPI(lc fx.Lifecycle, sd fx.Shutdowner, srv *http.Server, f *logger.Factory) {
	log := f.Logger(logger.API)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen api: %w", err)
			}
			log.Info("管理 API 啟動", "addr", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("管理 API 失敗", "error", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
