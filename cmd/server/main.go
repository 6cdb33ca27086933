// Command server 遊戲中繼伺服器
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/koopa0/system-design/14-relay-server/internal/config"
	"github.com/koopa0/system-design/14-relay-server/internal/logger"
)

// flags 命令列參數，非空時覆蓋設定檔
type flags struct {
	configPath string
	quicAddr   string
	wsAddr     string
	apiAddr    string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "relay-server",
		Short: "遊戲中繼伺服器",
		Long: `relay-server 在單一 UDP 端點上以 QUIC 接受遊戲客戶端，
依房間轉發中繼訊框，並把伺服器與房間狀態發布到目錄服務（memory / redis / nats）。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "設定檔路徑 (YAML)")
	cmd.Flags().StringVar(&f.quicAddr, "quic-addr", "", "QUIC 監聽位址")
	cmd.Flags().StringVar(&f.wsAddr, "ws-addr", "", "WebSocket 監聽位址")
	cmd.Flags().StringVar(&f.apiAddr, "api-addr", "", "管理 API 位址")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "日誌級別 (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "日誌格式 (text, json)")

	return cmd
}

// loadConfig 讀取設定檔並套用命令列覆蓋
func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if f.quicAddr != "" {
		cfg.Server.QUICAddr = f.quicAddr
	}
	if f.wsAddr != "" {
		cfg.Server.WebSocketAddr = f.wsAddr
	}
	if f.apiAddr != "" {
		cfg.Server.APIAddr = f.apiAddr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run 啟動後阻塞到收到信號或引擎異常結束
func run(cfg *config.Config) error {
	var factory *logger.Factory
	app := fx.New(
		appOptions(cfg),
		fx.Populate(&factory),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	log := factory.Root()
	log.Info("中繼伺服器啟動",
		"quic_addr", cfg.Server.QUICAddr,
		"websocket_addr", cfg.Server.WebSocketAddr,
		"api_addr", cfg.Server.APIAddr,
		"directory", cfg.Directory.Backend)

	// 等待中斷信號（SIGINT/SIGTERM）或 Shutdowner
	sig := <-app.Wait()
	log.Info("收到關閉信號，開始優雅關閉...", "signal", sig.Signal, "exit_code", sig.ExitCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
		return err
	}

	log.Info("服務器已關閉")
	if sig.ExitCode != 0 {
		return fmt.Errorf("exited with code %d", sig.ExitCode)
	}
	return nil
}
