// Package logger 建立中繼伺服器的 slog Logger
//
// 每個子系統（engine、room、directory、transport、api）拿到自己的 Logger，
// 日誌級別可以個別設定。
//
// 級別來源（後者覆蓋前者）：
//
//  1. 設定檔 log.level 與 log.subsystems
//  2. 環境變數 RELAY_LOG_LEVEL，格式為 子系統=級別,...,預設級別
//
// 範例：
//
//	RELAY_LOG_LEVEL=engine=debug,directory=warn,info
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/koopa0/system-design/14-relay-server/internal/config"
)

// EnvLevel 環境變數名稱
const EnvLevel = "RELAY_LOG_LEVEL"

// 子系統名稱
const (
	Engine    = "engine"
	Room      = "room"
	Directory = "directory"
	Transport = "transport"
	API       = "api"
)

// Factory 依子系統產生 Logger
type Factory struct {
	out       io.Writer
	json      bool
	addSource bool

	defaultLevel slog.Level
	overrides    map[string]slog.Level

	mu      sync.Mutex
	levels  map[string]*slog.LevelVar
	loggers map[string]*slog.Logger
	root    *slog.Logger
}

// New 依設定建立 Factory，輸出到 w（nil 時為 stdout）
func New(cfg config.LogConfig, w io.Writer) (*Factory, error) {
	if w == nil {
		w = os.Stdout
	}

	def, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]slog.Level, len(cfg.Subsystems))
	for name, lvl := range cfg.Subsystems {
		level, err := ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
		overrides[name] = level
	}

	if env := os.Getenv(EnvLevel); env != "" {
		envDefault, envSubs, err := ParseOverrides(env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvLevel, err)
		}
		if envDefault != nil {
			def = *envDefault
		}
		for name, level := range envSubs {
			overrides[name] = level
		}
	}

	f := &Factory{
		out:          w,
		json:         cfg.Format == "json",
		addSource:    cfg.AddSource || def == slog.LevelDebug, // debug 模式顯示源碼位置
		defaultLevel: def,
		overrides:    overrides,
		levels:       make(map[string]*slog.LevelVar),
		loggers:      make(map[string]*slog.Logger),
	}

	rootLevel := new(slog.LevelVar)
	rootLevel.Set(def)
	f.root = slog.New(f.handler(rootLevel))
	return f, nil
}

func (f *Factory) handler(level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: f.addSource,
	}
	if f.json {
		return slog.NewJSONHandler(f.out, opts)
	}
	return slog.NewTextHandler(f.out, opts)
}

// Root 不屬於任何子系統的 Logger
func (f *Factory) Root() *slog.Logger {
	return f.root
}

// Logger 取得子系統 Logger，同一名稱回傳同一個實例
func (f *Factory) Logger(subsystem string) *slog.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.loggers[subsystem]; ok {
		return l
	}

	level := new(slog.LevelVar)
	if lvl, ok := f.overrides[subsystem]; ok {
		level.Set(lvl)
	} else {
		level.Set(f.defaultLevel)
	}

	l := slog.New(f.handler(level).WithAttrs([]slog.Attr{
		slog.String("subsystem", subsystem),
	}))
	f.levels[subsystem] = level
	f.loggers[subsystem] = l
	return l
}

// SetLevel 執行期調整子系統級別
func (f *Factory) SetLevel(subsystem string, level slog.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[subsystem] = level
	if v, ok := f.levels[subsystem]; ok {
		v.Set(level)
	}
}

// ParseLevel 解析 debug/info/warn/error，空字串視為 info
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ParseOverrides 解析 子系統=級別,...,預設級別
//
// 沒有預設級別時 def 為 nil。
func ParseOverrides(overrides string) (def *slog.Level, subsystems map[string]slog.Level, err error) {
	subsystems = make(map[string]slog.Level)
	for _, part := range strings.Split(overrides, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, lvl, found := strings.Cut(part, "=")
		if !found {
			level, err := ParseLevel(name)
			if err != nil {
				return nil, nil, err
			}
			def = &level
			continue
		}
		level, err := ParseLevel(lvl)
		if err != nil {
			return nil, nil, fmt.Errorf("subsystem %s: %w", name, err)
		}
		subsystems[strings.TrimSpace(name)] = level
	}
	return def, subsystems, nil
}

// Discard 丟棄所有日誌（測試使用）
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
