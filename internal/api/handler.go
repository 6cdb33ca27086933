// Package api 中繼伺服器的管理 HTTP API
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-relay-server/internal/engine"
	"github.com/koopa0/system-design/14-relay-server/internal/room"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// Provider 房間狀態的來源（由 engine.Engine 實作）
type Provider interface {
	Snapshot(ctx context.Context) ([]room.Snapshot, error)
	Room(ctx context.Context, roomID uint32) (room.Snapshot, error)
	Stats(ctx context.Context) (engine.Stats, error)
}

var _ Provider = (*engine.Engine)(nil)

// Handler HTTP 請求處理器
type Handler struct {
	provider Provider
	metrics  http.Handler
	logger   *slog.Logger
	timeout  time.Duration
}

// NewHandler 創建 HTTP 處理器
//
// metrics 為 nil 時不註冊 /metrics。
func NewHandler(provider Provider, metrics http.Handler, logger *slog.Logger) *Handler {
	return &Handler{
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		timeout:  3 * time.Second,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 房間查詢 API
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	return mux
}

// listRooms 列出房間
//
// 查詢參數：state、application、page、limit
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var state *room.State
	if s := query.Get("state"); s != "" {
		parsed, ok := parseState(s)
		if !ok {
			h.errorResponse(w, "無效的房間狀態", http.StatusBadRequest)
			return
		}
		state = &parsed
	}
	application := query.Get("application")

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snaps, err := h.provider.Snapshot(ctx)
	if err != nil {
		h.providerError(w, err)
		return
	}

	filtered := make([]room.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if state != nil && s.State != *state {
			continue
		}
		if application != "" && s.ApplicationName != application {
			continue
		}
		filtered = append(filtered, s)
	}

	// 先跟總頁數比較，page 很大時 (page-1)*limit 不會溢位
	total := len(filtered)
	start := total
	if page-1 < (total+limit-1)/limit {
		start = (page - 1) * limit
	}
	end := min(start+limit, total)

	h.jsonResponse(w, map[string]any{
		"rooms": filtered[start:end],
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("room_id"), 10, 32)
	if err != nil {
		h.errorResponse(w, "無效的房間 ID", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.provider.Room(ctx, uint32(id))
	if err != nil {
		h.providerError(w, err)
		return
	}

	h.jsonResponse(w, snap, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.provider.Stats(ctx)
	if err != nil {
		h.providerError(w, err)
		return
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// providerError 錯誤碼 → HTTP 狀態碼
func (h *Handler) providerError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case apperrors.CodeOf(err) == apperrors.ErrCodeRoomNotFound:
		status = http.StatusNotFound
	case apperrors.CodeOf(err) == apperrors.ErrCodeRoomClosed:
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}
	h.errorResponse(w, err.Error(), status)
}

func parseState(s string) (room.State, bool) {
	for _, st := range []room.State{room.StateForming, room.StateActive, room.StateDraining, room.StateClosed} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
