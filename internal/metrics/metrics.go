// Package metrics 中繼伺服器的 Prometheus 指標
//
// 目錄發布失敗不會回報給任何客戶端，只能從這裡觀察到。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koopa0/system-design/14-relay-server/internal/directory"
	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

const namespace = "relay"

// Metrics 所有收集器
//
// 每個 Metrics 都有自己的 Registry，測試之間不會互相污染。
type Metrics struct {
	registry *prometheus.Registry

	rooms          prometheus.Gauge
	sessions       prometheus.Gauge
	joins          prometheus.Counter
	joinsRejected  *prometheus.CounterVec
	relayedFrames  *prometheus.CounterVec
	hostChanges    prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	directory      *prometheus.CounterVec
}

// New 創建並註冊收集器
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of open rooms.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of clients currently joined to a room.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Successful room joins.",
		}),
		joinsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rejected_total",
			Help:      "Rejected room joins by error code.",
		}, []string{"code"}),
		relayedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_frames_total",
			Help:      "Relay frames accepted from clients by target.",
		}, []string{"target"}),
		hostChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_changes_total",
			Help:      "Host assignments, including the first member of each room.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Connections torn down by error code.",
		}, []string{"code"}),
		directory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_events_total",
			Help:      "Directory publishes by message type and result.",
		}, []string{"type", "result"}),
	}

	m.registry.MustRegister(
		m.rooms,
		m.sessions,
		m.joins,
		m.joinsRejected,
		m.relayedFrames,
		m.hostChanges,
		m.sessionsClosed,
		m.directory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 底層 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 端點
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RoomOpened() { m.rooms.Inc() }
func (m *Metrics) RoomClosed() { m.rooms.Dec() }

// ClientJoined 成功加入
func (m *Metrics) ClientJoined() {
	m.joins.Inc()
	m.sessions.Inc()
}

func (m *Metrics) ClientLeft() { m.sessions.Dec() }

// ClientsReleased 房間關閉時一次移除的成員
func (m *Metrics) ClientsReleased(n int) { m.sessions.Sub(float64(n)) }

// JoinRejected 依錯誤碼記錄拒絕
func (m *Metrics) JoinRejected(err error) {
	m.joinsRejected.WithLabelValues(codeLabel(err)).Inc()
}

// FrameRelayed 記錄一筆中繼
func (m *Metrics) FrameRelayed(target protocol.Target) {
	m.relayedFrames.WithLabelValues(target.String()).Inc()
}

func (m *Metrics) HostChanged() { m.hostChanges.Inc() }

// SessionClosed 記錄因錯誤斷線的連線（協定錯誤、慢消費者）
func (m *Metrics) SessionClosed(err error) {
	m.sessionsClosed.WithLabelValues(codeLabel(err)).Inc()
}

// Published 實作 directory.Observer
func (m *Metrics) Published(t directory.MessageType) {
	m.directory.WithLabelValues(t.String(), "published").Inc()
}

func (m *Metrics) Failed(t directory.MessageType) {
	m.directory.WithLabelValues(t.String(), "failed").Inc()
}

func (m *Metrics) Dropped(t directory.MessageType) {
	m.directory.WithLabelValues(t.String(), "dropped").Inc()
}

func codeLabel(err error) string {
	code := apperrors.CodeOf(err)
	if code == "" {
		return "UNKNOWN"
	}
	return code
}

var _ directory.Observer = (*Metrics)(nil)
