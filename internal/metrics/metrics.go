package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 聊天核心的 Prometheus 指标。
// 所有方法对 nil 接收者安全，未开启指标时传 nil 即可。
type Metrics struct {
	registry    *prometheus.Registry
	envelopes   *prometheus.CounterVec
	forwards    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	deletions   prometheus.Counter
	storeErrors *prometheus.CounterVec
	presence    *prometheus.CounterVec
	idleReaped  prometheus.Counter
}

// New 创建独立 registry 上的指标；connCount 用于导出当前连接数
func New(connCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_envelopes_total",
			Help: "Inbound envelopes by type and outcome.",
		}, []string{"type", "result"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_forwards_total",
			Help: "Frames pushed to peers by outcome.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_status_transitions_total",
			Help: "Committed message status transitions.",
		}, []string{"status"}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_deletions_total",
			Help: "Messages tombstoned.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_store_errors_total",
			Help: "Storage failures by operation.",
		}, []string{"op"}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_presence_changes_total",
			Help: "Presence transitions by status.",
		}, []string{"status"}),
		idleReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_idle_connections_closed_total",
			Help: "Connections closed by the idle reaper.",
		}),
	}
	reg.MustRegister(m.envelopes, m.forwards, m.transitions, m.deletions, m.storeErrors, m.presence, m.idleReaped)

	if connCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Currently accepted connections.",
		}, func() float64 { return float64(connCount()) }))
	}
	return m
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Envelope(typ, result string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) Forward(result string) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.transitions.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) Deletion() {
	if m == nil {
		return
	}
	m.deletions.Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Presence(status string) {
	if m == nil {
		return
	}
	m.presence.WithLabelValues(status).Inc()
}

func (m *Metrics) IdleReaped() {
	if m == nil {
		return
	}
	m.idleReaped.Inc()
}
