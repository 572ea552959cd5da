package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector WebDAV指标集合
type Collector struct {
	// RequestsTotal 按方法和状态码统计请求数
	RequestsTotal *prometheus.CounterVec

	// RequestDuration 按方法统计延迟
	RequestDuration *prometheus.HistogramVec

	// LocksCreated 按范围统计加锁次数
	LocksCreated *prometheus.CounterVec

	// LocksRemoved UNLOCK或运维清除的锁数量
	LocksRemoved prometheus.Counter
}

// New 创建指标收集器并注册到reg，注册失败时panic
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webdav_requests_total",
				Help: "Total WebDAV requests by method and status",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webdav_request_duration_seconds",
				Help:    "WebDAV request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		LocksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webdav_locks_created_total",
				Help: "Total locks granted by scope",
			},
			[]string{"scope"},
		),
		LocksRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "webdav_locks_removed_total",
				Help: "Total locks removed",
			},
		),
	}

	reg.MustRegister(
		c.RequestsTotal,
		c.RequestDuration,
		c.LocksCreated,
		c.LocksRemoved,
	)
	return c
}

// RecordRequest 记录一次请求
func (c *Collector) RecordRequest(method string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// LockCreated 记录加锁
func (c *Collector) LockCreated(scope string) {
	if c == nil {
		return
	}
	c.LocksCreated.WithLabelValues(scope).Inc()
}

// LockRemoved 记录解锁
func (c *Collector) LockRemoved() {
	if c == nil {
		return
	}
	c.LocksRemoved.Inc()
}
