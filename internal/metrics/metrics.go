// Package metrics はバックエンドAPIのPrometheusメトリクスを提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "haisou"

// 配信経路のラベル値。
const (
	TransportChannel = "channel"
	TransportPush    = "push"
)

// Collector はAPIサーバーのメトリクスを保持する。
// テストで複数のサーバーを生成できるよう、レジストリはインスタンスごとに持つ。
type Collector struct {
	registry *prometheus.Registry

	openChannels prometheus.Gauge
	deliveries   *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	authFailures *prometheus.CounterVec
}

// New はCollectorを生成し、コレクターを登録する。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "open_channels",
			Help:      "Current number of open realtime channels.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "deliveries_total",
			Help:      "Total number of notifications delivered, by transport.",
		}, []string{"transport"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms〜約5s
		}, []string{"method", "path"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Total number of rejected authentication checks, by role.",
		}, []string{"role"}),
	}
	c.registry.MustRegister(
		c.openChannels,
		c.deliveries,
		c.httpRequests,
		c.httpDuration,
		c.authFailures,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler はメトリクスを公開するHTTPハンドラを返す。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry はメトリクスのレジストリを返す。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ChannelOpened は開いているチャネル数を1増やす。
func (c *Collector) ChannelOpened() {
	c.openChannels.Inc()
}

// ChannelClosed は開いているチャネル数を1減らす。
func (c *Collector) ChannelClosed() {
	c.openChannels.Dec()
}

// Delivered は配信経路ごとの配信数を加算する。
func (c *Collector) Delivered(transport string, n int) {
	c.deliveries.WithLabelValues(transport).Add(float64(n))
}

// AuthFailed は認証失敗数を加算する。
func (c *Collector) AuthFailed(role string) {
	c.authFailures.WithLabelValues(role).Inc()
}

// Middleware はHTTPリクエストのメトリクスを記録するGinミドルウェアを返す。
// パスのラベルにはルート定義（/api/v1/notifications/:id/read 等）を使用する。
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := ctx.Request.Method
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
