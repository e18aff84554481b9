package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestCollector はメトリクスの記録を検証する。
func TestCollector(t *testing.T) {
	t.Parallel()

	t.Run("チャネル数と配信数が記録されること", func(t *testing.T) {
		t.Parallel()

		c := New()
		c.ChannelOpened()
		c.ChannelOpened()
		c.ChannelClosed()
		c.Delivered(TransportChannel, 2)
		c.Delivered(TransportPush, 1)

		if got := testutil.ToFloat64(c.openChannels); got != 1 {
			t.Errorf("open_channels = %v, want 1", got)
		}
		if got := testutil.ToFloat64(c.deliveries.WithLabelValues(TransportChannel)); got != 2 {
			t.Errorf("deliveries{channel} = %v, want 2", got)
		}
	})

	t.Run("HTTPリクエストがルート定義ごとに記録され公開されること", func(t *testing.T) {
		t.Parallel()

		c := New()
		router := gin.New()
		router.Use(c.Middleware())
		router.GET("/items/:id", func(ctx *gin.Context) { ctx.Status(http.StatusNoContent) })
		router.GET("/metrics", gin.WrapH(c.Handler()))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/42", nil))

		if got := testutil.ToFloat64(c.httpRequests.WithLabelValues(http.MethodGet, "/items/:id", "204")); got != 1 {
			t.Errorf("requests_total = %v, want 1", got)
		}

		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if !strings.Contains(w.Body.String(), "haisou_http_requests_total") {
			t.Error("メトリクスが公開されていない")
		}
	})
}
