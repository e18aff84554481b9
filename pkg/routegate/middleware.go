package routegate

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Middleware はゲートの判定に従ってリクエストを処理するGinミドルウェアを返す。
// 認証確認中は202とプレースホルダーを返し、リダイレクト判定の場合は302で遷移させる。
// 表示が許可された場合のみ後続のハンドラを実行する。
func (g Gate) Middleware(s State) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.Decide(s)
		switch {
		case d.Kind == KindRedirect:
			c.Redirect(http.StatusFound, d.Target)
			c.Abort()
		case d.Content == ContentLoading:
			c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": "loading"})
		default:
			c.Next()
		}
	}
}
