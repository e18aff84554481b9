package surface

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/haisou/internal/worker"
	"github.com/nao1215/haisou/pkg/channel"
	"github.com/nao1215/haisou/pkg/event"
	"github.com/nao1215/haisou/pkg/middleware"
	"github.com/nao1215/haisou/pkg/preference"
	"github.com/nao1215/haisou/pkg/routegate"
	"github.com/nao1215/haisou/pkg/session"
	"github.com/sirupsen/logrus"
)

// feedSize はフィードに保持するイベントの最大件数。
const feedSize = 50

// loginPath はログイン画面のパス。
const loginPath = "/login"

// Authority は画面が参照・操作するセッション。*session.Authorityが満たす。
type Authority interface {
	routegate.State
	Role() session.Role
	Snapshot() session.Snapshot
	Login(ctx context.Context, token string) session.Snapshot
	Logout(ctx context.Context) session.Snapshot
}

// ChannelSource は現在のチャネルを返す。*channel.Managerが満たす。
type ChannelSource interface {
	Handle() *channel.Channel
}

// Worker は通知のクリックと消去を処理する。*worker.Workerが満たす。
type Worker interface {
	DispatchClick(ctx context.Context, n *worker.Notification) (worker.ClickCommand, error)
	DispatchClose(ctx context.Context, n *worker.Notification) error
}

// Tray は表示中の通知を返す。*worker.MemoryPlatformが満たす。
type Tray interface {
	Notification(id string) (*worker.Notification, bool)
	Shown() []*worker.Notification
}

// Server はクライアント画面のHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// authority はこのクライアントのセッション。
	authority Authority
	// prefs は通知設定。
	prefs *preference.Store
	// channels はリアルタイムチャネル。
	channels ChannelSource
	// worker はバックグラウンド通知ワーカー。
	worker Worker
	// tray は表示中の通知。
	tray Tray
	// bell は通知音の出力先。
	bell io.Writer
	// log はサーバーのロガー。
	log *logrus.Entry

	mu   sync.Mutex
	feed []*event.Envelope
}

// NewServer はクライアント画面のサーバーを生成する。
func NewServer(authority Authority, prefs *preference.Store, channels ChannelSource, w Worker, tray Tray, bell io.Writer) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:    router,
		authority: authority,
		prefs:     prefs,
		channels:  channels,
		worker:    w,
		tray:      tray,
		bell:      bell,
		log:       logrus.WithField("component", "surface"),
	}
	s.setupRoutes()
	return s
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// HomePath はロールごとのホーム画面のパスを返す。
func HomePath(role session.Role) string {
	if role == session.RoleAdmin {
		return "/admin"
	}
	return "/orders"
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	home := HomePath(s.authority.Role())
	protected := routegate.Gate{Mode: routegate.Protected, LoginPath: loginPath, HomePath: home}
	publicOnly := routegate.Gate{Mode: routegate.PublicOnly, LoginPath: loginPath, HomePath: home}

	// 未認証の間だけ表示する画面
	s.router.GET(loginPath, publicOnly.Middleware(s.authority), s.handleLoginPage())

	// 認証済みの間だけ表示する画面
	pages := s.router.Group("")
	pages.Use(protected.Middleware(s.authority))
	{
		pages.GET(home, s.handleHome())
		pages.GET("/feed", s.handleFeed())
	}

	// セッション操作
	s.router.POST("/session/login", s.handleLogin())
	s.router.POST("/session/logout", s.handleLogout())
	s.router.GET("/status", s.handleStatus())

	// 通知設定
	s.router.GET("/preferences", s.handleGetPreferences())
	s.router.PUT("/preferences", s.handleUpdatePreferences())

	// 表示中の通知
	notifications := s.router.Group("/notifications")
	{
		notifications.GET("", s.handleListDisplayed())
		notifications.POST("/:id/click", s.handleClick())
		notifications.POST("/:id/close", s.handleClose())
	}
}

// HandleEvent はリアルタイムチャネルで受信したイベントをフィードに積む。
// 通知音が有効な場合はベルを鳴らす。channel.Handlerとして使用する。
func (s *Server) HandleEvent(_ *channel.Channel, e *event.Envelope) {
	s.mu.Lock()
	s.feed = append(s.feed, e)
	if len(s.feed) > feedSize {
		s.feed = s.feed[len(s.feed)-feedSize:]
	}
	s.mu.Unlock()

	if s.prefs.Get().IsSoundEnabled && s.bell != nil {
		if _, err := io.WriteString(s.bell, "\a"); err != nil {
			s.log.WithError(err).Debug("通知音の出力に失敗しました")
		}
	}
	s.log.WithFields(logrus.Fields{"event_id": e.ID, "type": e.Type}).Info("イベントを受信しました")
}

// handleLoginPage はログイン画面を返すハンドラ。
func (s *Server) handleLoginPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"page": "login", "role": s.authority.Role()})
	}
}

// handleHome はホーム画面を返すハンドラ。
func (s *Server) handleHome() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.authority.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"page":    c.FullPath(),
			"role":    snap.Role,
			"user_id": snap.UserID,
		})
	}
}

// handleFeed はチャネルで受信したイベントを新しい順に返すハンドラ。
func (s *Server) handleFeed() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		out := make([]*event.Envelope, 0, len(s.feed))
		for i := len(s.feed) - 1; i >= 0; i-- {
			out = append(out, s.feed[i])
		}
		s.mu.Unlock()
		c.JSON(http.StatusOK, out)
	}
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Token はバックエンドが発行したトークン。
	Token string `json:"token" binding:"required"`
}

// handleLogin はトークンを保存してセッションを確認し直すハンドラ。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		snap := s.authority.Login(c.Request.Context(), req.Token)
		if !snap.IsAuthenticated() {
			c.JSON(http.StatusUnauthorized, s.status(snap))
			return
		}
		c.JSON(http.StatusOK, s.status(snap))
	}
}

// handleLogout はトークンを削除するハンドラ。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status(s.authority.Logout(c.Request.Context())))
	}
}

// handleStatus はセッションとチャネルの状態を返すハンドラ。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status(s.authority.Snapshot()))
	}
}

// status はセッションとチャネルの状態を表すレスポンスを組み立てる。
func (s *Server) status(snap session.Snapshot) gin.H {
	h := gin.H{
		"role":       snap.Role,
		"state":      snap.State.String(),
		"generation": snap.Generation,
		"channel":    channel.Disconnected.String(),
	}
	if ch := s.channels.Handle(); ch != nil {
		h["channel"] = ch.State().String()
		h["socket_id"] = ch.ID
	}
	return h
}

// handleGetPreferences は通知設定を返すハンドラ。
func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.prefs.Get())
	}
}

// handleUpdatePreferences は通知設定を部分更新するハンドラ。
// 保存に失敗しても更新後の設定は有効になる。
func (s *Server) handleUpdatePreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		var u preference.Update
		if err := c.ShouldBindJSON(&u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		p, err := s.prefs.Set(c.Request.Context(), u)
		if err != nil {
			s.log.WithError(err).Warn("通知設定の保存に失敗しました")
		}
		c.JSON(http.StatusOK, p)
	}
}

// displayedResponse は表示中の通知のJSON構造。
type displayedResponse struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Body               string `json:"body"`
	URL                string `json:"url"`
	RequireInteraction bool   `json:"requireInteraction"`
}

// handleListDisplayed は表示中の通知を返すハンドラ。
func (s *Server) handleListDisplayed() gin.HandlerFunc {
	return func(c *gin.Context) {
		shown := s.tray.Shown()
		out := make([]displayedResponse, 0, len(shown))
		for _, n := range shown {
			out = append(out, displayedResponse{
				ID:                 n.ID,
				Title:              n.Title,
				Body:               n.Body,
				URL:                n.Data.URL,
				RequireInteraction: n.RequireInteraction,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

// handleClick は通知のクリックをワーカーに渡すハンドラ。
func (s *Server) handleClick() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := s.tray.Notification(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		cmd, err := s.worker.DispatchClick(ctx, n)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知クリックの処理に失敗しました"})
			s.log.WithError(err).Error("通知クリック処理エラー")
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": cmd.Action.String(), "url": cmd.URL})
	}
}

// handleClose は通知の消去をワーカーに渡すハンドラ。
func (s *Server) handleClose() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := s.tray.Notification(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err := s.worker.DispatchClose(c.Request.Context(), n); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の消去に失敗しました"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
