package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/haisou/internal/config"
	"github.com/nao1215/haisou/internal/metrics"
	"github.com/nao1215/haisou/internal/realtime"
	"github.com/nao1215/haisou/pkg/event"
	"github.com/nao1215/haisou/pkg/middleware"
	"github.com/nao1215/haisou/pkg/push"
	"github.com/nao1215/haisou/pkg/session"
	"github.com/sirupsen/logrus"
)

// Server はバックエンドAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg config.API
	// store は通知とユーザーのストア。
	store *Store
	// hub はユーザーごとのリアルタイムチャネル。
	hub *realtime.Hub
	// metrics はPrometheusメトリクス。
	metrics *metrics.Collector
	// log はサーバーのロガー。
	log *logrus.Entry
}

// NewServer は新しいAPIサーバーを生成する。
// SQLiteデータベースの初期化とマイグレーションを行う。
func NewServer(ctx context.Context, cfg config.API) (*Server, error) {
	store, err := OpenStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("ストアの初期化に失敗: %w", err)
	}
	return newServer(cfg, store), nil
}

// newServer はストアを指定してサーバーを組み立てる。
func newServer(cfg config.API, store *Store) *Server {
	m := metrics.New()

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.FrontendURLs))
	router.Use(m.Middleware())

	s := &Server{
		router:  router,
		cfg:     cfg,
		store:   store,
		hub:     realtime.NewHub(realtime.WithObserver(m), realtime.WithAllowedOrigins(cfg.FrontendURLs)),
		metrics: m,
		log:     logrus.WithField("component", "api"),
	}
	s.setupRoutes()
	return s
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はチャネルとストアを閉じる。
func (s *Server) Close() error {
	s.hub.Close()
	return s.store.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 開発用トークン発行（認証不要）
	s.router.POST("/auth/token", s.handleIssueToken())

	// リアルタイムチャネル。ブラウザ以外のクライアントはAuthorizationヘッダー、
	// ブラウザはクエリパラメータtokenでトークンを渡す
	s.router.GET("/ws", middleware.JWTAuth(s.cfg.JWTSecret), s.handleWebSocket())

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		// ロール別の認証確認
		auth := api.Group("/auth")
		{
			auth.GET("/admin", s.requireRole(session.RoleAdmin), s.handleAuthCheck())
			auth.GET("/customer", s.requireRole(session.RoleCustomer), s.handleAuthCheck())
		}

		// ユーザー情報
		api.GET("/me", s.handleGetCurrentUser())

		// 通知
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleListNotifications())
			notifications.PUT("/:id/read", s.handleMarkAsRead())
		}

		// プッシュ配信待ちの取得（クライアントのバックグラウンドワーカー向け）
		api.POST("/push/pull", s.handlePushPull())

		// 通知送信（内部API - 管理者が呼び出す）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireRole(session.RoleAdmin))
		{
			internal.POST("/notify", s.handleNotify())
		}
	}

	// メトリクス
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "haisou-api"})
	})
}

// requireRole はロールの不一致を認証失敗として記録してから403で拒否する。
func (s *Server) requireRole(role session.Role) gin.HandlerFunc {
	check := middleware.RequireRole(role)
	return func(c *gin.Context) {
		check(c)
		if c.IsAborted() {
			s.metrics.AuthFailed(string(role))
		}
	}
}

// issueTokenRequest は開発用トークン発行リクエストのJSON構造。
type issueTokenRequest struct {
	// UserID はログインするユーザーのID。省略時は新しいIDを払い出す。
	UserID string `json:"user_id"`
	// Role はトークンのロール。
	Role session.Role `json:"role" binding:"required"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
}

// handleIssueToken は開発用JWTトークンを発行するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleIssueToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if !req.Role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("不明なロールです: %q", req.Role)})
			return
		}
		if req.UserID == "" {
			req.UserID = uuid.New().String()
		}

		if err := s.store.UpsertUser(c.Request.Context(), req.UserID, req.Role, req.DisplayName); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの保存に失敗しました"})
			s.log.WithError(err).Error("ユーザー保存エラー")
			return
		}

		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, req.UserID, req.Role, s.cfg.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			s.log.WithError(err).Error("JWT生成エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": req.UserID,
			"role":    req.Role,
		})
	}
}

// handleAuthCheck はトークンを検証してセッション記述子を返すハンドラを返す。
// 残り有効期間がローテーション閾値を下回っている場合は新しいトークンを発行して返す。
func (s *Server) handleAuthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := middleware.GetClaims(c)
		if claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		desc := session.Descriptor{UserID: claims.UserID, Role: claims.Role}
		if claims.ExpiresAt != nil && time.Until(claims.ExpiresAt.Time) < s.cfg.TokenRotateWindow {
			token, err := middleware.GenerateJWT(s.cfg.JWTSecret, claims.UserID, claims.Role, s.cfg.TokenTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
				s.log.WithError(err).Error("JWT生成エラー")
				return
			}
			desc.Token = token
			s.log.WithField("user_id", claims.UserID).Info("トークンをローテーションしました")
		}

		c.JSON(http.StatusOK, desc)
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		user, err := s.store.GetUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":            user.ID,
			"role":          user.Role,
			"display_name":  user.DisplayName,
			"last_login_at": user.LastLoginAt.Format(time.RFC3339),
		})
	}
}

// handleWebSocket はリアルタイムチャネルを受け付けるハンドラを返す。
// 接続が閉じられるまで戻らない。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if err := s.hub.Serve(c.Writer, c.Request, userID); err != nil {
			// アップグレード失敗時のレスポンスはUpgraderが書き込み済み
			s.log.WithError(err).WithField("user_id", userID).Warn("チャネルの受け付けに失敗しました")
		}
	}
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Payload は通知の表示内容。
	Payload push.Payload `json:"payload"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// Delivered は通知が配信済みかどうか。
	Delivered bool `json:"delivered"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponses は通知のスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(notifications []Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, notificationResponse{
			ID:        n.ID,
			UserID:    n.UserID,
			Payload:   n.Payload,
			IsRead:    n.IsRead,
			Delivered: n.Delivered,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}
	return responses
}

// handleListNotifications は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleListNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		notifications, err := s.store.ListNotifications(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.log.WithError(err).Error("通知一覧取得エラー")
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		notificationID := c.Param("id")

		// 通知の存在確認と所有者チェック
		n, err := s.store.GetNotification(c.Request.Context(), notificationID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			s.log.WithError(err).Error("通知取得エラー")
			return
		}
		if n.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), notificationID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.log.WithError(err).Error("通知既読処理エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// pushMessage はプッシュ配信1件のJSON構造。
type pushMessage struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// Data はワーカーに渡すプッシュのペイロード。
	Data json.RawMessage `json:"data"`
}

// handlePushPull は認証済みユーザーのプッシュ配信待ちの通知を返して配信済みにするハンドラ。
func (s *Server) handlePushPull() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		pending, err := s.store.PullPending(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信待ち通知の取得に失敗しました"})
			s.log.WithError(err).Error("プッシュ取得エラー")
			return
		}

		messages := make([]pushMessage, 0, len(pending))
		for _, n := range pending {
			data, err := push.Encode(n.Payload)
			if err != nil {
				s.log.WithError(err).WithField("notification_id", n.ID).Error("ペイロードのシリアライズに失敗しました")
				continue
			}
			messages = append(messages, pushMessage{ID: n.ID, Data: data})
		}
		if len(messages) > 0 {
			s.metrics.Delivered(metrics.TransportPush, len(messages))
		}

		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

// notifyRequest は通知送信リクエストのJSON構造。
type notifyRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// Payload はプッシュのペイロード。欠けたフィールドは既定値で補う。
	Payload json.RawMessage `json:"payload"`
}

// handleNotify は通知を保存して配信するハンドラ。
// 通知先ユーザーのチャネルが開いていればチャネルで配信し、
// 開いていなければプッシュ配信待ちとして残す。
func (s *Server) handleNotify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		payload, err := push.Decode(req.Payload)
		if err != nil {
			s.log.WithError(err).Warn("ペイロードが不正なため既定値で通知します")
		}

		n := Notification{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateNotification(c.Request.Context(), n); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			s.log.WithError(err).Error("通知作成エラー")
			return
		}

		transport := metrics.TransportPush
		if s.deliverOverChannel(c.Request.Context(), n) {
			transport = metrics.TransportChannel
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":        n.ID,
			"transport": transport,
		})
	}
}

// deliverOverChannel はユーザーの開いているチャネルに通知を送り、配信できた場合は配信済みにする。
func (s *Server) deliverOverChannel(ctx context.Context, n Notification) bool {
	e, err := event.New(event.TypeNotification, n.Payload)
	if err != nil {
		s.log.WithError(err).Error("通知イベントの生成に失敗しました")
		return false
	}
	e.ID = n.ID

	delivered, err := s.hub.SendToUser(n.UserID, e)
	if err != nil {
		s.log.WithError(err).Error("チャネルへの配信に失敗しました")
		return false
	}
	if delivered == 0 {
		return false
	}

	if err := s.store.MarkDelivered(ctx, n.ID); err != nil {
		// 配信済みにできなかった通知はプッシュでも再送される
		s.log.WithError(err).WithField("notification_id", n.ID).Warn("配信済みの記録に失敗しました")
	}
	s.metrics.Delivered(metrics.TransportChannel, delivered)
	return true
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}
	return nil
}
