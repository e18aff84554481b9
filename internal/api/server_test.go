package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/haisou/internal/config"
	"github.com/nao1215/haisou/pkg/event"
	"github.com/nao1215/haisou/pkg/middleware"
	"github.com/nao1215/haisou/pkg/push"
	"github.com/nao1215/haisou/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// newTestServer はインメモリSQLiteを使用するテスト用サーバーを生成する。
func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := OpenStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("ストアの初期化に失敗: %v", err)
	}

	s := newServer(config.API{
		Port:              "0",
		JWTSecret:         testJWTSecret,
		FrontendURLs:      []string{"http://admin.localhost:3001", "http://localhost:3000"},
		TokenTTL:          time.Hour,
		TokenRotateWindow: 10 * time.Minute,
	}, store)
	t.Cleanup(func() { s.Close() })
	return s
}

// generateTestJWT はテスト用のJWTトークンを生成する。
func generateTestJWT(t *testing.T, userID string, role session.Role, ttl time.Duration) string {
	t.Helper()

	token, err := middleware.GenerateJWT(testJWTSecret, userID, role, ttl)
	if err != nil {
		t.Fatalf("テスト用JWT生成に失敗: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを送信する。
func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// TestHandleIssueToken は開発用トークン発行を検証する。
func TestHandleIssueToken(t *testing.T) {
	t.Parallel()

	t.Run("ロールを指定してトークンを発行できること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodPost, "/auth/token", "", gin.H{"user_id": "admin-1", "role": "admin", "display_name": "管理者"})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}

		var resp struct {
			Token  string `json:"token"`
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		claims, err := middleware.ParseJWT(testJWTSecret, resp.Token)
		if err != nil {
			t.Fatalf("発行されたトークンが無効: %v", err)
		}
		if claims.UserID != "admin-1" || claims.Role != session.RoleAdmin {
			t.Errorf("claims = %+v", claims)
		}

		me := doRequest(s, http.MethodGet, "/api/v1/me", resp.Token, nil)
		if me.Code != http.StatusOK || !strings.Contains(me.Body.String(), "管理者") {
			t.Errorf("GET /me = %d %s", me.Code, me.Body.String())
		}
	})

	t.Run("不明なロールは400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodPost, "/auth/token", "", gin.H{"role": "guest"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleAuthCheck はロール別の認証確認を検証する。
func TestHandleAuthCheck(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	t.Run("ロールが一致すれば記述子を返しローテーションしないこと", func(t *testing.T) {
		t.Parallel()

		token := generateTestJWT(t, "cust-1", session.RoleCustomer, time.Hour)
		w := doRequest(s, http.MethodGet, "/api/v1/auth/customer", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var d session.Descriptor
		if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if d.UserID != "cust-1" || d.Role != session.RoleCustomer || d.Token != "" {
			t.Errorf("d = %+v", d)
		}
	})

	t.Run("期限が近いトークンはローテーションされること", func(t *testing.T) {
		t.Parallel()

		token := generateTestJWT(t, "cust-1", session.RoleCustomer, 5*time.Minute)
		w := doRequest(s, http.MethodGet, "/api/v1/auth/customer", token, nil)
		var d session.Descriptor
		if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if d.Token == "" || d.Token == token {
			t.Fatalf("トークンがローテーションされていない: %+v", d)
		}
		if _, err := middleware.ParseJWT(testJWTSecret, d.Token); err != nil {
			t.Errorf("ローテーション後のトークンが無効: %v", err)
		}
	})

	t.Run("ロールが異なる場合は403になること", func(t *testing.T) {
		t.Parallel()

		token := generateTestJWT(t, "cust-1", session.RoleCustomer, time.Hour)
		w := doRequest(s, http.MethodGet, "/api/v1/auth/admin", token, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("期限切れのトークンは401になること", func(t *testing.T) {
		t.Parallel()

		token := generateTestJWT(t, "cust-1", session.RoleCustomer, -time.Minute)
		w := doRequest(s, http.MethodGet, "/api/v1/auth/customer", token, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestNotificationDelivery は通知の配信経路を検証する。
func TestNotificationDelivery(t *testing.T) {
	t.Parallel()

	t.Run("チャネルが無い場合はプッシュ配信待ちになり取得後は空になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		admin := generateTestJWT(t, "admin-1", session.RoleAdmin, time.Hour)
		customer := generateTestJWT(t, "cust-1", session.RoleCustomer, time.Hour)

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notify", admin, gin.H{
			"user_id": "cust-1",
			"payload": gin.H{"title": "Order #42 shipped", "url": "/orders/42"},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"transport":"push"`) {
			t.Errorf("body = %s", w.Body.String())
		}

		pull := doRequest(s, http.MethodPost, "/api/v1/push/pull", customer, nil)
		var resp struct {
			Messages []pushMessage `json:"messages"`
		}
		if err := json.Unmarshal(pull.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(resp.Messages) != 1 {
			t.Fatalf("配信待ち件数 = %d, want 1", len(resp.Messages))
		}
		p, err := push.Decode(resp.Messages[0].Data)
		if err != nil {
			t.Fatalf("ペイロードのパースに失敗: %v", err)
		}
		if p.Title != "Order #42 shipped" || p.URL != "/orders/42" || p.Body != "" {
			t.Errorf("payload = %+v", p)
		}

		again := doRequest(s, http.MethodPost, "/api/v1/push/pull", customer, nil)
		if !strings.Contains(again.Body.String(), `"messages":[]`) {
			t.Errorf("2回目の取得 = %s", again.Body.String())
		}
	})

	t.Run("チャネルが開いていればチャネルで配信されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		ts := httptest.NewServer(s.Handler())
		t.Cleanup(ts.Close)

		customer := generateTestJWT(t, "cust-1", session.RoleCustomer, time.Hour)
		header := http.Header{}
		header.Set("Authorization", "Bearer "+customer)
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
		if err != nil {
			t.Fatalf("WebSocket接続に失敗: %v", err)
		}
		t.Cleanup(func() { conn.Close() })

		deadline := time.Now().Add(2 * time.Second)
		for s.hub.Count("cust-1") == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		admin := generateTestJWT(t, "admin-1", session.RoleAdmin, time.Hour)
		w := doRequest(s, http.MethodPost, "/api/v1/internal/notify", admin, gin.H{
			"user_id": "cust-1",
			"payload": gin.H{"title": "Order #42 shipped", "url": "/orders/42"},
		})
		if !strings.Contains(w.Body.String(), `"transport":"channel"`) {
			t.Fatalf("body = %s", w.Body.String())
		}

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("受信に失敗: %v", err)
		}
		e, err := event.Parse(msg)
		if err != nil || e.Type != event.TypeNotification {
			t.Fatalf("受信イベント = %s, err = %v", msg, err)
		}
		p, err := event.DecodeData[push.Payload](e)
		if err != nil || p.URL != "/orders/42" {
			t.Errorf("payload = %+v, err = %v", p, err)
		}

		pull := doRequest(s, http.MethodPost, "/api/v1/push/pull", customer, nil)
		if !strings.Contains(pull.Body.String(), `"messages":[]`) {
			t.Errorf("チャネルで配信済みの通知がプッシュ待ちに残っている: %s", pull.Body.String())
		}
	})

	t.Run("顧客は通知を送信できないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		customer := generateTestJWT(t, "cust-1", session.RoleCustomer, time.Hour)
		w := doRequest(s, http.MethodPost, "/api/v1/internal/notify", customer, gin.H{"user_id": "cust-2"})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("トークンが無いWebSocket接続は401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodGet, "/ws", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestNotificationHistory は通知一覧と既読処理を検証する。
func TestNotificationHistory(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, id := range []string{"n-1", "n-2"} {
		if err := s.store.CreateNotification(ctx, Notification{
			ID:        id,
			UserID:    "cust-1",
			Payload:   push.Default(),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("通知の作成に失敗: %v", err)
		}
	}
	customer := generateTestJWT(t, "cust-1", session.RoleCustomer, time.Hour)
	other := generateTestJWT(t, "cust-2", session.RoleCustomer, time.Hour)

	t.Run("新しい順に一覧を取得できること", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/notifications", customer, nil)
		var list []notificationResponse
		if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(list) != 2 || list[0].ID != "n-2" {
			t.Errorf("list = %+v", list)
		}
	})

	t.Run("他人の通知は既読にできないこと", func(t *testing.T) {
		w := doRequest(s, http.MethodPut, "/api/v1/notifications/n-1/read", other, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("存在しない通知は404になること", func(t *testing.T) {
		w := doRequest(s, http.MethodPut, "/api/v1/notifications/missing/read", customer, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("自分の通知を既読にできること", func(t *testing.T) {
		w := doRequest(s, http.MethodPut, "/api/v1/notifications/n-1/read", customer, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		n, err := s.store.GetNotification(ctx, "n-1")
		if err != nil || !n.IsRead {
			t.Errorf("n = %+v, err = %v", n, err)
		}
	})
}

// TestHealthAndMetrics はヘルスチェックとメトリクスを検証する。
func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	if w := doRequest(s, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("GET /health = %d", w.Code)
	}
	w := doRequest(s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "haisou_realtime_open_channels") {
		t.Errorf("GET /metrics = %d", w.Code)
	}
}

// TestCORSOrigins は設定したすべてのOriginが許可されることを検証する。
func TestCORSOrigins(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for _, origin := range []string{"http://admin.localhost:3001", "http://localhost:3000"} {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/notifications", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want %d", origin, w.Code, http.StatusNoContent)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != origin {
			t.Errorf("%s: Access-Control-Allow-Origin = %q", origin, got)
		}
	}
}
