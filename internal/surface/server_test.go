package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/haisou/internal/worker"
	"github.com/nao1215/haisou/pkg/channel"
	"github.com/nao1215/haisou/pkg/event"
	"github.com/nao1215/haisou/pkg/httpclient"
	"github.com/nao1215/haisou/pkg/kv"
	"github.com/nao1215/haisou/pkg/preference"
	"github.com/nao1215/haisou/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// tokenAuthenticator は"good"のみを有効なトークンとして扱う。
type tokenAuthenticator struct{}

func (tokenAuthenticator) Authenticate(_ context.Context, role session.Role, token string) (session.Descriptor, error) {
	if token != "good" {
		return session.Descriptor{}, &httpclient.StatusError{Code: http.StatusUnauthorized}
	}
	return session.Descriptor{UserID: "user-1", Role: role}, nil
}

// noChannel はチャネルが無い状態を返す。
type noChannel struct{}

func (noChannel) Handle() *channel.Channel { return nil }

// stubWorker は受け取った通知を記録する。
type stubWorker struct {
	mu      sync.Mutex
	clicked []string
}

func (w *stubWorker) DispatchClick(_ context.Context, n *worker.Notification) (worker.ClickCommand, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clicked = append(w.clicked, n.ID)
	n.Close()
	return worker.ClickCommand{Action: worker.ActionOpen, Index: -1, URL: n.Data.URL}, nil
}

func (w *stubWorker) DispatchClose(_ context.Context, n *worker.Notification) error {
	n.Close()
	return nil
}

// fixture はテスト用のサーバーと依存をまとめたもの。
type fixture struct {
	server    *Server
	authority *session.Authority
	backend   *kv.MemoryStore
	platform  *worker.MemoryPlatform
	worker    *stubWorker
	bell      *bytes.Buffer
}

// newFixture はロールを指定してテスト用サーバーを生成する。
func newFixture(t *testing.T, role session.Role) *fixture {
	t.Helper()

	backend := kv.NewMemoryStore()
	authority := session.New(role, tokenAuthenticator{}, backend)
	platform := worker.NewMemoryPlatform(true)
	w := &stubWorker{}
	bell := &bytes.Buffer{}
	prefs := preference.Load(context.Background(), backend)

	return &fixture{
		server:    NewServer(authority, prefs, noChannel{}, w, platform, bell),
		authority: authority,
		backend:   backend,
		platform:  platform,
		worker:    w,
		bell:      bell,
	}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

// TestGating はセッション状態による画面の出し分けを検証する。
func TestGating(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("認証確認中はどちらの画面もプレースホルダーになること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.RoleCustomer)
		for _, path := range []string{"/orders", "/login"} {
			w := f.do(http.MethodGet, path, nil)
			if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "loading") {
				t.Errorf("GET %s = %d %s", path, w.Code, w.Body.String())
			}
		}
	})

	t.Run("未認証の場合は保護画面からログイン画面へ遷移すること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.RoleCustomer)
		f.authority.Resolve(ctx)

		w := f.do(http.MethodGet, "/orders", nil)
		if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
			t.Errorf("GET /orders = %d, Location = %q", w.Code, w.Header().Get("Location"))
		}
		if w := f.do(http.MethodGet, "/login", nil); w.Code != http.StatusOK {
			t.Errorf("GET /login = %d", w.Code)
		}
	})

	t.Run("認証済みの場合はログイン画面からホームへ遷移すること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.RoleAdmin)
		if w := f.do(http.MethodPost, "/session/login", gin.H{"token": "good"}); w.Code != http.StatusOK {
			t.Fatalf("POST /session/login = %d %s", w.Code, w.Body.String())
		}

		w := f.do(http.MethodGet, "/login", nil)
		if w.Code != http.StatusFound || w.Header().Get("Location") != "/admin" {
			t.Errorf("GET /login = %d, Location = %q", w.Code, w.Header().Get("Location"))
		}
		w = f.do(http.MethodGet, "/admin", nil)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "user-1") {
			t.Errorf("GET /admin = %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("無効なトークンでのログインは401になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.RoleCustomer)
		w := f.do(http.MethodPost, "/session/login", gin.H{"token": "bad"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("ログアウト後は保護画面に入れないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.RoleCustomer)
		f.do(http.MethodPost, "/session/login", gin.H{"token": "good"})
		f.do(http.MethodPost, "/session/logout", nil)

		w := f.do(http.MethodGet, "/orders", nil)
		if w.Code != http.StatusFound {
			t.Errorf("GET /orders = %d, want %d", w.Code, http.StatusFound)
		}
		status := f.do(http.MethodGet, "/status", nil)
		if !strings.Contains(status.Body.String(), `"channel":"disconnected"`) {
			t.Errorf("GET /status = %s", status.Body.String())
		}
	})
}

// TestPreferences は通知設定の取得と更新を検証する。
func TestPreferences(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.RoleCustomer)

	w := f.do(http.MethodGet, "/preferences", nil)
	if strings.TrimSpace(w.Body.String()) != `{"isSoundEnabled":true}` {
		t.Errorf("GET /preferences = %s", w.Body.String())
	}

	w = f.do(http.MethodPut, "/preferences", gin.H{"isSoundEnabled": false})
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"isSoundEnabled":false}` {
		t.Errorf("PUT /preferences = %d %s", w.Code, w.Body.String())
	}

	saved, err := f.backend.Get(context.Background(), preference.Key)
	if err != nil || string(saved) != `{"isSoundEnabled":false}` {
		t.Errorf("保存値 = %s, err = %v", saved, err)
	}
}

// TestHandleEvent は受信イベントの処理を検証する。
func TestHandleEvent(t *testing.T) {
	t.Parallel()

	t.Run("通知音が有効な場合はベルが鳴りフィードに積まれること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.RoleCustomer)
		f.do(http.MethodPost, "/session/login", gin.H{"token": "good"})

		first, _ := event.New(event.TypeOrderUpdated, event.OrderUpdatedData{OrderID: "1", Status: "packed"})
		second, _ := event.New(event.TypeOrderUpdated, event.OrderUpdatedData{OrderID: "1", Status: "shipped"})
		f.server.HandleEvent(nil, first)
		f.server.HandleEvent(nil, second)

		if f.bell.String() != "\a\a" {
			t.Errorf("bell = %q", f.bell.String())
		}

		w := f.do(http.MethodGet, "/feed", nil)
		var feed []event.Envelope
		if err := json.Unmarshal(w.Body.Bytes(), &feed); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(feed) != 2 || feed[0].ID != second.ID {
			t.Errorf("feed = %+v", feed)
		}
	})

	t.Run("通知音が無効な場合はベルが鳴らないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.RoleCustomer)
		f.do(http.MethodPut, "/preferences", gin.H{"isSoundEnabled": false})

		e, _ := event.New(event.TypeAlert, event.AlertData{Level: "info", Message: "x"})
		f.server.HandleEvent(nil, e)
		if f.bell.Len() != 0 {
			t.Errorf("bell = %q", f.bell.String())
		}
	})
}

// TestNotificationActions は表示中の通知の操作を検証する。
func TestNotificationActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.RoleCustomer)
	cmd, _ := worker.BuildDisplay([]byte(`{"title":"Order #42 shipped","url":"/orders/42"}`))
	n, err := f.platform.Show(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Show()でエラーが発生: %v", err)
	}

	w := f.do(http.MethodGet, "/notifications", nil)
	if !strings.Contains(w.Body.String(), `"url":"/orders/42"`) {
		t.Errorf("GET /notifications = %s", w.Body.String())
	}

	w = f.do(http.MethodPost, "/notifications/"+n.ID+"/click", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"action":"open"`) {
		t.Errorf("POST click = %d %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodPost, "/notifications/"+n.ID+"/click", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("閉じた通知のクリック = %d, want %d", w.Code, http.StatusNotFound)
	}
}
