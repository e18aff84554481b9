package routegate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeState はテスト用の認証状態。
type fakeState struct {
	loading       bool
	authenticated bool
}

func (f fakeState) IsLoading() bool       { return f.loading }
func (f fakeState) IsAuthenticated() bool { return f.authenticated }

var (
	protected  = Gate{Mode: Protected, LoginPath: "/login", HomePath: "/orders"}
	publicOnly = Gate{Mode: PublicOnly, LoginPath: "/login", HomePath: "/orders"}
)

// TestDecide は判定表を検証する。
func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		gate  Gate
		state fakeState
		want  Decision
	}{
		{"保護: 確認中", protected, fakeState{loading: true}, Decision{Kind: KindRender, Content: ContentLoading}},
		{"保護: 確認中(認証済みフラグ有り)", protected, fakeState{loading: true, authenticated: true}, Decision{Kind: KindRender, Content: ContentLoading}},
		{"保護: 認証済み", protected, fakeState{authenticated: true}, Decision{Kind: KindRender, Content: ContentPage}},
		{"保護: 未認証", protected, fakeState{}, Decision{Kind: KindRedirect, Target: "/login"}},
		{"未認証専用: 確認中", publicOnly, fakeState{loading: true}, Decision{Kind: KindRender, Content: ContentLoading}},
		{"未認証専用: 認証済み", publicOnly, fakeState{authenticated: true}, Decision{Kind: KindRedirect, Target: "/orders"}},
		{"未認証専用: 未認証", publicOnly, fakeState{}, Decision{Kind: KindRender, Content: ContentPage}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.gate.Decide(tt.state); got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestDecideNeverRendersPageWhileLoading は確認中に保護された内容を表示しないことを検証する。
func TestDecideNeverRendersPageWhileLoading(t *testing.T) {
	t.Parallel()

	for _, g := range []Gate{protected, publicOnly} {
		for _, auth := range []bool{true, false} {
			d := g.Decide(fakeState{loading: true, authenticated: auth})
			if d.Kind != KindRender || d.Content != ContentLoading {
				t.Errorf("mode=%v authenticated=%v: Decide() = %+v", g.Mode, auth, d)
			}
		}
	}
}

// TestMiddleware はGinミドルウェアとしての振る舞いを検証する。
func TestMiddleware(t *testing.T) {
	t.Parallel()

	serve := func(g Gate, s State) *httptest.ResponseRecorder {
		router := gin.New()
		router.GET("/page", g.Middleware(s), func(c *gin.Context) {
			c.String(http.StatusOK, "page")
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/page", nil))
		return w
	}

	t.Run("確認中は202を返すこと", func(t *testing.T) {
		t.Parallel()

		if w := serve(protected, fakeState{loading: true}); w.Code != http.StatusAccepted {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusAccepted)
		}
	})

	t.Run("未認証ではログイン画面へ302で遷移すること", func(t *testing.T) {
		t.Parallel()

		w := serve(protected, fakeState{})
		if w.Code != http.StatusFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusFound)
		}
		if got := w.Header().Get("Location"); got != "/login" {
			t.Errorf("Location = %q, want %q", got, "/login")
		}
	})

	t.Run("認証済みではページを表示すること", func(t *testing.T) {
		t.Parallel()

		w := serve(protected, fakeState{authenticated: true})
		if w.Code != http.StatusOK || w.Body.String() != "page" {
			t.Errorf("code = %d, body = %q", w.Code, w.Body.String())
		}
	})
}
