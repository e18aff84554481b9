// Package routegate は認証状態を画面遷移の判定（表示またはリダイレクト）に変換する。
//
// 認証必須の画面と未認証専用の画面（ログイン画面など）は、同じ判定表の
// 真偽を反転させたものとして1つのGateで表現する。
package routegate

// Mode はゲートの種類を表す。
type Mode int

const (
	// Protected は認証済みの場合のみ内容を表示するゲート。
	Protected Mode = iota
	// PublicOnly は未認証の場合のみ内容を表示するゲート。
	PublicOnly
)

// Kind は判定結果の種類を表す。
type Kind int

const (
	// KindRender は内容を表示する。
	KindRender Kind = iota
	// KindRedirect は別のパスへ遷移させる。
	KindRedirect
)

// Content は表示する内容の種類を表す。
type Content int

const (
	// ContentLoading は認証確認中のプレースホルダー。
	ContentLoading Content = iota
	// ContentPage はゲートが保護するページ本体。
	ContentPage
)

// State はゲートが参照する認証状態。session.Authorityとsession.Snapshotが満たす。
type State interface {
	IsLoading() bool
	IsAuthenticated() bool
}

// Decision はゲートの判定結果。
type Decision struct {
	// Kind は表示かリダイレクトか。
	Kind Kind
	// Content はKindRenderの場合に表示する内容。
	Content Content
	// Target はKindRedirectの場合の遷移先パス。
	Target string
}

// Gate はロールスコープごとの画面遷移ゲート。
type Gate struct {
	// Mode はゲートの種類。
	Mode Mode
	// LoginPath は未認証時に遷移するログイン画面のパス。
	LoginPath string
	// HomePath は認証済みの場合に未認証専用画面から遷移するパス。
	HomePath string
}

// Decide は認証状態から判定結果を返す。
// 認証確認中はゲートの種類に関わらずプレースホルダーを表示し、保護された内容は表示しない。
func (g Gate) Decide(s State) Decision {
	if s.IsLoading() {
		return Decision{Kind: KindRender, Content: ContentLoading}
	}

	// PublicOnlyは表示条件を反転させる
	allowed := s.IsAuthenticated()
	if g.Mode == PublicOnly {
		allowed = !allowed
	}
	if allowed {
		return Decision{Kind: KindRender, Content: ContentPage}
	}
	return Decision{Kind: KindRedirect, Target: g.redirectTarget()}
}

// redirectTarget は表示を許可しない場合の遷移先を返す。
func (g Gate) redirectTarget() string {
	if g.Mode == PublicOnly {
		return g.HomePath
	}
	return g.LoginPath
}
