package session

import "fmt"

// Role はセッションのロールスコープを表す。
type Role string

const (
	// RoleAdmin は管理画面のロール。
	RoleAdmin Role = "admin"
	// RoleCustomer は顧客画面のロール。
	RoleCustomer Role = "customer"
)

// Valid は既知のロールかどうかを返す。
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleCustomer
}

// AuthPath はロールに対応する認証エンドポイントのパスを返す。
func (r Role) AuthPath() string {
	return "/api/v1/auth/" + string(r)
}

// ParseRole は文字列をRoleに変換する。
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("不明なロールです: %q", s)
	}
	return r, nil
}

// State は認証状態を表す。
type State int

const (
	// StateLoading は認証確認の完了待ち。この間の認証結果は判定に使用してはならない。
	StateLoading State = iota
	// StateAuthenticated は認証済み。
	StateAuthenticated
	// StateUnauthenticated は未認証。
	StateUnauthenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Snapshot はある時点のセッション状態の読み取り専用コピー。
type Snapshot struct {
	// Role はセッションのロール。
	Role Role
	// State は認証状態。
	State State
	// Token は認証済みの場合の資格情報トークン。
	Token string
	// UserID は認証済みユーザーのID。
	UserID string
	// Generation は認証済みセッションの世代番号。Authenticatedへ遷移するたびに増える。
	Generation uint64
}

// IsLoading は認証確認中かどうかを返す。
func (s Snapshot) IsLoading() bool {
	return s.State == StateLoading
}

// IsAuthenticated は認証済みかどうかを返す。IsLoadingがtrueの間は意味を持たない。
func (s Snapshot) IsAuthenticated() bool {
	return s.State == StateAuthenticated
}
