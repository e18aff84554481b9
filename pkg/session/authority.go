package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nao1215/haisou/pkg/httpclient"
	"github.com/nao1215/haisou/pkg/kv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultResolveTimeout は認証確認のタイムアウトの既定値。
const DefaultResolveTimeout = 15 * time.Second

// ErrMalformedDescriptor は認証エンドポイントの応答が不正であることを表す。
var ErrMalformedDescriptor = errors.New("セッション記述子が不正です")

// Descriptor は認証エンドポイントが返すセッション記述子。
type Descriptor struct {
	// UserID は認証済みユーザーのID。
	UserID string `json:"user_id"`
	// Role は記述子が有効なロール。
	Role Role `json:"role"`
	// Token はローテーション後のトークン。空の場合は現在のトークンを使い続ける。
	Token string `json:"token,omitempty"`
}

// Authenticator は認証エンドポイントを表す外部コラボレーター。
type Authenticator interface {
	// Authenticate はトークンを検証し、セッション記述子を返す。
	// tokenは空の場合がある。
	Authenticate(ctx context.Context, role Role, token string) (Descriptor, error)
}

// Option はAuthorityの設定を変更する。
type Option func(*Authority)

// WithResolveTimeout は認証確認のタイムアウトを設定する。0以下の場合はタイムアウトしない。
func WithResolveTimeout(d time.Duration) Option {
	return func(a *Authority) {
		a.timeout = d
	}
}

// Authority は1つのロールスコープの認証状態を所有する。
type Authority struct {
	role    Role
	auth    Authenticator
	tokens  kv.Store
	timeout time.Duration
	group   singleflight.Group
	log     *logrus.Entry

	mu sync.Mutex
	// snap は現在の状態。Authorityだけが更新する。
	snap Snapshot
	// epoch はLogin/Logoutによるリセットの回数。古い問い合わせ結果の破棄に使う。
	epoch uint64
	// generation は最後に払い出した認証済みセッションの世代番号。
	generation uint64
	subs       map[int]chan Snapshot
	nextSub    int
}

// New はLoading状態のAuthorityを生成する。認証確認はResolveで開始する。
// tokensはローカルに保存された資格情報トークンの読み書きに使用する。
func New(role Role, auth Authenticator, tokens kv.Store, opts ...Option) *Authority {
	a := &Authority{
		role:    role,
		auth:    auth,
		tokens:  tokens,
		timeout: DefaultResolveTimeout,
		log:     logrus.WithField("role", string(role)),
		snap:    Snapshot{Role: role, State: StateLoading},
		subs:    make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TokenKey はロールごとのトークン保存キーを返す。
func TokenKey(role Role) string {
	return "haisou.session." + string(role) + ".token"
}

// Role はAuthorityのロールを返す。
func (a *Authority) Role() Role {
	return a.role
}

// Snapshot は現在の状態のコピーを返す。
func (a *Authority) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// IsLoading は認証確認中かどうかを返す。
func (a *Authority) IsLoading() bool {
	return a.Snapshot().IsLoading()
}

// IsAuthenticated は認証済みかどうかを返す。
func (a *Authority) IsAuthenticated() bool {
	return a.Snapshot().IsAuthenticated()
}

// Resolve は認証確認を行い、確定した状態を返す。
// 既に確定している場合は問い合わせを行わない。問い合わせ中に呼ばれた場合は
// 新しい問い合わせを開始せず、進行中の結果を共有する。
// ctxがキャンセルされた場合は待機を打ち切って現在の状態を返すが、問い合わせ自体は継続する。
func (a *Authority) Resolve(ctx context.Context) Snapshot {
	a.mu.Lock()
	if !a.snap.IsLoading() {
		snap := a.snap
		a.mu.Unlock()
		return snap
	}
	epoch := a.epoch
	a.mu.Unlock()

	ch := a.group.DoChan(fmt.Sprintf("resolve-%d", epoch), func() (any, error) {
		return a.resolve(context.WithoutCancel(ctx), epoch), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Snapshot)
	case <-ctx.Done():
		return a.Snapshot()
	}
}

// Login はトークンを保存し、状態をLoadingに戻して再確認する。
func (a *Authority) Login(ctx context.Context, token string) Snapshot {
	if err := a.tokens.Set(ctx, TokenKey(a.role), []byte(token)); err != nil {
		a.log.WithError(err).Warn("トークンの保存に失敗しました")
	}
	a.reset()
	return a.Resolve(ctx)
}

// Logout は保存済みトークンを削除し、状態をLoadingに戻して再確認する。
func (a *Authority) Logout(ctx context.Context) Snapshot {
	if err := a.tokens.Delete(ctx, TokenKey(a.role)); err != nil {
		a.log.WithError(err).Warn("トークンの削除に失敗しました")
	}
	a.reset()
	return a.Resolve(ctx)
}

// Subscribe は状態の変化を受け取るチャネルを返す。
// チャネルには登録時点の状態が最初に届き、以降は最新の状態のみが保持される。
// 返された関数で購読を解除する。
func (a *Authority) Subscribe() (<-chan Snapshot, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSub
	a.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- a.snap
	a.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			delete(a.subs, id)
		})
	}
}

// reset は状態をLoadingに戻し、進行中の問い合わせ結果を無効にする。
func (a *Authority) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.epoch++
	a.setLocked(Snapshot{Role: a.role, State: StateLoading})
}

// resolve は認証エンドポイントに問い合わせて状態を確定させる。
func (a *Authority) resolve(ctx context.Context, epoch uint64) Snapshot {
	token := a.storedToken(ctx)

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	desc, err := a.auth.Authenticate(ctx, a.role, token)
	if err == nil && (desc.UserID == "" || desc.Role != a.role) {
		err = fmt.Errorf("%w: user_id=%q role=%q", ErrMalformedDescriptor, desc.UserID, desc.Role)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.epoch != epoch {
		// Login/Logoutで既にリセットされている
		return a.snap
	}

	if err != nil {
		a.log.WithError(err).Info("認証確認に失敗したため未認証として扱います")
		if httpclient.IsUnauthorized(err) && token != "" {
			if derr := a.tokens.Delete(ctx, TokenKey(a.role)); derr != nil {
				a.log.WithError(derr).Warn("失効したトークンの削除に失敗しました")
			}
		}
		a.setLocked(Snapshot{Role: a.role, State: StateUnauthenticated})
		return a.snap
	}

	if desc.Token != "" && desc.Token != token {
		if serr := a.tokens.Set(ctx, TokenKey(a.role), []byte(desc.Token)); serr != nil {
			a.log.WithError(serr).Warn("ローテーションされたトークンの保存に失敗しました")
		}
		token = desc.Token
	}

	a.generation++
	a.setLocked(Snapshot{
		Role:       a.role,
		State:      StateAuthenticated,
		Token:      token,
		UserID:     desc.UserID,
		Generation: a.generation,
	})
	a.log.WithFields(logrus.Fields{
		"user_id":    desc.UserID,
		"generation": a.generation,
	}).Info("認証済みセッションを確立しました")
	return a.snap
}

// storedToken はローカルに保存されたトークンを返す。無い場合は空文字列。
func (a *Authority) storedToken(ctx context.Context) string {
	data, err := a.tokens.Get(ctx, TokenKey(a.role))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			a.log.WithError(err).Warn("保存済みトークンの読み込みに失敗しました")
		}
		return ""
	}
	return string(data)
}

// setLocked は状態を更新して購読者に通知する。a.muを保持して呼び出す。
func (a *Authority) setLocked(snap Snapshot) {
	a.snap = snap
	for _, ch := range a.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
