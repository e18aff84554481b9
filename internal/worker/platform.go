package worker

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ErrCannotOpenWindow は新しいウィンドウを開けないことを表す。
var ErrCannotOpenWindow = errors.New("新しいウィンドウを開けません")

// Notification は表示中のシステム通知。
type Notification struct {
	// ID は通知の識別子。
	ID string
	// Title は通知のタイトル。
	Title string
	// Body は通知の本文。
	Body string
	// Data は通知に添付されたメタデータ。遷移先URLの写しを持つ。
	Data NotificationData
	// RequireInteraction はユーザー操作があるまで表示し続けるかどうか。
	RequireInteraction bool

	closeOnce sync.Once
	onClose   func()
}

// Close は通知を閉じる。閉じ済みの通知に対しては何もしない。
func (n *Notification) Close() {
	n.closeOnce.Do(func() {
		if n.onClose != nil {
			n.onClose()
		}
	})
}

// Tray はシステム通知を表示する。
type Tray interface {
	Show(ctx context.Context, cmd DisplayCommand) (*Notification, error)
}

// WindowClient はアプリケーションのウィンドウ。
type WindowClient interface {
	URL() string
	Focus(ctx context.Context) error
}

// Clients はウィンドウの一覧と操作を提供する。
type Clients interface {
	// MatchAll はウィンドウを列挙する。includeUncontrolledがtrueの場合は
	// このワーカーの制御下に無いウィンドウも含める。
	MatchAll(ctx context.Context, includeUncontrolled bool) ([]WindowClient, error)
	// CanOpenWindow は新しいウィンドウを開けるかどうかを返す。
	CanOpenWindow() bool
	// OpenWindow はurlを新しいウィンドウで開く。
	OpenWindow(ctx context.Context, url string) error
	// Claim は開いているすべてのウィンドウをこのワーカーの制御下に置く。
	Claim(ctx context.Context) error
}

// Platform はワーカーを動かす実行環境。
type Platform interface {
	Tray
	Clients
}

// MemoryWindow はMemoryPlatformが管理するウィンドウ。
type MemoryWindow struct {
	p          *MemoryPlatform
	url        string
	controlled bool
	focusCount int
}

// URL はウィンドウの現在のURLを返す。
func (w *MemoryWindow) URL() string {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.url
}

// Focus はウィンドウを前面に出す。
func (w *MemoryWindow) Focus(context.Context) error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.focusCount++
	w.p.focused = w
	return nil
}

// FocusCount はFocusが呼ばれた回数を返す。
func (w *MemoryWindow) FocusCount() int {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.focusCount
}

// Controlled はウィンドウがワーカーの制御下にあるかどうかを返す。
func (w *MemoryWindow) Controlled() bool {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.controlled
}

// Navigate はウィンドウのURLを変更する。
func (w *MemoryWindow) Navigate(url string) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.url = url
}

// MemoryPlatform はプロセス内で通知とウィンドウを管理するPlatform。
type MemoryPlatform struct {
	mu        sync.Mutex
	canOpen   bool
	shown     map[string]*Notification
	windows   []*MemoryWindow
	focused   *MemoryWindow
	listeners []func(*Notification)
}

// NewMemoryPlatform はMemoryPlatformを生成する。
// canOpenがfalseの場合、OpenWindowはErrCannotOpenWindowを返す。
func NewMemoryPlatform(canOpen bool) *MemoryPlatform {
	return &MemoryPlatform{
		canOpen: canOpen,
		shown:   make(map[string]*Notification),
	}
}

// OnShow は通知が表示されたときに呼ばれる関数を登録する。
func (p *MemoryPlatform) OnShow(fn func(*Notification)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Show は通知を表示する。
func (p *MemoryPlatform) Show(ctx context.Context, cmd DisplayCommand) (*Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := &Notification{
		ID:                 uuid.New().String(),
		Title:              cmd.Title,
		Body:               cmd.Body,
		Data:               cmd.Data,
		RequireInteraction: cmd.RequireInteraction,
	}
	n.onClose = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.shown, n.ID)
	}

	p.mu.Lock()
	p.shown[n.ID] = n
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(n)
	}
	return n, nil
}

// Notification は表示中の通知を返す。
func (p *MemoryPlatform) Notification(id string) (*Notification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.shown[id]
	return n, ok
}

// Shown は表示中の通知を返す。
func (p *MemoryPlatform) Shown() []*Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Notification, 0, len(p.shown))
	for _, n := range p.shown {
		out = append(out, n)
	}
	return out
}

// AddWindow はウィンドウを追加する。追加直後のウィンドウはワーカーの制御下に無い。
func (p *MemoryPlatform) AddWindow(url string) *MemoryWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &MemoryWindow{p: p, url: url}
	p.windows = append(p.windows, w)
	return w
}

// Windows は開いているウィンドウを列挙順に返す。
func (p *MemoryPlatform) Windows() []*MemoryWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.windows)
}

// Focused は最後に前面に出たウィンドウを返す。
func (p *MemoryPlatform) Focused() *MemoryWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused
}

// MatchAll はウィンドウを列挙する。
func (p *MemoryPlatform) MatchAll(_ context.Context, includeUncontrolled bool) ([]WindowClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WindowClient, 0, len(p.windows))
	for _, w := range p.windows {
		if includeUncontrolled || w.controlled {
			out = append(out, w)
		}
	}
	return out, nil
}

// CanOpenWindow は新しいウィンドウを開けるかどうかを返す。
func (p *MemoryPlatform) CanOpenWindow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canOpen
}

// OpenWindow はurlを新しいウィンドウで開き、前面に出す。
func (p *MemoryPlatform) OpenWindow(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canOpen {
		return ErrCannotOpenWindow
	}
	w := &MemoryWindow{p: p, url: url, controlled: true, focusCount: 1}
	p.windows = append(p.windows, w)
	p.focused = w
	return nil
}

// Claim はすべてのウィンドウを制御下に置く。
func (p *MemoryPlatform) Claim(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.windows {
		w.controlled = true
	}
	return nil
}
