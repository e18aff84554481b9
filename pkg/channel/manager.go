package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nao1215/haisou/pkg/event"
	"github.com/nao1215/haisou/pkg/session"
	"github.com/sirupsen/logrus"
)

// heartbeatInterval はOpen中に送信する死活監視メッセージの間隔。
const heartbeatInterval = 30 * time.Second

// Dialer はトランスポート接続を確立する。
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// WebSocketDialer はgorilla/websocketによるDialer。
// WebSocketのみを使用し、他のトランスポートへのフォールバックは行わない。
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial はWebSocket接続を確立する。
func (d WebSocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("WebSocket接続に失敗: %w", err)
	}
	return conn, nil
}

// SessionSource はManagerが監視するセッション。session.Authorityが満たす。
type SessionSource interface {
	Subscribe() (<-chan session.Snapshot, func())
}

// Handler は受信したイベントを処理する。
type Handler func(ch *Channel, e *event.Envelope)

// Manager は認証済みセッションごとに1本のチャネルを所有する。
type Manager struct {
	endpoint  string
	dialer    Dialer
	onMessage Handler
	log       *logrus.Entry

	mu sync.Mutex
	// current は公開中のハンドル。確立前や切断後はnil。
	current *Channel
	// generation は接続対象のセッション世代。0は接続対象なし。
	generation uint64
	closed     bool
	// cancelDial は進行中の接続処理を中断する。
	cancelDial context.CancelFunc
	// settled は切り離したハンドルがすべて閉じ終えたときに閉じられる。
	settled chan struct{}
	wg      sync.WaitGroup

	// dialMu は接続処理を直列化し、同時に2本以上の接続が存在しないようにする。
	dialMu sync.Mutex
}

// ManagerOption はManagerの設定を変更する。
type ManagerOption func(*Manager)

// WithDialer はDialerを差し替える。
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithHandler は受信イベントのハンドラを設定する。
func WithHandler(h Handler) ManagerOption {
	return func(m *Manager) {
		m.onMessage = h
	}
}

// NewManager はbaseURLから導出したWebSocketエンドポイントに接続するManagerを生成する。
func NewManager(baseURL string, opts ...ManagerOption) (*Manager, error) {
	endpoint, err := Endpoint(baseURL)
	if err != nil {
		return nil, err
	}
	settled := make(chan struct{})
	close(settled)
	m := &Manager{
		endpoint: endpoint,
		dialer:   WebSocketDialer{},
		log:      logrus.WithField("component", "channel"),
		settled:  settled,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Endpoint はAPIのベースURLからWebSocketエンドポイントを導出する。
// http→ws、https→wssに変換し、パス/wsを付与する。
func Endpoint(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("未対応のスキームです: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Handle は現在のチャネルを返す。確立前や切断後はnil。
func (m *Manager) Handle() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Run はセッションの状態を監視してチャネルの開閉を行う。
// ctxがキャンセルされると切断して戻る。
func (m *Manager) Run(ctx context.Context, src SessionSource) {
	updates, cancel := src.Subscribe()
	defer cancel()
	defer m.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			m.Reconcile(ctx, snap)
		}
	}
}

// Reconcile はセッションの状態に合わせてチャネルを開閉する。
// 新しい世代の認証済みセッションでは既存のチャネルを切断してから1回だけ接続を開始する。
// 同じ世代での再呼び出しでは何もしない。接続は非同期に行い、結果はチャネルの状態で観測する。
func (m *Manager) Reconcile(ctx context.Context, snap session.Snapshot) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if !snap.IsAuthenticated() {
		m.stopDialLocked()
		if m.generation != 0 {
			m.log.WithField("state", snap.State.String()).Info("セッションが無効になったためチャネルを切断します")
		}
		m.generation = 0
		old := m.detachLocked()
		m.mu.Unlock()
		m.release(old)
		return
	}
	if snap.Generation == m.generation {
		m.mu.Unlock()
		return
	}

	m.stopDialLocked()
	old := m.detachLocked()
	m.generation = snap.Generation

	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.connect(dialCtx, snap)
	}()
	m.mu.Unlock()

	m.release(old)
}

// Close はチャネルを切断し、以降の接続を行わない。
// 進行中の接続処理と受信ループの終了を待つ。
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.generation = 0
	m.stopDialLocked()
	old := m.detachLocked()
	m.mu.Unlock()

	m.release(old)
	m.wg.Wait()
}

// stopDialLocked は進行中の接続処理を中断する。m.muを保持して呼び出す。
func (m *Manager) stopDialLocked() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

// detachLocked は現在のハンドルを公開から外して返す。m.muを保持して呼び出す。
// 切断はロックの外でreleaseにより行い、次の接続はその完了を待つ。
func (m *Manager) detachLocked() *Channel {
	ch := m.current
	if ch == nil {
		return nil
	}
	m.current = nil

	prev := m.settled
	next := make(chan struct{})
	m.settled = next
	go func() {
		<-prev
		<-ch.released
		close(next)
	}()
	return ch
}

// release は切り離したハンドルを切断する。m.muを保持せずに呼び出す。
func (m *Manager) release(ch *Channel) {
	if ch == nil {
		return
	}
	if ch.close() {
		m.log.WithField("socket_id", ch.ID).Info("チャネルを切断しました")
	}
}

// connect は接続を確立し、接続中に世代が変わっていなければハンドルとして公開する。
func (m *Manager) connect(ctx context.Context, snap session.Snapshot) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	current := !m.closed && m.generation == snap.Generation
	settled := m.settled
	m.mu.Unlock()
	if !current {
		return
	}

	// 切り離し済みのチャネルが閉じ終わるまで新しい接続を開かない
	select {
	case <-settled:
	case <-ctx.Done():
		return
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+snap.Token)

	log := m.log.WithField("generation", snap.Generation)
	conn, err := m.dialer.Dial(ctx, m.endpoint, header)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// 接続失敗は致命的ではない。ハンドルはnilのままで再試行もしない
		log.WithError(err).Warn("チャネルの確立に失敗しました")
		return
	}

	ch := newChannel(uuid.New().String(), snap.Generation, conn)

	m.mu.Lock()
	if m.closed || m.generation != snap.Generation || m.current != nil {
		m.mu.Unlock()
		ch.close()
		log.Info("接続中にセッションが変わったためチャネルを破棄しました")
		return
	}
	m.current = ch
	m.wg.Add(2)
	m.mu.Unlock()

	log.WithField("socket_id", ch.ID).Info("チャネルを確立しました")
	go func() {
		defer m.wg.Done()
		m.readLoop(ch)
	}()
	go func() {
		defer m.wg.Done()
		m.heartbeat(ch)
	}()
}

// readLoop は受信したメッセージをハンドラに渡す。
// 接続が閉じられた場合はハンドルを解放する。再接続はトランスポート側の責務とする。
func (m *Manager) readLoop(ch *Channel) {
	for {
		_, message, err := ch.conn.ReadMessage()
		if err != nil {
			break
		}
		e, err := event.Parse(message)
		if err != nil {
			m.log.WithError(err).Debug("不正なメッセージを無視しました")
			continue
		}
		if e.Type == event.TypePing {
			continue
		}
		if m.onMessage != nil {
			m.onMessage(ch, e)
		}
	}

	m.mu.Lock()
	if m.current == ch {
		m.detachLocked()
	}
	m.mu.Unlock()
	if ch.close() {
		m.log.WithField("socket_id", ch.ID).Warn("サーバーによりチャネルが閉じられました")
	}
}

// heartbeat はOpen中に定期的にPingイベントを送る。
func (m *Manager) heartbeat(ch *Channel) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch.Done():
			return
		case <-ticker.C:
			ping, err := event.New(event.TypePing, nil)
			if err != nil {
				continue
			}
			if err := ch.Send(ping); err != nil {
				m.log.WithError(err).Debug("死活監視メッセージの送信に失敗しました")
			}
		}
	}
}
