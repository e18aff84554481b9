package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nao1215/haisou/pkg/event"
)

// writeWait は1回の書き込みに許す時間。
const writeWait = 10 * time.Second

// ErrNoChannel はチャネルが確立されていないことを表す。
var ErrNoChannel = errors.New("リアルタイムチャネルが確立されていません")

// ConnState はチャネルの接続状態を表す。
type ConnState int

const (
	// Connecting は接続処理中。
	Connecting ConnState = iota
	// Open は接続済み。
	Open
	// Disconnected は切断済み、または接続に失敗した状態。
	Disconnected
)

// String は状態名を返す。
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn はチャネルが使用するトランスポート接続。*websocket.Connが満たす。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Channel は1本のリアルタイムチャネルのハンドル。
// 依存コンポーネントは送信のみ行い、切断やハンドルの差し替えはManagerだけが行う。
type Channel struct {
	// ID はチャネルのソケットID。
	ID string
	// Generation はチャネルを開いたセッションの世代番号。
	Generation uint64

	writeMu sync.Mutex
	conn    Conn

	mu    sync.Mutex
	state ConnState
	done  chan struct{}
	// released は接続を閉じ終えたときに閉じられる。
	released chan struct{}
}

func newChannel(id string, generation uint64, conn Conn) *Channel {
	return &Channel{
		ID:         id,
		Generation: generation,
		conn:       conn,
		state:      Open,
		done:       make(chan struct{}),
		released:   make(chan struct{}),
	}
}

// State は現在の接続状態を返す。nilのハンドルはDisconnectedとして扱う。
func (c *Channel) State() ConnState {
	if c == nil {
		return Disconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done はチャネルが切断されたときに閉じられるチャネルを返す。
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send はイベントを送信する。nilまたは切断済みのハンドルではErrNoChannelを返し、
// 送信内容をキューに積んだり再送したりはしない。
func (c *Channel) Send(e *event.Envelope) error {
	if c == nil || c.State() != Open {
		return ErrNoChannel
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

// write は書き込みを直列化して送信する。
func (c *Channel) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("書き込み期限の設定に失敗: %w", err)
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("メッセージの送信に失敗: %w", err)
	}
	return nil
}

// close は切断フレームを送ってから接続を閉じる。複数回呼んでも安全。
// 切断フレームは送信中の書き込みを待たずに期限付きで送る。
// 戻り値は今回の呼び出しで状態を変更したかどうか。
func (c *Channel) close() bool {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return false
	}
	c.state = Disconnected
	close(c.done)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
	close(c.released)
	return true
}
