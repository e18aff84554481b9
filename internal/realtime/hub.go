package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nao1215/haisou/pkg/event"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait は1回の書き込みに許容する時間。
	writeWait = 10 * time.Second
	// readWait はクライアントからの受信が途絶えてから切断するまでの時間。
	// クライアントは30秒ごとにPingイベントを送る。
	readWait = 90 * time.Second
	// pingPeriod はサーバーから送るPingフレームの間隔。readWaitより短くする。
	pingPeriod = 60 * time.Second
	// maxMessageSize はクライアントから受け付けるメッセージの最大サイズ。
	maxMessageSize = 64 * 1024
	// sendQueueSize は接続ごとの送信キューの長さ。
	sendQueueSize = 32
)

// Observer は接続数の変化を受け取る。*metrics.Collectorが満たす。
type Observer interface {
	ChannelOpened()
	ChannelClosed()
}

// Option はHubの設定を変更する。
type Option func(*Hub)

// WithObserver は接続数の変化を通知する先を設定する。
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		h.observer = o
	}
}

// WithAllowedOrigins はWebSocketハンドシェイクを許可するOriginを設定する。
// 空の場合はOriginヘッダーの無いリクエストと同一ホストのみ許可する。
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// Hub はユーザーごとのWebSocket接続を管理する。
type Hub struct {
	upgrader websocket.Upgrader
	observer Observer
	log      *logrus.Entry

	mu    sync.RWMutex
	conns map[string]map[string]*Conn
}

// NewHub はHubを生成する。
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:   logrus.WithField("component", "realtime"),
		conns: make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Conn はハブに登録された1本のWebSocket接続。
type Conn struct {
	// ID は接続のソケットID。
	ID string
	// UserID は接続したユーザーのID。
	UserID string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Serve はリクエストをWebSocketにアップグレードしてユーザーの接続として登録する。
// 接続が閉じられるまで戻らない。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("WebSocketへのアップグレードに失敗: %w", err)
	}

	c := &Conn{
		ID:     uuid.New().String(),
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go h.writePump(c)
	h.readPump(c)
	return nil
}

// register は接続を登録する。
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	if h.conns[c.UserID] == nil {
		h.conns[c.UserID] = make(map[string]*Conn)
	}
	h.conns[c.UserID][c.ID] = c
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.ChannelOpened()
	}
	h.log.WithFields(logrus.Fields{"user_id": c.UserID, "socket_id": c.ID}).Info("チャネルが接続されました")
}

// unregister は接続の登録を解除して閉じる。
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.UserID][c.ID]
	if ok {
		delete(h.conns[c.UserID], c.ID)
		if len(h.conns[c.UserID]) == 0 {
			delete(h.conns, c.UserID)
		}
	}
	h.mu.Unlock()

	c.close()
	if ok {
		if h.observer != nil {
			h.observer.ChannelClosed()
		}
		h.log.WithFields(logrus.Fields{"user_id": c.UserID, "socket_id": c.ID}).Info("チャネルが切断されました")
	}
}

// close は切断フレームを送ってから接続を閉じる。複数回呼んでも安全。
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// readPump はクライアントからのメッセージを読み続け、受信のたびに期限を延長する。
// クライアントからの送信はPingイベントのみを想定し、内容は破棄する。
func (h *Hub) readPump(c *Conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).WithField("socket_id", c.ID).Warn("チャネルが異常終了しました")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		if e, err := event.Parse(msg); err == nil && e.Type != event.TypePing {
			h.log.WithFields(logrus.Fields{"socket_id": c.ID, "type": e.Type}).Debug("クライアントからのイベントを無視しました")
		}
	}
}

// writePump は送信キューのメッセージを書き込み、定期的にPingフレームを送る。
func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// SendToUser はユーザーの開いているすべての接続にイベントを送り、送信キューに積めた接続数を返す。
// 送信キューが溢れた接続は遅いクライアントとして切断する。
func (h *Hub) SendToUser(userID string, e *event.Envelope) (int, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns[userID]))
	for _, c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		select {
		case <-c.done:
		case c.send <- data:
			delivered++
		default:
			h.log.WithField("socket_id", c.ID).Warn("送信キューが溢れたためチャネルを切断します")
			c.close()
		}
	}
	return delivered, nil
}

// Count はユーザーの開いている接続数を返す。
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Close はすべての接続を閉じる。
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Conn
	for _, byID := range h.conns {
		for _, c := range byID {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}
