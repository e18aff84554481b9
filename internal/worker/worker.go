package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotActive はワーカーが有効化されていないことを表す。
	ErrNotActive = errors.New("ワーカーが有効化されていません")
	// ErrNothingShown は表示した通知が返されなかったことを表す。
	ErrNothingShown = errors.New("表示した通知が返されませんでした")
)

var (
	registerOnce sync.Once
	instance     atomic.Pointer[Worker]
	registerErr  error
)

// Register はプロセスで唯一のワーカーを登録し、インストールと有効化を行う。
// 2回目以降の呼び出しは引数を無視して最初に登録したワーカーを返す。
func Register(ctx context.Context, p Platform) (*Worker, error) {
	registerOnce.Do(func() {
		w := newWorker(p)
		instance.Store(w)
		registerErr = w.start(ctx)
	})
	return instance.Load(), registerErr
}

// Current は登録済みのワーカーを返す。未登録の場合はnil。
func Current() *Worker {
	return instance.Load()
}

// Worker はバックグラウンド通知ワーカー。
type Worker struct {
	platform Platform
	log      *logrus.Entry

	mu    sync.RWMutex
	state State
}

func newWorker(p Platform) *Worker {
	return &Worker{
		platform: p,
		log:      logrus.WithField("component", "worker"),
		state:    Installing,
	}
}

// State は現在のライフサイクル状態を返す。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.log.WithField("state", s.String()).Info("ワーカーの状態が変化しました")
}

// start はインストールと有効化を続けて行う。
func (w *Worker) start(ctx context.Context) error {
	if err := w.install(ctx); err != nil {
		return err
	}
	return w.activate(ctx)
}

// install は既存のウィンドウが閉じるのを待たずにInstalledへ進む。
func (w *Worker) install(ctx context.Context) error {
	w.setState(Installing)
	if err := run(ctx, func(*ExtendableEvent) {}); err != nil {
		return fmt.Errorf("ワーカーのインストールに失敗: %w", err)
	}
	// 旧バージョンの終了を待たない
	w.setState(Installed)
	return nil
}

// activate は開いているすべてのウィンドウを直ちに制御下に置いてActiveへ進む。
func (w *Worker) activate(ctx context.Context) error {
	w.setState(Activating)
	err := run(ctx, func(e *ExtendableEvent) {
		e.WaitUntil(w.platform.Claim)
	})
	if err != nil {
		return fmt.Errorf("ワーカーの有効化に失敗: %w", err)
	}
	w.setState(Active)
	return nil
}

// DispatchPush はプッシュ配信を処理し、通知の表示が完了するまで待つ。
// ペイロードが不正でも既定値で通知を表示する。
func (w *Worker) DispatchPush(ctx context.Context, data []byte) (*Notification, error) {
	if w.State() != Active {
		return nil, ErrNotActive
	}

	var shown *Notification
	err := run(ctx, func(e *ExtendableEvent) {
		cmd, err := BuildDisplay(data)
		if err != nil {
			w.log.WithError(err).Warn("プッシュのペイロードを解析できないため既定値で表示します")
		}
		e.WaitUntil(func(ctx context.Context) error {
			n, err := w.platform.Show(ctx, cmd)
			if err != nil {
				return err
			}
			if n == nil {
				return ErrNothingShown
			}
			shown = n
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("通知の表示に失敗: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"notification_id": shown.ID,
		"url":             shown.Data.URL,
	}).Info("通知を表示しました")
	return shown, nil
}

// DispatchClick は通知のクリックを処理する。
// 通知を閉じ、遷移先を表示中のウィンドウがあれば前面に出し、無ければ新しいウィンドウで開く。
// 一連の処理が完了するまで待つ。
func (w *Worker) DispatchClick(ctx context.Context, n *Notification) (ClickCommand, error) {
	if w.State() != Active {
		return ClickCommand{}, ErrNotActive
	}

	var cmd ClickCommand
	err := run(ctx, func(e *ExtendableEvent) {
		n.Close()
		e.WaitUntil(func(ctx context.Context) error {
			windows, err := w.platform.MatchAll(ctx, true)
			if err != nil {
				return fmt.Errorf("ウィンドウの列挙に失敗: %w", err)
			}
			urls := make([]string, len(windows))
			for i, win := range windows {
				urls[i] = win.URL()
			}

			cmd = ResolveClick(n.Data.URL, urls, w.platform.CanOpenWindow())
			switch cmd.Action {
			case ActionFocus:
				return windows[cmd.Index].Focus(ctx)
			case ActionOpen:
				return w.platform.OpenWindow(ctx, cmd.URL)
			default:
				return nil
			}
		})
	})
	if err != nil {
		return cmd, fmt.Errorf("通知クリックの処理に失敗: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"url":             cmd.URL,
		"action":          cmd.Action.String(),
	}).Info("通知クリックを処理しました")
	return cmd, nil
}

// DispatchClose はユーザーが通知を閉じたことを処理する。
func (w *Worker) DispatchClose(ctx context.Context, n *Notification) error {
	return run(ctx, func(*ExtendableEvent) {
		n.Close()
		w.log.WithField("notification_id", n.ID).Info("通知が閉じられました")
	})
}
