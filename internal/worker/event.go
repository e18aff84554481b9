package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ExtendableEvent はハンドラの寿命を明示的に延長できるイベント。
// ハンドラが戻った後も、WaitUntilで登録した処理が完了するまでホストはイベントを終了しない。
type ExtendableEvent struct {
	ctx context.Context
	g   *errgroup.Group
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	g, gctx := errgroup.WithContext(ctx)
	return &ExtendableEvent{ctx: gctx, g: g}
}

// WaitUntil はイベントの寿命をfnの完了まで延長する。
// fnはハンドラの実行中に登録すること。いずれかがエラーを返すと他の処理のctxはキャンセルされる。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error {
		return fn(e.ctx)
	})
}

// wait は登録されたすべての処理の完了を待つ。タイムアウトは設けない。
func (e *ExtendableEvent) wait() error {
	return e.g.Wait()
}

// run はハンドラを実行し、延長された処理がすべて完了するまで待つ。
func run(ctx context.Context, handler func(e *ExtendableEvent)) error {
	e := newExtendableEvent(ctx)
	handler(e)
	return e.wait()
}
