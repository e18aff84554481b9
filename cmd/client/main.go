// クライアントデーモンのエントリポイント。
// 設定したロールのセッションを確認し、認証済みの間はリアルタイムチャネルを維持する。
// バックグラウンドワーカーはチャネルの有無に関わらずプッシュ配信を受け取って通知を表示する。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/haisou/internal/config"
	"github.com/nao1215/haisou/internal/pushfeed"
	"github.com/nao1215/haisou/internal/surface"
	"github.com/nao1215/haisou/internal/worker"
	"github.com/nao1215/haisou/pkg/channel"
	"github.com/nao1215/haisou/pkg/event"
	"github.com/nao1215/haisou/pkg/httpclient"
	"github.com/nao1215/haisou/pkg/kv"
	"github.com/nao1215/haisou/pkg/preference"
	"github.com/nao1215/haisou/pkg/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatalf("設定の読み込みに失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.Fatalf("クライアントの実行に失敗: %v", err)
	}
	logrus.Info("クライアントを停止しました")
}

func run(ctx context.Context, cfg config.Client) error {
	store, err := kv.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("ストアの初期化に失敗: %w", err)
	}
	defer store.Close()

	client := httpclient.New(cfg.APIURL)
	authority := session.New(cfg.Role, session.NewHTTPAuthenticator(client), store)
	prefs := preference.Load(ctx, store)

	// ワーカーはウィンドウやセッションより先に登録する
	platform := worker.NewMemoryPlatform(cfg.CanOpenWindow)
	w, err := worker.Register(ctx, platform)
	if err != nil {
		return fmt.Errorf("ワーカーの登録に失敗: %w", err)
	}
	platform.OnShow(func(n *worker.Notification) {
		logrus.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"title":           n.Title,
			"url":             n.Data.URL,
		}).Info("通知")
	})

	// 画面とチャネルは相互に参照するため、受信ハンドラは画面の生成後に解決する
	var screen *surface.Server
	manager, err := channel.NewManager(cfg.APIURL, channel.WithHandler(func(ch *channel.Channel, e *event.Envelope) {
		screen.HandleEvent(ch, e)
	}))
	if err != nil {
		return fmt.Errorf("チャネルの初期化に失敗: %w", err)
	}
	screen = surface.NewServer(authority, prefs, manager, w, platform, os.Stdout)

	go authority.Resolve(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Run(ctx, authority)
	}()

	puller := pushfeed.New(client, authority, w)
	if err := puller.Start(ctx, cfg.PushSchedule); err != nil {
		return err
	}
	defer puller.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           screen.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{"port": cfg.Port, "role": cfg.Role}).Info("クライアント画面を起動します")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("クライアント画面の停止に失敗: %w", err)
	}
	<-done
	return nil
}
