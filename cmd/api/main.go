// バックエンドAPIサービスのエントリポイント。
// ロール別のトークン発行と認証確認、リアルタイムチャネルの受け付け、
// 通知の保存とチャネル/プッシュによる配信を担当する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/haisou/internal/api"
	"github.com/nao1215/haisou/internal/config"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		logrus.Fatalf("設定の読み込みに失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := api.NewServer(ctx, cfg)
	if err != nil {
		logrus.Fatalf("APIサーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	logrus.Infof("APIサービスを起動します: :%s", cfg.Port)
	if err := server.Run(ctx); err != nil {
		logrus.Fatalf("APIサービスの起動に失敗: %v", err)
	}
	logrus.Info("APIサービスを停止しました")
}
