// Package pushfeed はバックエンドに溜まったプッシュ配信を定期的に取得し、
// バックグラウンドワーカーに渡す。
package pushfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nao1215/haisou/internal/worker"
	"github.com/nao1215/haisou/pkg/httpclient"
	"github.com/nao1215/haisou/pkg/session"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// pullPath はプッシュ配信待ちを取得するエンドポイント。
const pullPath = "/api/v1/push/pull"

// SessionSource は現在のセッションを返す。session.Authorityが満たす。
type SessionSource interface {
	Snapshot() session.Snapshot
}

// Dispatcher はプッシュ配信を処理する。*worker.Workerが満たす。
type Dispatcher interface {
	DispatchPush(ctx context.Context, data []byte) (*worker.Notification, error)
}

// message はプッシュ配信1件。
type message struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// pullResponse はプッシュ配信待ち取得のレスポンス。
type pullResponse struct {
	Messages []message `json:"messages"`
}

// Puller はプッシュ配信を取得してワーカーに渡す。
type Puller struct {
	client     *httpclient.Client
	source     SessionSource
	dispatcher Dispatcher
	log        *logrus.Entry
	cron       *cron.Cron
}

// New はPullerを生成する。
func New(client *httpclient.Client, source SessionSource, dispatcher Dispatcher) *Puller {
	return &Puller{
		client:     client,
		source:     source,
		dispatcher: dispatcher,
		log:        logrus.WithField("component", "pushfeed"),
	}
}

// Start はscheduleに従って取得を開始する。前回の取得が終わっていない回はスキップする。
func (p *Puller) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := p.Pull(ctx); err != nil {
			p.log.WithError(err).Warn("プッシュ配信の取得に失敗しました")
		}
	}); err != nil {
		return fmt.Errorf("スケジュール %q の登録に失敗: %w", schedule, err)
	}
	p.cron = c
	c.Start()
	p.log.WithField("schedule", schedule).Info("プッシュ配信の取得を開始しました")
	return nil
}

// Stop は取得を停止し、実行中の取得が終わるまで待つ。
func (p *Puller) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// Pull は配信待ちのプッシュを1回取得してワーカーに渡し、渡した件数を返す。
// セッションが認証済みでない間は何もしない。
// 個々の表示の失敗はログに記録して次のプッシュへ進む。
func (p *Puller) Pull(ctx context.Context) (int, error) {
	snap := p.source.Snapshot()
	if !snap.IsAuthenticated() {
		return 0, nil
	}

	var resp pullResponse
	if err := p.client.PostJSON(httpclient.WithToken(ctx, snap.Token), pullPath, struct{}{}, &resp); err != nil {
		return 0, fmt.Errorf("プッシュ配信待ちの取得に失敗: %w", err)
	}

	dispatched := 0
	for _, m := range resp.Messages {
		if _, err := p.dispatcher.DispatchPush(ctx, m.Data); err != nil {
			p.log.WithError(err).WithField("notification_id", m.ID).Warn("プッシュ配信の処理に失敗しました")
			continue
		}
		dispatched++
	}
	return dispatched, nil
}
