package worker

import (
	"github.com/nao1215/haisou/pkg/push"
)

const (
	// DefaultIcon は通知に表示するアイコン画像の参照。
	DefaultIcon = "/icons/icon-192x192.png"
	// DefaultBadge は通知に表示するバッジ画像の参照。
	DefaultBadge = "/icons/badge-72x72.png"
)

// NotificationData は表示した通知に添付するメタデータ。
type NotificationData struct {
	// URL はクリック時の遷移先。
	URL string `json:"url"`
}

// DisplayCommand はシステム通知の表示内容。
type DisplayCommand struct {
	Title              string           `json:"title"`
	Body               string           `json:"body"`
	Icon               string           `json:"icon"`
	Badge              string           `json:"badge"`
	Data               NotificationData `json:"data"`
	RequireInteraction bool             `json:"requireInteraction"`
}

// BuildDisplay はプッシュのペイロードから表示内容を組み立てる。
// ペイロードが無い、または不正な場合も既定値で表示内容を返す。
// エラーはペイロードの解析に失敗した理由で、ログ出力にのみ使用する。
func BuildDisplay(data []byte) (DisplayCommand, error) {
	p, err := push.Decode(data)
	return DisplayCommand{
		Title:              p.Title,
		Body:               p.Body,
		Icon:               DefaultIcon,
		Badge:              DefaultBadge,
		Data:               NotificationData{URL: p.URL},
		RequireInteraction: p.RequireInteraction,
	}, err
}
