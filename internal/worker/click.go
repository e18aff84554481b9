package worker

import (
	"strings"

	"github.com/nao1215/haisou/pkg/push"
)

// ClickAction は通知クリック時の動作。
type ClickAction int

const (
	// ActionNone は何もしない。
	ActionNone ClickAction = iota
	// ActionFocus は既存のウィンドウを前面に出す。
	ActionFocus
	// ActionOpen は新しいウィンドウを開く。
	ActionOpen
)

// String は動作名を返す。
func (a ClickAction) String() string {
	switch a {
	case ActionFocus:
		return "focus"
	case ActionOpen:
		return "open"
	default:
		return "none"
	}
}

// ClickCommand は通知クリックに対する動作。
type ClickCommand struct {
	Action ClickAction
	// Index はActionFocusの対象ウィンドウの位置。
	Index int
	// URL は遷移先。
	URL string
}

// ResolveClick はクリックされた通知の遷移先と現在のウィンドウ一覧から動作を決める。
// URLがurlを部分文字列として含む最初のウィンドウを前面に出す。
// 一致が無ければ、新しいウィンドウを開ける場合に限りurlを開く。
// 一致が複数ある場合はwindowsの列挙順に従う。
func ResolveClick(url string, windows []string, canOpen bool) ClickCommand {
	if url == "" {
		url = push.DefaultURL
	}
	for i, w := range windows {
		if strings.Contains(w, url) {
			return ClickCommand{Action: ActionFocus, Index: i, URL: url}
		}
	}
	if canOpen {
		return ClickCommand{Action: ActionOpen, Index: -1, URL: url}
	}
	return ClickCommand{Action: ActionNone, Index: -1, URL: url}
}
