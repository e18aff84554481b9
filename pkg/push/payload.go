package push

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// DefaultTitle はタイトルが無い場合に使用する通知タイトル。
	DefaultTitle = "New Notification"
	// DefaultURL はURLが無い場合に使用する遷移先。
	DefaultURL = "/"
)

// Payload は通知の表示内容を表す。
type Payload struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// URL は通知クリック時の遷移先。
	URL string `json:"url"`
	// RequireInteraction はユーザー操作があるまで通知を表示し続けるかどうか。
	RequireInteraction bool `json:"requireInteraction"`
}

// Default は既定値のみで構成されたペイロードを返す。
func Default() Payload {
	return Payload{
		Title: DefaultTitle,
		Body:  "",
		URL:   DefaultURL,
	}
}

// Decode はプッシュメッセージのデータをペイロードに変換する。
// データが空、またはJSONオブジェクトとして解釈できない場合は既定値を返す。
// フィールドは個別に解釈し、欠落や型の不一致があったフィールドだけを既定値にする。
// 返り値のエラーはログ出力用であり、ペイロードは常に利用可能な値になる。
func Decode(data []byte) (Payload, error) {
	p := Default()
	if len(data) == 0 {
		return p, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return p, fmt.Errorf("プッシュペイロードのパースに失敗: %w", err)
	}

	var errs []error
	if err := decodeField(fields, "title", &p.Title); err != nil {
		errs = append(errs, err)
	}
	if err := decodeField(fields, "body", &p.Body); err != nil {
		errs = append(errs, err)
	}
	if err := decodeField(fields, "url", &p.URL); err != nil {
		errs = append(errs, err)
	}
	if err := decodeField(fields, "requireInteraction", &p.RequireInteraction); err != nil {
		errs = append(errs, err)
	}

	if p.Title == "" {
		p.Title = DefaultTitle
	}
	if p.URL == "" {
		p.URL = DefaultURL
	}
	return p, errors.Join(errs...)
}

// decodeField はfieldsのkeyをdstに読み込む。キーが無い、またはnullの場合はdstを変更しない。
func decodeField[T any](fields map[string]json.RawMessage, key string, dst *T) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var v *T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("プッシュペイロードの%sのパースに失敗: %w", key, err)
	}
	if v != nil {
		*dst = *v
	}
	return nil
}

// Encode はペイロードをプッシュメッセージのデータ形式にシリアライズする。
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("プッシュペイロードのシリアライズに失敗: %w", err)
	}
	return data, nil
}
