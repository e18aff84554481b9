package session

import (
	"context"
	"fmt"

	"github.com/nao1215/haisou/pkg/httpclient"
)

// HTTPAuthenticator はバックエンドの認証エンドポイントをHTTPで呼び出す。
type HTTPAuthenticator struct {
	client *httpclient.Client
}

var _ Authenticator = (*HTTPAuthenticator)(nil)

// NewHTTPAuthenticator はHTTPAuthenticatorを生成する。
func NewHTTPAuthenticator(client *httpclient.Client) *HTTPAuthenticator {
	return &HTTPAuthenticator{client: client}
}

// Authenticate はGET /api/v1/auth/{role} を呼び出してセッション記述子を取得する。
func (h *HTTPAuthenticator) Authenticate(ctx context.Context, role Role, token string) (Descriptor, error) {
	var d Descriptor
	if err := h.client.GetJSON(httpclient.WithToken(ctx, token), role.AuthPath(), &d); err != nil {
		return Descriptor{}, fmt.Errorf("認証エンドポイントの呼び出しに失敗: %w", err)
	}
	return d, nil
}
