package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/haisou/pkg/session"
)

// issuer はトークン発行者。
const issuer = "haisou-api"

// コンテキストに設定するキー。
const (
	ctxKeyUserID = "user_id"
	ctxKeyRole   = "role"
	ctxKeyClaims = "claims"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Role はトークンが有効なロール（admin / customer）。
	Role session.Role `json:"role"`
}

// GenerateJWT はユーザーIDとロールからJWTトークンを生成する。
func GenerateJWT(secret, userID string, role session.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
		UserID: userID,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークン文字列を検証してクレームを返す。
// 署名方式がHS256以外、期限切れ、ロール不明のトークンはエラーになる。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("トークンが無効です")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("不明なロールです: %q", claims.Role)
	}
	return claims, nil
}

// tokenFromRequest はAuthorizationヘッダー、またはクエリパラメータtokenからトークンを取り出す。
// WebSocketのハンドシェイクではヘッダーを設定できないクライアントがあるためクエリも受け付ける。
func tokenFromRequest(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		return strings.CutPrefix(authHeader, "Bearer ")
	}
	if q := c.Query("token"); q != "" {
		return q, true
	}
	return "", false
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにユーザーID、ロール、クレームを設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := tokenFromRequest(c)
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークンが必要です",
			})
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(ctxKeyUserID, claims.UserID)
		c.Set(ctxKeyRole, claims.Role)
		c.Set(ctxKeyClaims, claims)
		c.Next()
	}
}

// RequireRole は指定ロール以外のリクエストを403で拒否するGinミドルウェアを返す。
// JWTAuthの後に適用する。
func RequireRole(role session.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	if id, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// GetRole はGinコンテキストからロールを取得する。
func GetRole(c *gin.Context) session.Role {
	if r, ok := c.Get(ctxKeyRole); ok {
		if role, ok := r.(session.Role); ok {
			return role
		}
	}
	return ""
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
func GetClaims(c *gin.Context) *JWTClaims {
	if v, ok := c.Get(ctxKeyClaims); ok {
		if claims, ok := v.(*JWTClaims); ok {
			return claims
		}
	}
	return nil
}
