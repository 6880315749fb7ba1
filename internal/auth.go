package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken 身分令牌無效或過期
var ErrInvalidToken = errors.New("無效的身分令牌")

// Claims 身分服務簽發的 JWT 內容
type Claims struct {
	jwt.RegisteredClaims
	UserID   uint32 `json:"userId"`
	Username string `json:"username"`
}

// TokenVerifier 驗證（以及在測試時簽發）HS256 令牌
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier 創建令牌驗證器
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Issue 簽發令牌
func (v *TokenVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(id.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   id.UserID,
		Username: id.Username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify 驗證令牌並取出身分
func (v *TokenVerifier) Verify(token string) (Identity, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrInvalidKey
		}
		return v.secret, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, keyFunc)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Username == "" {
		return Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}

	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// tokenFromRequest 依序從 Authorization、cookie、query 取出令牌
//
// 瀏覽器的 WebSocket 無法自訂 header，所以保留 cookie 與 query 兩種來源。
func tokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

type identityKey struct{}

// WithIdentity 將身分放入 context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom 從 context 取出身分
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
