package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/soundwave/backend/internal/config"
	"github.com/zhouzirui/soundwave/backend/pkg/utils"
)

var (
	// ErrMissingIdentity 请求没有携带可识别的用户身份。
	ErrMissingIdentity = errors.New("missing identity")
	// ErrInvalidToken 令牌无法通过校验。
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey struct{}

// Verifier 校验请求身份。未配置密钥时为开发模式，直接信任请求里的用户 ID。
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier 根据配置创建校验器。
func NewVerifier(cfg config.AuthConfig) *Verifier {
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
	}
}

// DevMode 表示是否跳过 JWT 校验。
func (v *Verifier) DevMode() bool {
	return len(v.secret) == 0
}

// Middleware 把通过校验的用户 ID 放入请求上下文。
// 开发模式下缺少身份的请求照常放行，由具体 handler 决定如何处理。
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.DevMode() {
			if userID := devIdentity(r); userID != "" {
				r = r.WithContext(WithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			utils.RespondError(w, http.StatusUnauthorized, ErrMissingIdentity.Error())
			return
		}

		userID, err := v.Verify(raw)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// Verify 解析 HS256 令牌并返回 sub 声明。
func (v *Verifier) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// WithUserID 返回携带用户 ID 的上下文。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID 读取中间件写入的用户 ID。
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// bearerToken 浏览器的 WebSocket 无法设置请求头，因此也接受 token 查询参数。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func devIdentity(r *http.Request) string {
	if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
		return userID
	}
	return strings.TrimSpace(r.URL.Query().Get("userId"))
}
