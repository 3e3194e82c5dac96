package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type contextKey string

const OperatorKey contextKey = "operator"

// GetOperator returns the operator the request was authenticated as.
func GetOperator(ctx context.Context) string {
	v, _ := ctx.Value(OperatorKey).(string)
	return v
}

// IssueToken signs a token whose subject is the operator id, the same id
// the chat surface uses.
func IssueToken(secret, operator string, expiry time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func Auth(jwtSecret string) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		auth := ctx.Header("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			log.Debug().Str("path", ctx.URL().Path).Msg("authentication failed - no bearer token")
			writeUnauthorized(ctx, "authentication required")
			return
		}
		operator, err := parseToken(jwtSecret, strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			writeUnauthorized(ctx, err.Error())
			return
		}
		next(huma.WithValue(ctx, OperatorKey, operator))
	}
}

func writeUnauthorized(ctx huma.Context, msg string) {
	ctx.SetStatus(http.StatusUnauthorized)
	ctx.SetHeader("Content-Type", "application/json")
	_ = json.NewEncoder(ctx.BodyWriter()).Encode(map[string]any{
		"success": false,
		"error":   msg,
	})
}
