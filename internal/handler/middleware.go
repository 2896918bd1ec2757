package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const operatorKey contextKey = "operator"

var (
	errNoBearer   = errors.New("missing bearer token")
	errBadHeader  = errors.New("invalid authorization header")
	errNoOperator = errors.New("token has no subject")
)

// operatorClaims are the claims an operator token must carry. The subject
// names the operator and ends up in lastUpdatedBy of recalculated buckets.
type operatorClaims struct {
	jwt.RegisteredClaims
}

// OperatorAuthMiddleware guards recalculation and maintenance routes with an
// HS256 bearer token signed by secret. Tokens must expire and name a subject.
// An empty secret leaves the routes open.
func OperatorAuthMiddleware(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return []byte(secret), nil }

	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator, err := authenticate(r, parser, keyFunc)
			if err != nil {
				logger.Warn("operator auth rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				msg := err.Error()
				if !errors.Is(err, errNoBearer) && !errors.Is(err, errBadHeader) && !errors.Is(err, errNoOperator) {
					msg = "invalid or expired token"
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoBearer
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errBadHeader
	}

	var claims operatorClaims
	if _, err := parser.ParseWithClaims(strings.TrimSpace(token), &claims, keyFunc); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errNoOperator
	}
	return claims.Subject, nil
}

// OperatorFromContext returns the authenticated operator name, if any.
func OperatorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}
