package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
)

// guardedMethods mutate state on behalf of a human and require a token when auth is on.
var guardedMethods = map[string]bool{
	remediatorv1.FullMethod("ReleaseIssue"):    true,
	remediatorv1.FullMethod("CloseEscalation"): true,
	remediatorv1.FullMethod("TriggerCycle"):    true,
}

type subjectKey struct{}

// WithSubject records the authenticated operator on ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated operator, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey{}).(string)
	return sub, ok && sub != ""
}

// TokenValidator checks HS256 operator tokens.
type TokenValidator struct {
	secret []byte
	issuer string
}

// NewTokenValidator returns nil when secret is empty, which disables auth.
func NewTokenValidator(secret, issuer string) *TokenValidator {
	if secret == "" {
		return nil
	}
	return &TokenValidator{secret: []byte(secret), issuer: issuer}
}

// Validate parses tokenStr and returns its claims.
func (v *TokenValidator) Validate(tokenStr string) (*jwt.RegisteredClaims, error) {
	if v == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	return claims, nil
}

// Issue mints a token for subject. The CLI uses it to hand operators credentials.
func (v *TokenValidator) Issue(subject string, ttl time.Duration, now time.Time) (string, error) {
	if v == nil {
		return "", fmt.Errorf("auth is not configured")
	}
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// UnaryAuthInterceptor rejects unauthenticated calls to guarded methods and
// stores the token subject for the handler. A nil validator lets every call through.
func UnaryAuthInterceptor(v *TokenValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if v == nil || !guardedMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization metadata")
		}
		parts := strings.SplitN(values[0], " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, status.Error(codes.Unauthenticated, "invalid authorization format (expected 'Bearer <token>')")
		}
		claims, err := v.Validate(parts[1])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
		}
		return handler(WithSubject(ctx, claims.Subject), req)
	}
}

// BearerToken attaches token to outgoing calls.
func BearerToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
