package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is an authenticated user session.
type Session struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// SessionResolver finds the session of a request. It returns (nil, nil) when
// the request carries no valid session.
type SessionResolver interface {
	Resolve(ctx context.Context, r *http.Request) (*Session, error)
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(ctx context.Context, r *http.Request) (*Session, error)

func (f SessionResolverFunc) Resolve(ctx context.Context, r *http.Request) (*Session, error) {
	return f(ctx, r)
}

type sessionClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// JWTSessionResolver validates HS256 session tokens carried in the
// Authorization header or a session cookie.
type JWTSessionResolver struct {
	secret []byte
	issuer string
	cookie string
	parser *jwt.Parser
	logger *zap.Logger
}

var _ SessionResolver = (*JWTSessionResolver)(nil)

// NewJWTSessionResolver creates a resolver. issuer and cookie may be empty.
func NewJWTSessionResolver(secret []byte, issuer, cookie string, logger *zap.Logger) (*JWTSessionResolver, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTSessionResolver{
		secret: secret,
		issuer: issuer,
		cookie: cookie,
		parser: jwt.NewParser(opts...),
		logger: logger,
	}, nil
}

func (j *JWTSessionResolver) Resolve(_ context.Context, r *http.Request) (*Session, error) {
	raw := j.tokenFromRequest(r)
	if raw == "" {
		return nil, nil
	}

	claims := &sessionClaims{}
	_, err := j.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil {
		j.logger.Debug("session token rejected", zap.Error(err))
		return nil, nil
	}
	if claims.Subject == "" {
		j.logger.Debug("session token without subject")
		return nil, nil
	}

	s := &Session{UserID: claims.Subject, SessionID: claims.SessionID}
	if s.SessionID == "" {
		s.SessionID = claims.ID
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

func (j *JWTSessionResolver) tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if j.cookie != "" {
		if c, err := r.Cookie(j.cookie); err == nil {
			return c.Value
		}
	}
	return ""
}

// Issue signs a session token for userID. An empty sessionID gets a random one.
func (j *JWTSessionResolver) Issue(userID, sessionID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now()
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}
