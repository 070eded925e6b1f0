package ledger

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Session is an authenticated ledger identity. It is passed explicitly
// into gateway operations instead of living in ambient state so the
// authentication-required path stays testable.
type Session struct {
	Holder string
	Token  string
}

// Authenticated reports whether the session can sign ledger operations.
func (s *Session) Authenticated() bool {
	return s != nil && s.Holder != ""
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// SessionFromToken validates an HS256 bearer token and builds a session
// for its subject (the holder address).
func SessionFromToken(token, secret string) (*Session, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("ledger jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return &Session{Holder: claims.Subject, Token: token}, nil
}

// SignSession issues a token for a holder; used by the dev login path
// and tests.
func SignSession(holder, secret string) (string, error) {
	if holder == "" {
		return "", errors.New("holder required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: holder})
	return token.SignedString([]byte(secret))
}
