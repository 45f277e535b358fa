// Package auth mints and verifies the runtime sender tokens that authenticate
// control messages. Only envelopes and HTTP requests carrying a token signed
// with the coordinator's own secret are accepted; anything else is treated as a
// forged START/STOP/data-delivery attempt and rejected.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorizedSender is returned when a control message's sender token is
// missing, malformed, or not signed by this runtime.
var ErrUnauthorizedSender = errors.New("unauthorized sender")

const issuer = "capture-coordinator"

// Service signs and verifies sender tokens with a shared HMAC secret.
type Service struct {
	secret []byte
}

// New returns a Service using the given secret.
func New(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Token mints a sender token identifying this runtime.
func (s *Service) Token() (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  "runtime",
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks that tokenString was signed by this runtime. Returns
// ErrUnauthorizedSender (with the parse cause attached) on any failure.
func (s *Service) Verify(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorizedSender, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Issuer != issuer {
		return ErrUnauthorizedSender
	}
	return nil
}
