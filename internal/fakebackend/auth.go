package fakebackend

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wewillfixyourpc/livechat-go"
)

const issuer = "livechat-fakebackend"

var errBadToken = errors.New("invalid token")

// IssueToken signs a session token. For customer tokens subject is the
// conversation id; for operator tokens it is the operator's name.
func (s *Server) IssueToken(variant livechat.Variant, subject, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, livechat.TokenClaims{
		Name:    name,
		Variant: variant,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	ss, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return ss, nil
}

// OperatorToken issues an operator token valid for the server's token TTL.
func (s *Server) OperatorToken(name string) (string, error) {
	return s.IssueToken(livechat.VariantOperator, name, name, s.opts.TokenTTL)
}

func (s *Server) validate(tokenString string, variant livechat.Variant) (*livechat.TokenClaims, error) {
	claims := &livechat.TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		return nil, errBadToken
	}
	if claims.Variant != variant {
		return nil, errBadToken
	}
	return claims, nil
}

// customerConversation resolves a customer token to its conversation id.
func (s *Server) customerConversation(tokenString string) (int64, *livechat.TokenClaims, error) {
	claims, err := s.validate(tokenString, livechat.VariantCustomer)
	if err != nil {
		return 0, nil, err
	}
	cid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, nil, errBadToken
	}
	return cid, claims, nil
}
