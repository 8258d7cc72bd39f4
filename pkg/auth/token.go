// Package auth verifies the bearer credentials presented by clients.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrWrongTokenKind = errors.New("wrong token kind")
)

type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Identity is a verified subject and the kind of token it presented.
type Identity struct {
	Subject   string
	TokenKind TokenKind
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier verifies and issues HS256 tokens. The subject travels in "sub"
// and the token kind in "type"; tokens without a type are access tokens.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

var _ Verifier = &JWTVerifier{}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return Identity{}, errors.Wrap(ErrInvalidToken, "empty token")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, errors.Wrap(ErrMissingClaim, "sub")
	}
	kind := TokenAccess
	if t, ok := claims["type"].(string); ok && t != "" {
		kind = TokenKind(t)
	}
	return Identity{Subject: sub, TokenKind: kind}, nil
}

// VerifyAccess verifies token and requires it to be an access token.
func VerifyAccess(v Verifier, token string) (Identity, error) {
	id, err := v.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	if id.TokenKind != TokenAccess {
		return Identity{}, errors.Wrapf(ErrWrongTokenKind, "got %s", id.TokenKind)
	}
	return id, nil
}

// Issue signs a token of kind for subject.
func (v *JWTVerifier) Issue(subject string, kind TokenKind, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", errors.Wrap(ErrMissingClaim, "sub")
	}
	now := v.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"type": string(kind),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	return signed, errors.Wrap(err, "sign token")
}
