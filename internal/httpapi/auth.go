package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of minted publisher tokens
const DefaultTokenTTL = 24 * time.Hour

// JWTClaims represents the claims of a publisher token
type JWTClaims struct {
	Publisher string `json:"publisher"`
	jwt.RegisteredClaims
}

// JWTAuth handles publisher token creation and validation
type JWTAuth struct {
	secretKey []byte
	ttl       time.Duration
}

// NewJWTAuth creates a new JWT authentication handler. A zero ttl selects DefaultTokenTTL.
func NewJWTAuth(secretKey string, ttl time.Duration) *JWTAuth {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTAuth{
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
}

// GenerateToken creates a new HS256 token naming publisher
func (j *JWTAuth) GenerateToken(publisher string) (string, time.Time, error) {
	if publisher == "" {
		return "", time.Time{}, errors.New("publisher cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(j.ttl)

	claims := JWTClaims{
		Publisher: publisher,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   publisher,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token and returns its claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.Publisher == "" {
		return nil, errors.New("token has no publisher claim")
	}

	return claims, nil
}
