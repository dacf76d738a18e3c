package middleware

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the JWT payload. The subject is the player's uuid.
type Claims struct {
	PlayerName string `json:"name"`
	jwt.RegisteredClaims
}

// PlayerID returns the authenticated player's uuid.
func (c *Claims) PlayerID() string { return c.Subject }

// GenerateToken signs a JWT for the given player with the given secret and TTL.
func GenerateToken(playerID, playerName, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		PlayerName: playerName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates a JWT string and returns the claims.
func ParseToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, errors.New("token subject is not a player id")
	}
	return claims, nil
}
