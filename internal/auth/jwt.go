package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents JWT claims. SubscriptionID scopes every certificate
// operation the bearer may perform.
type Claims struct {
	SubscriptionID int    `json:"subscriptionId"`
	Role           string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var (
	jwtSecret []byte
	jwtIssuer string
)

// ErrTokenExpired is returned by ParseToken for an expired token
var ErrTokenExpired = errors.New("token expired")

// InitJWT initializes JWT secret. A non-empty issuer is required on parse.
func InitJWT(secret, issuer string) {
	jwtSecret = []byte(secret)
	jwtIssuer = issuer
}

// GenerateToken generates a JWT token for a subscription
func GenerateToken(subscriptionID int, role string, expireAt time.Time) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}
	if subscriptionID <= 0 {
		return "", fmt.Errorf("invalid subscription id %d", subscriptionID)
	}

	claims := Claims{
		SubscriptionID: subscriptionID,
		Role:           role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("subscription:%d", subscriptionID),
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    jwtIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParseToken parses and validates a JWT token
func ParseToken(tokenString string) (*Claims, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("JWT secret not initialized")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(jwtIssuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.SubscriptionID <= 0 {
		return nil, fmt.Errorf("token carries no subscription")
	}
	return claims, nil
}
