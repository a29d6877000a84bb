package passhash

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig конфигурация JWT
type JWTConfig struct {
	SecretKey          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// DefaultJWTConfig возвращает конфигурацию по умолчанию
func DefaultJWTConfig() *JWTConfig {
	return &JWTConfig{
		SecretKey:          "change-me-in-production",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "fiber-fabric",
	}
}

// Claims are the bearer-token claims a probe or relay presents to the
// ingestion gateway. Subject carries the node_id; Region lets the gateway
// reject samples whose payload region doesn't match the credential that
// authenticated the request without a database round trip.
type Claims struct {
	Region string `json:"region"`
	jwt.RegisteredClaims
}

// NodeID returns the probe/relay identity the token was issued to.
func (c *Claims) NodeID() string {
	return c.Subject
}

// JWTManager управляет JWT токенами
type JWTManager struct {
	config *JWTConfig
}

// NewJWTManager создаёт новый менеджер JWT
func NewJWTManager(config *JWTConfig) *JWTManager {
	if config == nil {
		config = DefaultJWTConfig()
	}
	return &JWTManager{config: config}
}

// GenerateAccessToken issues a short-lived token a probe attaches to every
// push/ingest request.
func (m *JWTManager) GenerateAccessToken(nodeID, region string) (string, error) {
	return m.generateToken(nodeID, region, m.config.AccessTokenExpiry)
}

// GenerateRefreshToken issues a long-lived token a probe exchanges for a new
// access token once the prior one expires, without re-presenting the
// federation pre-shared secret.
func (m *JWTManager) GenerateRefreshToken(nodeID, region string) (string, error) {
	return m.generateToken(nodeID, region, m.config.RefreshTokenExpiry)
}

func (m *JWTManager) generateToken(nodeID, region string, expiry time.Duration) (string, error) {
	now := time.Now()

	claims := &Claims{
		Region: region,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// ValidateToken валидирует токен и возвращает claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.SecretKey), nil
	})

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// GetAccessTokenExpiry возвращает время жизни access token в секундах
func (m *JWTManager) GetAccessTokenExpiry() int64 {
	return int64(m.config.AccessTokenExpiry.Seconds())
}

// RefreshAccessToken обновляет access token используя refresh token
func (m *JWTManager) RefreshAccessToken(refreshToken string) (string, *Claims, error) {
	claims, err := m.ValidateToken(refreshToken)
	if err != nil {
		return "", nil, err
	}

	newAccessToken, err := m.GenerateAccessToken(claims.NodeID(), claims.Region)
	if err != nil {
		return "", nil, err
	}

	return newAccessToken, claims, nil
}
