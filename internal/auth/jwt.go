// Package auth provides authentication and authorization for the metalpool API.
// It implements JWT-based authentication with role-based access control and
// the bcrypt check of the rack controller registration secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/models"
)

var (
	// ErrInvalidToken is returned when a JWT token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a JWT token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSecret is returned when a rack controller presents the wrong secret
	ErrInvalidSecret = errors.New("invalid rack secret")
)

// Claims represents JWT custom claims
type Claims struct {
	Username string        `json:"username"`
	Roles    []models.Role `json:"roles"`
	jwt.RegisteredClaims
}

// Requester converts the claims into the identity operations run as. The
// token id becomes the allocation token.
func (c *Claims) Requester() models.Requester {
	return models.Requester{
		Username: c.Username,
		Roles:    c.Roles,
		TokenID:  c.ID,
	}
}

// JWTService issues and validates tokens.
type JWTService struct {
	secret      []byte
	agentSecret []byte
	expiration  time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(cfg config.SecurityConfig) *JWTService {
	expiration := cfg.JWTExpiration
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTService{
		secret:      []byte(cfg.JWTSecret),
		agentSecret: []byte(cfg.AgentTokenSecret),
		expiration:  expiration,
	}
}

// GenerateToken generates a new JWT access token for a user
func (s *JWTService) GenerateToken(username string, roles []models.Role) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username is required")
	}
	return sign(s.secret, username, roles, "metalpool", s.expiration)
}

// GenerateAgentToken generates a JWT token for a rack controller agent.
// This token uses the agent secret and carries only the agent role.
func GenerateAgentToken(agentSecret string, rackID string, expiration time.Duration) (string, error) {
	if agentSecret == "" {
		return "", fmt.Errorf("agent secret is required")
	}
	if rackID == "" {
		return "", fmt.Errorf("rack controller id is required")
	}
	return sign([]byte(agentSecret), "rack-"+rackID, []models.Role{models.RoleAgent}, "metalpool-agent", expiration)
}

func sign(secret []byte, username string, roles []models.Role, issuer string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a JWT token and returns the claims.
// User tokens are checked against the primary secret; if that fails and an
// agent token secret is configured, agent tokens are accepted as well.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := parse(tokenString, s.secret)
	if err == nil || len(s.agentSecret) == 0 || errors.Is(err, ErrExpiredToken) {
		return claims, err
	}

	agentClaims, agentErr := parse(tokenString, s.agentSecret)
	if agentErr != nil {
		return nil, err
	}
	// An agent-signed token never grants more than the agent role
	agentClaims.Roles = []models.Role{models.RoleAgent}
	return agentClaims, nil
}

func parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashSecret hashes a rack registration secret for the configuration file.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret checks a rack registration secret against its hash.
func CompareSecret(secret, hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: no rack secret configured", ErrInvalidSecret)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidSecret
		}
		return err
	}
	return nil
}
