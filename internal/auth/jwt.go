// This file implements JWT verification using HMAC-SHA256 signing, the
// default Authenticator for Helene deployments: clients pass a bearer token
// in rpc:init's params and the verifier turns valid claims into session
// context (user id, role, groups).
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures a JWT-backed Authenticator.
type JWTConfig struct {
	// SecretKey is the HMAC signing key. Must be at least 32 bytes.
	SecretKey string

	// Issuer is checked against the token's iss claim when non-empty.
	Issuer string

	// TokenDuration is used only by GenerateToken, for tests and
	// internal tooling; verification relies solely on the token's own
	// exp/nbf claims.
	TokenDuration time.Duration
}

// Claims are the custom fields Helene expects on top of the registered
// JWT claims.
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Groups   []string `json:"groups,omitempty"`

	jwt.RegisteredClaims
}

// JWTVerifier implements Authenticator against HMAC-SHA256 tokens.
type JWTVerifier struct {
	config JWTConfig
}

func NewJWTVerifier(config JWTConfig) *JWTVerifier {
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	return &JWTVerifier{config: config}
}

// Authenticate expects params["token"] to hold a signed JWT. On success the
// returned context carries userId/username/role/groups, which rpc:init
// merges into the session per spec.md §4.5.
func (v *JWTVerifier) Authenticate(_ context.Context, params map[string]interface{}) (map[string]interface{}, bool, error) {
	raw, _ := params["token"].(string)
	if raw == "" {
		return nil, false, nil
	}

	claims, err := v.ValidateToken(raw)
	if err != nil {
		return nil, false, nil
	}

	ctx := map[string]interface{}{
		"userId":   claims.UserID,
		"username": claims.Username,
		"role":     claims.Role,
	}
	if len(claims.Groups) > 0 {
		ctx["groups"] = claims.Groups
	}
	return ctx, true, nil
}

// IssueToken implements TokenIssuer, letting the rpc:login HTTP handler
// mint the cookie-carried token from the same context shape Authenticate
// returns, without needing to know it is talking to a JWTVerifier
// specifically.
func (v *JWTVerifier) IssueToken(authCtx map[string]interface{}) (string, error) {
	userID, _ := authCtx["userId"].(string)
	username, _ := authCtx["username"].(string)
	role, _ := authCtx["role"].(string)
	var groups []string
	if raw, ok := authCtx["groups"].([]string); ok {
		groups = raw
	}
	return v.GenerateToken(userID, username, role, groups)
}

// GenerateToken mints a signed JWT for userID/username/role/groups. Exposed
// for the rpc:login flow (after PasswordVerifier succeeds) and for tests.
func (v *JWTVerifier) GenerateToken(userID, username, role string, groups []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		Groups:   groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.config.TokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(v.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, algorithm, expiry and (if configured)
// issuer, rejecting any non-HMAC signing method to block algorithm
// substitution attacks.
func (v *JWTVerifier) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.SecretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return nil, errors.New("unexpected issuer")
	}
	return claims, nil
}
