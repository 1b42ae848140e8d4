// This file implements the username/password credential step that feeds a
// JWT minting call on the rpc:login HTTP endpoint (spec.md §4.5's "User
// logs in with username/password" case, see the teacher's jwt.go token
// lifecycle doc comment).
package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordLookup resolves a username to its bcrypt hash and the context
// fragment to attach on success. Implementations typically wrap an
// external user store; Helene itself has no user directory (Non-goal:
// user management UI), so this is left to the embedding application.
type PasswordLookup func(ctx context.Context, username string) (hash string, userCtx map[string]interface{}, err error)

// PasswordVerifier implements Authenticator over username/password pairs.
type PasswordVerifier struct {
	lookup PasswordLookup
}

func NewPasswordVerifier(lookup PasswordLookup) *PasswordVerifier {
	return &PasswordVerifier{lookup: lookup}
}

var ErrNoPasswordLookup = errors.New("auth: no password lookup configured")

// Authenticate expects params["username"] and params["password"].
func (v *PasswordVerifier) Authenticate(ctx context.Context, params map[string]interface{}) (map[string]interface{}, bool, error) {
	username, _ := params["username"].(string)
	password, _ := params["password"].(string)
	if username == "" || password == "" {
		return nil, false, nil
	}
	if v.lookup == nil {
		return nil, false, ErrNoPasswordLookup
	}

	hash, userCtx, err := v.lookup(ctx, username)
	if err != nil {
		return nil, false, err
	}
	if hash == "" {
		return nil, false, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, false, nil
	}
	if userCtx == nil {
		userCtx = map[string]interface{}{}
	}
	userCtx["username"] = username
	return userCtx, true, nil
}

// HashPassword is a convenience wrapper for tests and provisioning tools.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}
