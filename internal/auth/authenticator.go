// Package auth implements the pluggable authentication step invoked by
// rpc:init, by the HTTP transport's bearer/x-api-key check and by
// rpc:login.
package auth

import "context"

// Authenticator verifies client-supplied credentials and, on success,
// returns the context fragment that gets merged into the session's
// authenticated context (spec.md §4.5's auth(ctx) contract). A nil error
// with ok=false means the credentials were well-formed but rejected; a
// non-nil error means the credentials could not even be evaluated
// (malformed params, provider unreachable) and should surface as an
// internal error rather than a plain auth failure.
type Authenticator interface {
	Authenticate(ctx context.Context, params map[string]interface{}) (context map[string]interface{}, ok bool, err error)
}

// TokenIssuer is an optional capability an Authenticator may implement:
// given the context a successful Authenticate call produced, mint a
// bearer token suitable for the rpc:login HTTP handler's cookie (spec.md
// §4.5's "Returns a context object" plus SPEC_FULL.md §4.9's cookie
// requirement). JWTVerifier implements this; PasswordVerifier and Chain
// do not, so when either of them is the configured Authenticator the
// rpc:login HTTP handler sets no cookie.
type TokenIssuer interface {
	IssueToken(authCtx map[string]interface{}) (string, error)
}

// Chain tries each Authenticator in order and returns the first successful
// result. Useful when a deployment accepts more than one credential shape
// (e.g. a bearer JWT or a username/password pair) on the same rpc:login
// method.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, params map[string]interface{}) (map[string]interface{}, bool, error) {
	var lastErr error
	for _, a := range c {
		authCtx, ok, err := a.Authenticate(ctx, params)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return authCtx, true, nil
		}
	}
	return nil, false, lastErr
}
