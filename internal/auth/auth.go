// Package auth checks operator tokens presented to the fleet API.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingToken = errors.New("auth: missing bearer token")
)

type Validator interface {
	Validate(token string) error
}

// Tokens accepts any of a fixed set of shared operator tokens. An empty set
// accepts nothing; callers decide whether auth is enabled at all.
type Tokens []string

func (ts Tokens) Validate(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	ok := 0
	for _, t := range ts {
		if t == "" {
			continue
		}
		ok |= subtle.ConstantTimeCompare([]byte(t), []byte(token))
	}
	if ok != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Enabled reports whether any non-empty token is configured.
func (ts Tokens) Enabled() bool {
	for _, t := range ts {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
