package handlers

import (
	"errors"
	"net/http"
)

var ErrForbidden = errors.New("forbidden")

// Scope is what a client asks to watch.
type Scope struct {
	Namespace string
	IDs       []string
}

// Authorizer decides whether the request may open a subscription for scope.
// It runs before anything is registered with the fan-out engine.
type Authorizer interface {
	Authorize(r *http.Request, scope Scope) error
}

type AllowAll struct{}

func (AllowAll) Authorize(*http.Request, Scope) error { return nil }

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request, scope Scope) error

func (f AuthorizerFunc) Authorize(r *http.Request, scope Scope) error { return f(r, scope) }
