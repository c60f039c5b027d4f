// Package llm defines the LLM client interface for Janitor and the helpers
// that compose clients: a per-task model router and a rate limiter.
package llm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// Client is a minimal interface for making LLM API calls.
// Implementations provide the actual HTTP transport to a specific provider.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, system, user string) (string, error)

func (f ClientFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Role selects which configured model serves a request.
type Role string

const (
	RoleDefault Role = "default"
	RoleCode    Role = "code"
)

// Router holds one client per role. Roles without a client use the default.
type Router struct {
	clients map[Role]Client
}

// NewRouter creates a router whose default role is served by def.
func NewRouter(def Client) *Router {
	return &Router{clients: map[Role]Client{RoleDefault: def}}
}

// With registers c for role. A nil c is ignored.
func (r *Router) With(role Role, c Client) *Router {
	if c != nil {
		r.clients[role] = c
	}
	return r
}

// For returns the client for role, falling back to the default client.
func (r *Router) For(role Role) Client {
	if c, ok := r.clients[role]; ok {
		return c
	}
	return r.clients[RoleDefault]
}

// RoleForTask maps a command name to the role that should serve it.
func RoleForTask(name string) Role {
	switch strings.ToUpper(name) {
	case "FIX":
		return RoleCode
	}
	return RoleDefault
}

// ForTask returns the client that serves the named command.
func (r *Router) ForTask(name string) Client {
	return r.For(RoleForTask(name))
}

// RateLimited wraps a client and waits for a token before each call.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst.
// A non-positive rps returns next unchanged.
func NewRateLimited(next Client, rps float64, burst int) Client {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Complete(ctx context.Context, system, user string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for llm rate limit: %w", err)
	}
	return r.next.Complete(ctx, system, user)
}
