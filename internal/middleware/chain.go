package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middleware. The first entry sees the request
// first.
type Chain []Middleware

// NewChain returns a chain over ms.
func NewChain(ms ...Middleware) Chain {
	return Chain(ms)
}

// Then wraps h with every middleware in the chain. Nil entries are skipped
// so optional guards can be passed through unconditionally.
func (c Chain) Then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i] != nil {
			h = c[i](h)
		}
	}
	return h
}

// IsMutating reports whether method changes server state and therefore
// needs a CSRF check.
func IsMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Builder collects the global middleware stack.
type Builder struct {
	chain Chain
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends m.
func (b *Builder) Use(m Middleware) *Builder {
	b.chain = append(b.chain, m)
	return b
}

// UseIf appends m only when enabled is true.
func (b *Builder) UseIf(enabled bool, m Middleware) *Builder {
	if enabled {
		return b.Use(m)
	}
	return b
}

// Handler returns h wrapped in the collected stack.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.chain.Then(h)
}
