package llm

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request is one chat completion. ImageURLs are attached to the last user message.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	ImageURLs   []string
	Temperature *float64 // nil leaves the provider default
	MaxTokens   int
}

// ChatModel generates a single reply.
type ChatModel interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ModelError wraps any failure of the underlying model call. Retryable is set
// for rate limits, server errors and transport failures.
type ModelError struct {
	Model     string
	Err       error
	Retryable bool
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Router picks a ChatModel by model id prefix, e.g. "gemini" for Gemini
// models, with a fallback for everything else.
type Router struct {
	byPrefix map[string]ChatModel
	fallback ChatModel
}

func NewRouter(fallback ChatModel) *Router {
	return &Router{byPrefix: make(map[string]ChatModel), fallback: fallback}
}

func (r *Router) Handle(prefix string, model ChatModel) {
	r.byPrefix[strings.ToLower(prefix)] = model
}

func (r *Router) Complete(ctx context.Context, req Request) (string, error) {
	model := r.route(req.Model)
	if model == nil {
		return "", &ModelError{Model: req.Model, Err: fmt.Errorf("no provider configured")}
	}
	return model.Complete(ctx, req)
}

func (r *Router) route(modelID string) ChatModel {
	id := strings.ToLower(modelID)
	best := ""
	for prefix := range r.byPrefix {
		if strings.HasPrefix(id, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.byPrefix[best]
	}
	return r.fallback
}
