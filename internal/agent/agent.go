package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaenox/pagebot/internal/attachment"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/storage"
)

// Strategy is how a single inbound message gets answered. Exactly one of the
// concrete types below is returned by Resolve.
type Strategy interface {
	strategy()
	Name() string
}

// Canned answers an unsupported attachment with a fixed apology.
type Canned struct {
	Kind attachment.Kind
}

// AgentFlow answers with the agent bound to the page.
type AgentFlow struct {
	Agent *models.Agent
}

// Legacy answers with the page owner's AI settings.
type Legacy struct {
	Settings *models.AISettings
}

// NoReply ends processing after the inbound message is stored.
type NoReply struct {
	Reason string
}

func (Canned) strategy()    {}
func (AgentFlow) strategy() {}
func (Legacy) strategy()    {}
func (NoReply) strategy()   {}

func (Canned) Name() string    { return "canned" }
func (AgentFlow) Name() string { return "agent" }
func (Legacy) Name() string    { return "legacy" }
func (NoReply) Name() string   { return "none" }

const (
	ReasonNoText       = "legacy flow requires text"
	ReasonNoSettings   = "no ai settings"
	ReasonAutoReplyOff = "auto reply disabled"
)

type Store interface {
	AgentForPage(ctx context.Context, pageID string) (*models.Agent, error)
	GetSettings(ctx context.Context, userID string) (*models.AISettings, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(ctx context.Context, page *models.Page, c attachment.Classification) (Strategy, error) {
	if c.UnsupportedOnly() {
		return Canned{Kind: c.Unsupported}, nil
	}

	agent, err := r.store.AgentForPage(ctx, page.ID)
	switch {
	case err == nil:
		return AgentFlow{Agent: agent}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("error finding agent for page %s: %w", page.ID, err)
	}

	if c.Text == "" {
		return NoReply{Reason: ReasonNoText}, nil
	}

	settings, err := r.store.GetSettings(ctx, page.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return NoReply{Reason: ReasonNoSettings}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading ai settings for user %s: %w", page.UserID, err)
	}
	if !settings.AutoReply {
		return NoReply{Reason: ReasonAutoReplyOff}, nil
	}
	return Legacy{Settings: settings}, nil
}
