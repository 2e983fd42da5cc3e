package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaenox/pagebot/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// StoreError wraps any persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

type Storage interface {
	PageRepository
	ConversationRepository
	MessageRepository
	AgentRepository
	ProductRepository
	SettingsRepository
	Close() error
}

type PageRepository interface {
	// FindPage returns the page for (platform, externalID) whether or not it is active.
	FindPage(ctx context.Context, platform models.Platform, externalID string) (*models.Page, error)
	UpsertPage(ctx context.Context, page *models.Page) error
	DeactivatePage(ctx context.Context, platform models.Platform, externalID string) error
}

type ConversationRepository interface {
	// FindOrCreateConversation is atomic on the (platform, page, sender) key.
	FindOrCreateConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)
	TouchConversation(ctx context.Context, conversationID string) error
}

type MessageRepository interface {
	// CreateMessage returns ErrDuplicate when the external id was already stored.
	CreateMessage(ctx context.Context, msg *models.Message) error
	// RecentMessages returns up to limit messages, most recent first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

type AgentRepository interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
	// AgentForPage returns the active agent bound to the page, or ErrNotFound.
	AgentForPage(ctx context.Context, pageID string) (*models.Agent, error)
	// BindAgent replaces any previous binding of the page.
	BindAgent(ctx context.Context, agentID, pageID string) error
	LinkProducts(ctx context.Context, agentID string, productIDs []string) error
}

type ProductRepository interface {
	SaveProduct(ctx context.Context, product *models.Product) error
	// ActiveProducts returns the user's active products with their active variants.
	ActiveProducts(ctx context.Context, userID string) ([]*models.Product, error)
	// ProductsByIDs returns the active products among ids, in ids order.
	ProductsByIDs(ctx context.Context, ids []string) ([]*models.Product, error)
	// SaveVariant and DeactivateVariant recompute the parent quantity in the same transaction.
	SaveVariant(ctx context.Context, variant *models.ProductVariant) error
	DeactivateVariant(ctx context.Context, variantID string) error
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

type SettingsRepository interface {
	GetSettings(ctx context.Context, userID string) (*models.AISettings, error)
	SaveSettings(ctx context.Context, settings *models.AISettings) error
}
