package assembler

import (
	"context"
	"fmt"

	"github.com/xaenox/pagebot/internal/llm"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/storage"
)

const DefaultHistoryLimit = 10

type VariantContext struct {
	Name         string  `json:"name"`
	SellingPrice float64 `json:"sellingPrice"`
	Quantity     int     `json:"quantity"`
}

// ProductContext is the catalog entry shown to the model.
type ProductContext struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	SKU          string           `json:"sku"`
	Description  string           `json:"description"`
	SellingPrice float64          `json:"sellingPrice"`
	Quantity     int              `json:"quantity"`
	HasVariants  bool             `json:"hasVariants"`
	Variants     []VariantContext `json:"variants"`
	ImageURL     string           `json:"imageUrl"`
}

type Context struct {
	Products []ProductContext
	History  []llm.Message
}

type Store interface {
	storage.ProductRepository
	storage.MessageRepository
}

type Assembler struct {
	store        Store
	historyLimit int
}

func New(store Store, historyLimit int) *Assembler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Assembler{store: store, historyLimit: historyLimit}
}

// Assemble builds the product snapshot for agent and the conversation history
// preceding the message identified by currentMessageID.
func (a *Assembler) Assemble(ctx context.Context, agent *models.Agent, conversationID, currentMessageID string) (*Context, error) {
	products, err := a.Products(ctx, agent)
	if err != nil {
		return nil, err
	}
	history, err := a.History(ctx, conversationID, currentMessageID)
	if err != nil {
		return nil, err
	}
	return &Context{Products: products, History: history}, nil
}

// Products returns the agent's whole active catalog when it sells everything,
// otherwise its linked products that are still active.
func (a *Assembler) Products(ctx context.Context, agent *models.Agent) ([]ProductContext, error) {
	var (
		products []*models.Product
		err      error
	)
	if agent.SellAllProducts {
		products, err = a.store.ActiveProducts(ctx, agent.UserID)
	} else {
		products, err = a.store.ProductsByIDs(ctx, agent.ProductIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading products for agent %s: %w", agent.ID, err)
	}

	result := make([]ProductContext, 0, len(products))
	for _, p := range products {
		if !p.Active {
			continue
		}
		result = append(result, toProductContext(p))
	}
	return result, nil
}

func toProductContext(p *models.Product) ProductContext {
	pc := ProductContext{
		ID:           p.ID,
		Name:         p.Name,
		SKU:          p.SKU,
		Description:  p.Description,
		SellingPrice: p.SellingPrice,
		Quantity:     p.Quantity,
		HasVariants:  p.HasVariants,
		Variants:     []VariantContext{},
		ImageURL:     p.ImageURL,
	}
	for _, v := range p.Variants {
		if !v.Active {
			continue
		}
		pc.Variants = append(pc.Variants, VariantContext{
			Name:         v.Name,
			SellingPrice: v.SellingPrice,
			Quantity:     v.Quantity,
		})
	}
	return pc
}

// History returns up to the configured number of messages before the current
// one, oldest first.
func (a *Assembler) History(ctx context.Context, conversationID, currentMessageID string) ([]llm.Message, error) {
	recent, err := a.store.RecentMessages(ctx, conversationID, a.historyLimit+1)
	if err != nil {
		return nil, fmt.Errorf("error loading history for conversation %s: %w", conversationID, err)
	}

	kept := make([]*models.Message, 0, len(recent))
	for _, m := range recent {
		if m.ID == currentMessageID {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > a.historyLimit {
		kept = kept[:a.historyLimit]
	}

	history := make([]llm.Message, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		role := llm.RoleUser
		if kept[i].IsFromPage {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: models.Deref(kept[i].Text)})
	}
	return history, nil
}
