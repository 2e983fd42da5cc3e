package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/pagebot/internal/models"
)

type MemoryStorage struct {
	mu sync.RWMutex

	pages         map[string]*models.Page // platform:external_id
	conversations map[string]*models.Conversation
	convByKey     map[string]string
	messages      map[string][]*models.Message // conversation id -> append order
	externalIDs   map[string]struct{}
	agents        map[string]*models.Agent
	agentByPage   map[string]string
	products      map[string]*models.Product
	variants      map[string]*models.ProductVariant
	settings      map[string]*models.AISettings

	now func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pages:         make(map[string]*models.Page),
		conversations: make(map[string]*models.Conversation),
		convByKey:     make(map[string]string),
		messages:      make(map[string][]*models.Message),
		externalIDs:   make(map[string]struct{}),
		agents:        make(map[string]*models.Agent),
		agentByPage:   make(map[string]string),
		products:      make(map[string]*models.Product),
		variants:      make(map[string]*models.ProductVariant),
		settings:      make(map[string]*models.AISettings),
		now:           time.Now,
	}
}

func pageKey(platform models.Platform, externalID string) string {
	return string(platform) + ":" + externalID
}

// Page methods
func (s *MemoryStorage) FindPage(ctx context.Context, platform models.Platform, externalID string) (*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, ok := s.pages[pageKey(platform, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *page
	return &cp, nil
}

func (s *MemoryStorage) UpsertPage(ctx context.Context, page *models.Page) error {
	if !page.Platform.Valid() {
		return fmt.Errorf("unsupported platform %q", page.Platform)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := pageKey(page.Platform, page.ExternalID)
	if existing, ok := s.pages[key]; ok {
		page.ID = existing.ID
		page.CreatedAt = existing.CreatedAt
	} else {
		if page.ID == "" {
			page.ID = uuid.New().String()
		}
		page.CreatedAt = now
	}
	page.UpdatedAt = now
	cp := *page
	s.pages[key] = &cp
	return nil
}

func (s *MemoryStorage) DeactivatePage(ctx context.Context, platform models.Platform, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[pageKey(platform, externalID)]
	if !ok {
		return ErrNotFound
	}
	page.Active = false
	page.UpdatedAt = s.now()
	return nil
}

// Conversation methods
func (s *MemoryStorage) FindOrCreateConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.convByKey[key.String()]; ok {
		cp := *s.conversations[id]
		return &cp, nil
	}

	now := s.now()
	conv := &models.Conversation{
		ID:            uuid.New().String(),
		Platform:      key.Platform,
		PageID:        key.PageID,
		SenderID:      key.SenderID,
		Status:        models.ConversationStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
	}
	s.conversations[conv.ID] = conv
	s.convByKey[key.String()] = conv.ID
	cp := *conv
	return &cp, nil
}

func (s *MemoryStorage) TouchConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	conv.UpdatedAt = now
	conv.LastMessageAt = now
	return nil
}

// ConversationCount is used by tests to check conversation reuse.
func (s *MemoryStorage) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// GetConversation is used by tests.
func (s *MemoryStorage) GetConversation(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	cp := *conv
	return &cp, true
}

// Message methods
func (s *MemoryStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ExternalID != "" {
		if _, dup := s.externalIDs[msg.ExternalID]; dup {
			return ErrDuplicate
		}
		s.externalIDs[msg.ExternalID] = struct{}{}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = msg.CreatedAt
	}
	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	return nil
}

func (s *MemoryStorage) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	ordered := make([]*models.Message, len(all))
	copy(ordered, all)
	// Stable on insertion order so equal timestamps keep arrival order.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	result := make([]*models.Message, 0, limit)
	for i := len(ordered) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *ordered[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStorage) CountMessages(ctx context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

// Agent methods
func (s *MemoryStorage) SaveAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if existing, ok := s.agents[agent.ID]; ok {
		agent.CreatedAt = existing.CreatedAt
		if agent.ProductIDs == nil {
			agent.ProductIDs = existing.ProductIDs
		}
	} else {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	cp := *agent
	cp.ProductIDs = append([]string(nil), agent.ProductIDs...)
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStorage) AgentForPage(ctx context.Context, pageID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agentID, ok := s.agentByPage[pageID]
	if !ok {
		return nil, ErrNotFound
	}
	agent, ok := s.agents[agentID]
	if !ok || !agent.Active {
		return nil, ErrNotFound
	}
	cp := *agent
	cp.ProductIDs = append([]string(nil), agent.ProductIDs...)
	return &cp, nil
}

func (s *MemoryStorage) BindAgent(ctx context.Context, agentID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return ErrNotFound
	}
	s.agentByPage[pageID] = agentID
	return nil
}

func (s *MemoryStorage) LinkProducts(ctx context.Context, agentID string, productIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	agent.ProductIDs = append([]string(nil), productIDs...)
	agent.UpdatedAt = s.now()
	return nil
}

// Product methods
func (s *MemoryStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if product.ID == "" {
		product.ID = uuid.New().String()
	}
	if existing, ok := s.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
	} else {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	cp := *product
	cp.Variants = nil
	s.products[product.ID] = &cp

	for i := range product.Variants {
		v := product.Variants[i]
		v.ProductID = product.ID
		if v.ID == "" {
			v.ID = uuid.New().String()
			product.Variants[i].ID = v.ID
		}
		s.variants[v.ID] = &v
	}
	if len(product.Variants) > 0 {
		s.recalculateLocked(product.ID)
		product.Quantity = s.products[product.ID].Quantity
		product.HasVariants = true
	}
	return nil
}

func (s *MemoryStorage) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.withVariantsLocked(p, false), nil
}

func (s *MemoryStorage) ActiveProducts(ctx context.Context, userID string) ([]*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Product
	for _, p := range s.products {
		if p.UserID == userID && p.Active {
			result = append(result, s.withVariantsLocked(p, true))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStorage) ProductsByIDs(ctx context.Context, ids []string) ([]*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result = append(result, s.withVariantsLocked(p, true))
		}
	}
	return result, nil
}

func (s *MemoryStorage) SaveVariant(ctx context.Context, variant *models.ProductVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[variant.ProductID]; !ok {
		return ErrNotFound
	}
	if variant.ID == "" {
		variant.ID = uuid.New().String()
	}
	cp := *variant
	s.variants[variant.ID] = &cp
	s.recalculateLocked(variant.ProductID)
	return nil
}

func (s *MemoryStorage) DeactivateVariant(ctx context.Context, variantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.variants[variantID]
	if !ok {
		return ErrNotFound
	}
	v.Active = false
	s.recalculateLocked(v.ProductID)
	return nil
}

func (s *MemoryStorage) recalculateLocked(productID string) {
	var variants []models.ProductVariant
	for _, v := range s.variants {
		if v.ProductID == productID {
			variants = append(variants, *v)
		}
	}
	p := s.products[productID]
	p.HasVariants = len(variants) > 0
	p.Quantity = models.ActiveVariantQuantity(variants)
	p.UpdatedAt = s.now()
}

func (s *MemoryStorage) withVariantsLocked(p *models.Product, activeOnly bool) *models.Product {
	cp := *p
	cp.Variants = nil
	for _, v := range s.variants {
		if v.ProductID == p.ID && (v.Active || !activeOnly) {
			cp.Variants = append(cp.Variants, *v)
		}
	}
	sort.Slice(cp.Variants, func(i, j int) bool { return cp.Variants[i].Name < cp.Variants[j].Name })
	return &cp
}

// Settings methods
func (s *MemoryStorage) GetSettings(ctx context.Context, userID string) (*models.AISettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *settings
	return &cp, nil
}

func (s *MemoryStorage) SaveSettings(ctx context.Context, settings *models.AISettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings.UpdatedAt = s.now()
	cp := *settings
	s.settings[settings.UserID] = &cp
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
