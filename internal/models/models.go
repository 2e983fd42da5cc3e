package models

import "time"

// Platform identifies the messaging network a page lives on.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTelegram  Platform = "telegram"
)

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformFacebook, PlatformInstagram, PlatformTelegram:
		return true
	}
	return false
}

// Page is a connected social page owned by a user.
type Page struct {
	ID          string    `json:"id"`
	Platform    Platform  `json:"platform"`
	ExternalID  string    `json:"external_id"`
	AccessToken string    `json:"-"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const ConversationStatusActive = "active"

// Conversation is the thread with one external sender on one page.
type Conversation struct {
	ID            string    `json:"id"`
	Platform      Platform  `json:"platform"`
	PageID        string    `json:"page_id"`
	SenderID      string    `json:"sender_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// ConversationKey is the unique tuple a conversation is looked up by.
type ConversationKey struct {
	Platform Platform
	PageID   string
	SenderID string
}

func (k ConversationKey) String() string {
	return string(k.Platform) + ":" + k.PageID + ":" + k.SenderID
}

// Message is one inbound or outbound event. Rows are never updated.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ExternalID     string    `json:"external_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Text           *string   `json:"text,omitempty"`
	AttachmentType *string   `json:"attachment_type,omitempty"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	IsFromPage     bool      `json:"is_from_page"`
	Timestamp      time.Time `json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}

// Agent is a configured AI persona. A page has at most one agent; an agent
// sells either its linked products or, with SellAllProducts, the owner's
// whole active catalog.
type Agent struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Name               string    `json:"name"`
	Personality        string    `json:"personality,omitempty"`
	CustomInstructions string    `json:"custom_instructions,omitempty"`
	Model              string    `json:"model"`
	Temperature        *float64  `json:"temperature,omitempty"` // nil uses the service default
	MaxTokens          int       `json:"max_tokens"`
	Active             bool      `json:"active"`
	SellAllProducts    bool      `json:"sell_all_products"`
	ProductIDs         []string  `json:"product_ids,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AISettings drives the legacy reply flow used when no agent is bound to a page.
type AISettings struct {
	UserID             string    `json:"user_id"`
	BusinessContext    string    `json:"business_context,omitempty"`
	CustomInstructions string    `json:"custom_instructions,omitempty"`
	AIModel            string    `json:"ai_model"`
	AutoReply          bool      `json:"auto_reply"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Product is a catalog entry. When HasVariants is set, Quantity is the sum of
// the active variants' quantities.
type Product struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Name         string           `json:"name"`
	SKU          string           `json:"sku,omitempty"`
	Description  string           `json:"description,omitempty"`
	SellingPrice float64          `json:"selling_price"`
	Quantity     int              `json:"quantity"`
	HasVariants  bool             `json:"has_variants"`
	ImageURL     string           `json:"image_url,omitempty"`
	Active       bool             `json:"active"`
	Variants     []ProductVariant `json:"variants,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type ProductVariant struct {
	ID           string  `json:"id"`
	ProductID    string  `json:"product_id"`
	Name         string  `json:"name"`
	SellingPrice float64 `json:"selling_price"`
	Quantity     int     `json:"quantity"`
	Active       bool    `json:"active"`
}

// ActiveVariantQuantity sums the quantity of every active variant.
func ActiveVariantQuantity(variants []ProductVariant) int {
	total := 0
	for _, v := range variants {
		if v.Active {
			total += v.Quantity
		}
	}
	return total
}

func Float64Ptr(f float64) *float64 { return &f }

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
