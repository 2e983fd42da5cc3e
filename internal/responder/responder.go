package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/pagebot/internal/assembler"
	"github.com/xaenox/pagebot/internal/llm"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/notify"
	"github.com/xaenox/pagebot/internal/retry"
	"go.uber.org/zap"
)

const (
	// OrderConfirmedMarker is appended by the model when the customer confirms an order.
	OrderConfirmedMarker  = "[ORDER_CONFIRMED]"
	ImagePlaceholder      = "[The customer sent an image]"
	AttachmentPlaceholder = "[The customer sent an attachment]"

	orderConfirmedFallback = "Thank you! Your order has been confirmed."
)

type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type Responder struct {
	model    llm.ChatModel
	notifier notify.Notifier
	policy   retry.Policy
	defaults Defaults
	logger   *zap.Logger
	now      func() time.Time
}

func New(model llm.ChatModel, notifier notify.Notifier, policy retry.Policy, defaults Defaults, logger *zap.Logger) *Responder {
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Responder{
		model:    model,
		notifier: notifier,
		policy:   policy,
		defaults: defaults,
		logger:   logger.Named("responder"),
		now:      time.Now,
	}
}

type AgentInput struct {
	Agent     *models.Agent
	Products  []assembler.ProductContext
	History   []llm.Message
	Text      string
	ImageURLs []string

	UserID         string
	PageID         string
	ConversationID string
}

type LegacyInput struct {
	Settings *models.AISettings
	History  []llm.Message
	Text     string
}

// AgentReply asks the agent's model for a reply. An order confirmation marker
// in the output is removed and reported to the notifier.
func (r *Responder) AgentReply(ctx context.Context, in AgentInput) (string, error) {
	system, err := agentPrompt(in.Agent, in.Products)
	if err != nil {
		return "", err
	}

	current := in.Text
	if current == "" {
		current = AttachmentPlaceholder
		if len(in.ImageURLs) > 0 {
			current = ImagePlaceholder
		}
	}
	messages := append(append([]llm.Message(nil), in.History...), llm.Message{Role: llm.RoleUser, Content: current})

	req := llm.Request{
		Model:       firstNonEmpty(in.Agent.Model, r.defaults.Model),
		System:      system,
		Messages:    messages,
		ImageURLs:   in.ImageURLs,
		Temperature: in.Agent.Temperature,
		MaxTokens:   in.Agent.MaxTokens,
	}
	if req.Temperature == nil {
		req.Temperature = r.defaultTemperature()
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = r.defaults.MaxTokens
	}

	reply, err := r.complete(ctx, req)
	if err != nil {
		return "", err
	}

	if !strings.Contains(reply, OrderConfirmedMarker) {
		return reply, nil
	}
	reply = strings.TrimSpace(strings.ReplaceAll(reply, OrderConfirmedMarker, ""))
	if reply == "" {
		reply = orderConfirmedFallback
	}

	event := notify.OrderConfirmed{
		UserID:         in.UserID,
		PageID:         in.PageID,
		ConversationID: in.ConversationID,
		At:             r.now(),
	}
	if err := r.notifier.OrderConfirmed(ctx, event); err != nil {
		r.logger.Error("Failed to report order confirmation",
			zap.Error(err),
			zap.String("conversation_id", in.ConversationID))
	}
	return reply, nil
}

// LegacyReply answers from the page owner's AI settings.
func (r *Responder) LegacyReply(ctx context.Context, in LegacyInput) (string, error) {
	messages := append(append([]llm.Message(nil), in.History...), llm.Message{Role: llm.RoleUser, Content: in.Text})

	return r.complete(ctx, llm.Request{
		Model:       firstNonEmpty(in.Settings.AIModel, r.defaults.Model),
		System:      legacyPrompt(in.Settings),
		Messages:    messages,
		Temperature: r.defaultTemperature(),
		MaxTokens:   r.defaults.MaxTokens,
	})
}

func (r *Responder) defaultTemperature() *float64 {
	t := r.defaults.Temperature
	return &t
}

func (r *Responder) complete(ctx context.Context, req llm.Request) (string, error) {
	var reply string
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		out, err := r.model.Complete(ctx, req)
		if err != nil {
			var me *llm.ModelError
			if errors.As(err, &me) && !me.Retryable {
				return retry.Permanent(err)
			}
			return err
		}
		if out == "" {
			return retry.Permanent(&llm.ModelError{Model: req.Model, Err: fmt.Errorf("empty reply")})
		}
		reply = out
		return nil
	}, func(attempt int, err error) {
		r.logger.Warn("Model call failed, retrying",
			zap.Error(err),
			zap.String("model", req.Model),
			zap.Int("attempt", attempt))
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

func agentPrompt(agent *models.Agent, products []assembler.ProductContext) (string, error) {
	catalog, err := json.MarshalIndent(products, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error encoding product catalog: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a sales assistant answering customers of this business in a chat.\n", firstNonEmpty(agent.Name, "the shop assistant"))
	if agent.Personality != "" {
		fmt.Fprintf(&b, "\nPersonality:\n%s\n", agent.Personality)
	}
	if agent.CustomInstructions != "" {
		fmt.Fprintf(&b, "\nInstructions:\n%s\n", agent.CustomInstructions)
	}
	fmt.Fprintf(&b, "\nProducts you can sell (JSON):\n%s\n", catalog)
	b.WriteString(`
Rules:
- Only offer products from the list above and quote their prices and stock as given.
- A product with quantity 0 is out of stock.
- If the customer sends a picture, match it against the product images and names.
- Keep answers short and in the customer's language.
- When the customer clearly confirms an order, end your reply with ` + OrderConfirmedMarker + `.
`)
	return b.String(), nil
}

func legacyPrompt(settings *models.AISettings) string {
	var b strings.Builder
	b.WriteString("You are a helpful customer service assistant for this business. Keep answers short and friendly.\n")
	if settings.BusinessContext != "" {
		fmt.Fprintf(&b, "\nBusiness context:\n%s\n", settings.BusinessContext)
	}
	if settings.CustomInstructions != "" {
		fmt.Fprintf(&b, "\nInstructions:\n%s\n", settings.CustomInstructions)
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
