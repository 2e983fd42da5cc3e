package responder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/pagebot/internal/assembler"
	"github.com/xaenox/pagebot/internal/llm"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/notify"
	"github.com/xaenox/pagebot/internal/retry"
	"go.uber.org/zap/zaptest"
)

type fakeModel struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []llm.Request
}

func (m *fakeModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i < len(m.replies) {
		return m.replies[i], nil
	}
	return m.replies[len(m.replies)-1], nil
}

type fakeNotifier struct {
	events []notify.OrderConfirmed
	err    error
}

func (n *fakeNotifier) OrderConfirmed(ctx context.Context, e notify.OrderConfirmed) error {
	n.events = append(n.events, e)
	return n.err
}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

var defaults = Defaults{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 500}

func TestAgentReplyBuildsRequest(t *testing.T) {
	model := &fakeModel{replies: []string{"We have the red one in stock."}}
	r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

	reply, err := r.AgentReply(context.Background(), AgentInput{
		Agent: &models.Agent{Name: "Lina", Personality: "cheerful", Model: "gemini-2.0-flash", Temperature: models.Float64Ptr(0.2)},
		Products: []assembler.ProductContext{
			{ID: "p1", Name: "Scarf", SellingPrice: 25, Quantity: 3, Variants: []assembler.VariantContext{}},
		},
		History: []llm.Message{{Role: llm.RoleUser, Content: "hi"}, {Role: llm.RoleAssistant, Content: "hello!"}},
		Text:    "do you have scarves?",
	})
	require.NoError(t, err)
	assert.Equal(t, "We have the red one in stock.", reply)

	require.Len(t, model.requests, 1)
	req := model.requests[0]
	assert.Equal(t, "gemini-2.0-flash", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.2, *req.Temperature)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Contains(t, req.System, "Lina")
	assert.Contains(t, req.System, "cheerful")
	assert.Contains(t, req.System, `"sellingPrice": 25`)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "do you have scarves?"}, req.Messages[2])
}

func TestAgentReplyImageOnlyUsesPlaceholder(t *testing.T) {
	model := &fakeModel{replies: []string{"Nice!"}}
	r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

	_, err := r.AgentReply(context.Background(), AgentInput{
		Agent:     &models.Agent{},
		ImageURLs: []string{"https://cdn/a.jpg"},
	})
	require.NoError(t, err)

	req := model.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.7, *req.Temperature)
	assert.Equal(t, ImagePlaceholder, req.Messages[len(req.Messages)-1].Content)
	assert.Equal(t, []string{"https://cdn/a.jpg"}, req.ImageURLs)
}

func TestAgentReplyKeepsZeroTemperature(t *testing.T) {
	model := &fakeModel{replies: []string{"ok"}}
	r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

	_, err := r.AgentReply(context.Background(), AgentInput{
		Agent: &models.Agent{Temperature: models.Float64Ptr(0)},
		Text:  "hi",
	})
	require.NoError(t, err)

	req := model.requests[0]
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
}

func TestAgentReplyAttachmentOnlyUsesPlaceholder(t *testing.T) {
	model := &fakeModel{replies: []string{"Thanks for sharing!"}}
	r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

	_, err := r.AgentReply(context.Background(), AgentInput{Agent: &models.Agent{}})
	require.NoError(t, err)

	req := model.requests[0]
	assert.Equal(t, AttachmentPlaceholder, req.Messages[len(req.Messages)-1].Content)
	assert.Empty(t, req.ImageURLs)
}

func TestAgentReplyOrderConfirmed(t *testing.T) {
	model := &fakeModel{replies: []string{"Great, your scarf is on its way! [ORDER_CONFIRMED]"}}
	n := &fakeNotifier{err: errors.New("redis down")}
	r := New(model, n, fastPolicy, defaults, zaptest.NewLogger(t))

	reply, err := r.AgentReply(context.Background(), AgentInput{
		Agent:          &models.Agent{},
		Text:           "yes please",
		UserID:         "owner",
		PageID:         "page",
		ConversationID: "conv",
	})
	require.NoError(t, err, "notifier failure is not fatal")
	assert.Equal(t, "Great, your scarf is on its way!", reply)

	require.Len(t, n.events, 1)
	assert.Equal(t, "owner", n.events[0].UserID)
	assert.Equal(t, "page", n.events[0].PageID)
	assert.Equal(t, "conv", n.events[0].ConversationID)
}

func TestLegacyReply(t *testing.T) {
	model := &fakeModel{replies: []string{"Hi there"}}
	r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

	reply, err := r.LegacyReply(context.Background(), LegacyInput{
		Settings: &models.AISettings{AIModel: "gpt-4o", BusinessContext: "We sell tea."},
		History:  []llm.Message{{Role: llm.RoleUser, Content: "earlier"}},
		Text:     "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)

	req := model.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Contains(t, req.System, "We sell tea.")
	assert.NotContains(t, req.System, "Instructions")
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "earlier"},
		{Role: llm.RoleUser, Content: "hello"},
	}, req.Messages)
}

func TestModelErrorsRetryThenPropagate(t *testing.T) {
	t.Run("retryable errors are retried", func(t *testing.T) {
		model := &fakeModel{
			errs:    []error{&llm.ModelError{Model: "m", Err: errors.New("503"), Retryable: true}},
			replies: []string{"", "ok"},
		}
		r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

		reply, err := r.LegacyReply(context.Background(), LegacyInput{Settings: &models.AISettings{}, Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "ok", reply)
		assert.Len(t, model.requests, 2)
	})

	t.Run("permanent errors stop at once", func(t *testing.T) {
		model := &fakeModel{
			errs:    []error{&llm.ModelError{Model: "m", Err: errors.New("400")}},
			replies: []string{"unused"},
		}
		r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

		_, err := r.LegacyReply(context.Background(), LegacyInput{Settings: &models.AISettings{}, Text: "hi"})
		var me *llm.ModelError
		require.True(t, errors.As(err, &me))
		assert.Len(t, model.requests, 1)
	})

	t.Run("attempts run out", func(t *testing.T) {
		boom := &llm.ModelError{Model: "m", Err: errors.New("timeout"), Retryable: true}
		model := &fakeModel{errs: []error{boom, boom, boom, boom}, replies: []string{"unused"}}
		r := New(model, &fakeNotifier{}, fastPolicy, defaults, zaptest.NewLogger(t))

		_, err := r.LegacyReply(context.Background(), LegacyInput{Settings: &models.AISettings{}, Text: "hi"})
		assert.ErrorIs(t, err, boom)
		assert.Len(t, model.requests, 3)
	})
}
