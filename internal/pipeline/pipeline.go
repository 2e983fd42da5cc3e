package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/pagebot/internal/agent"
	"github.com/xaenox/pagebot/internal/assembler"
	"github.com/xaenox/pagebot/internal/attachment"
	"github.com/xaenox/pagebot/internal/cache"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/provider"
	"github.com/xaenox/pagebot/internal/responder"
	"github.com/xaenox/pagebot/internal/retry"
	"github.com/xaenox/pagebot/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultEventTimeout = 2 * time.Minute

// Event is one inbound message, already decoded from the channel it came on.
type Event struct {
	Platform    models.Platform
	PageID      string // the page's id on the platform
	SenderID    string
	RecipientID string
	MessageID   string
	Text        string
	IsEcho      bool
	Attachments []attachment.Raw
	Timestamp   time.Time
}

// Delivery is a batch of events received together, e.g. one webhook POST.
type Delivery struct {
	RequestID string
	Events    []Event
}

// ReplySource tags outbound messages whose provider returned no id.
type ReplySource string

const (
	SourceCanned ReplySource = "auto"
	SourceAgent  ReplySource = "agent"
	SourceLegacy ReplySource = "ai"
)

type Deps struct {
	Store        storage.Storage
	Deduper      cache.Deduper
	Responder    *responder.Responder
	Sender       provider.Sender
	Retry        retry.Policy
	HistoryLimit int
	EventTimeout time.Duration
	Logger       *zap.Logger
}

type Processor struct {
	store     storage.Storage
	deduper   cache.Deduper
	resolver  *agent.Resolver
	assembler *assembler.Assembler
	responder *responder.Responder
	sender    provider.Sender
	policy    retry.Policy
	timeout   time.Duration
	logger    *zap.Logger

	conversations singleflight.Group
	inflight      sync.WaitGroup
	now           func() time.Time
}

func New(d Deps) *Processor {
	timeout := d.EventTimeout
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	policy := d.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Processor{
		store:     d.Store,
		deduper:   d.Deduper,
		resolver:  agent.NewResolver(d.Store),
		assembler: assembler.New(d.Store, d.HistoryLimit),
		responder: d.Responder,
		sender:    d.Sender,
		policy:    policy,
		timeout:   timeout,
		logger:    d.Logger.Named("pipeline"),
		now:       time.Now,
	}
}

// Go processes d in the background. The caller's cancellation does not stop
// processing; use Wait to drain on shutdown.
func (p *Processor) Go(ctx context.Context, d Delivery) {
	ctx = context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.HandleDelivery(ctx, d)
	}()
}

// Wait blocks until every delivery started with Go has finished.
func (p *Processor) Wait() {
	p.inflight.Wait()
}

// HandleDelivery processes events one after another. A failing event is
// logged and does not affect the rest.
func (p *Processor) HandleDelivery(ctx context.Context, d Delivery) {
	for _, ev := range d.Events {
		p.handleEvent(ctx, d.RequestID, ev)
	}
}

func (p *Processor) handleEvent(ctx context.Context, requestID string, ev Event) {
	logger := p.logger.With(
		zap.String("request_id", requestID),
		zap.String("platform", string(ev.Platform)),
		zap.String("page_id", ev.PageID),
		zap.String("sender_id", ev.SenderID),
		zap.String("message_id", ev.MessageID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing event", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.process(ctx, logger, ev); err != nil {
		logger.Error("Failed to process event", zap.Error(err))
	}
}

func (p *Processor) process(ctx context.Context, logger *zap.Logger, ev Event) error {
	if ev.IsEcho || ev.MessageID == "" {
		logger.Debug("Skipping echo or non-message event")
		return nil
	}

	c := attachment.Classify(ev.Text, ev.Attachments)
	if c.Empty() {
		logger.Debug("Dropping empty message")
		return nil
	}

	page, err := p.store.FindPage(ctx, ev.Platform, ev.PageID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("No page registered for event")
		return nil
	}
	if err != nil {
		return fmt.Errorf("error finding page: %w", err)
	}
	if !page.Active {
		logger.Info("Page is inactive, dropping message")
		return nil
	}

	seen, err := p.deduper.Seen(ctx, cache.InboundKey(string(ev.Platform), ev.MessageID))
	if err != nil {
		logger.Warn("Dedupe check failed, processing anyway", zap.Error(err))
	} else if seen {
		logger.Info("Duplicate delivery, skipping")
		return nil
	}

	conv, err := p.conversation(ctx, models.ConversationKey{
		Platform: page.Platform,
		PageID:   page.ID,
		SenderID: ev.SenderID,
	})
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("conversation_id", conv.ID))

	timestamp := ev.Timestamp
	if timestamp.IsZero() {
		timestamp = p.now()
	}
	inbound := &models.Message{
		ConversationID: conv.ID,
		ExternalID:     ev.MessageID,
		SenderID:       ev.SenderID,
		RecipientID:    ev.RecipientID,
		Text:           models.StringPtr(c.Text),
		AttachmentType: models.StringPtr(c.StorageType),
		AttachmentURL:  models.StringPtr(c.StorageURL),
		Timestamp:      timestamp,
	}
	if err := p.store.CreateMessage(ctx, inbound); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			logger.Info("Message already stored, skipping")
			return nil
		}
		return fmt.Errorf("error saving inbound message: %w", err)
	}
	if err := p.store.TouchConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("error updating conversation: %w", err)
	}

	strategy, err := p.resolver.Resolve(ctx, page, c)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("strategy", strategy.Name()))

	var (
		reply  string
		source ReplySource
	)
	switch s := strategy.(type) {
	case agent.Canned:
		reply, source = attachment.CannedReply(s.Kind), SourceCanned

	case agent.AgentFlow:
		actx, err := p.assembler.Assemble(ctx, s.Agent, conv.ID, inbound.ID)
		if err != nil {
			return err
		}
		reply, err = p.responder.AgentReply(ctx, responder.AgentInput{
			Agent:          s.Agent,
			Products:       actx.Products,
			History:        actx.History,
			Text:           c.Text,
			ImageURLs:      c.ImageURLs,
			UserID:         page.UserID,
			PageID:         page.ID,
			ConversationID: conv.ID,
		})
		if err != nil {
			return fmt.Errorf("error generating agent reply: %w", err)
		}
		source = SourceAgent

	case agent.Legacy:
		history, err := p.assembler.History(ctx, conv.ID, inbound.ID)
		if err != nil {
			return err
		}
		reply, err = p.responder.LegacyReply(ctx, responder.LegacyInput{
			Settings: s.Settings,
			History:  history,
			Text:     c.Text,
		})
		if err != nil {
			return fmt.Errorf("error generating reply: %w", err)
		}
		source = SourceLegacy

	case agent.NoReply:
		logger.Info("No reply", zap.String("reason", s.Reason))
		return nil

	default:
		return fmt.Errorf("unknown strategy %T", strategy)
	}

	return p.dispatch(ctx, logger, page, conv, ev, reply, source)
}

// conversation collapses concurrent lookups for the same key; the store's
// upsert keeps it unique across processes. The shared lookup runs detached
// from whichever caller started it, and each caller waits on its own ctx.
func (p *Processor) conversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	ch := p.conversations.DoChan(key.String(), func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.store.FindOrCreateConversation(lookupCtx, key)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("error finding conversation: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("error finding conversation: %w", res.Err)
		}
		conv := *res.Val.(*models.Conversation)
		return &conv, nil
	}
}

// dispatch sends reply and records it. Nothing is stored when the send fails.
func (p *Processor) dispatch(ctx context.Context, logger *zap.Logger, page *models.Page, conv *models.Conversation, ev Event, reply string, source ReplySource) error {
	var providerID string
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		id, err := p.sender.SendMessage(ctx, page.AccessToken, ev.SenderID, reply, page.Platform)
		if err != nil {
			var pe *provider.ProviderError
			if errors.As(err, &pe) && !pe.Temporary() {
				return retry.Permanent(err)
			}
			if provider.MaybeDelivered(err) {
				return retry.Permanent(err)
			}
			return err
		}
		providerID = id
		return nil
	}, func(attempt int, err error) {
		logger.Warn("Send failed, retrying", zap.Error(err), zap.Int("attempt", attempt))
	})
	if err != nil {
		return fmt.Errorf("error sending reply: %w", err)
	}

	externalID := providerID
	if externalID == "" {
		externalID = string(source) + "_" + uuid.NewString()
	}
	outbound := &models.Message{
		ConversationID: conv.ID,
		ExternalID:     externalID,
		SenderID:       page.ExternalID,
		RecipientID:    ev.SenderID,
		Text:           models.StringPtr(reply),
		IsFromPage:     true,
		Timestamp:      p.now(),
	}
	if err := p.store.CreateMessage(ctx, outbound); err != nil {
		return fmt.Errorf("error saving outbound message: %w", err)
	}
	if err := p.store.TouchConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("error updating conversation: %w", err)
	}

	logger.Info("Reply sent", zap.String("external_id", externalID))
	return nil
}
