package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/xaenox/pagebot/internal/attachment"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/pipeline"
	"github.com/xaenox/pagebot/internal/provider"
	"go.uber.org/zap"
)

// Processor runs deliveries in the background.
type Processor interface {
	Go(ctx context.Context, d pipeline.Delivery)
}

type PageStore interface {
	UpsertPage(ctx context.Context, page *models.Page) error
}

// Bot is the Telegram channel. Each bot account acts as one page.
type Bot struct {
	api    *tgbotapi.BotAPI
	pageID string
	logger *zap.Logger
}

func New(token string, logger *zap.Logger) (*Bot, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint, logger)
}

// NewWithEndpoint talks to a Bot API server other than api.telegram.org.
// endpoint is a format string taking the token and the method name.
func NewWithEndpoint(token, endpoint string, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:    api,
		pageID: strconv.FormatInt(api.Self.ID, 10),
		logger: logger.Named("telegram"),
	}, nil
}

// Register makes sure the bot account exists as an active page owned by ownerUserID.
func (b *Bot) Register(ctx context.Context, store PageStore, ownerUserID string) error {
	page := &models.Page{
		Platform:   models.PlatformTelegram,
		ExternalID: b.pageID,
		UserID:     ownerUserID,
		Name:       b.api.Self.UserName,
		Active:     true,
	}
	if err := store.UpsertPage(ctx, page); err != nil {
		return fmt.Errorf("failed to register telegram page: %w", err)
	}
	b.logger.Info("Telegram page registered",
		zap.String("page_id", page.ID),
		zap.String("username", b.api.Self.UserName))
	return nil
}

// Start long-polls updates and hands every message to processor until ctx is done.
func (b *Bot) Start(ctx context.Context, processor Processor) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, processor, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, processor Processor, message *tgbotapi.Message) {
	ev := eventFromMessage(message, b.pageID, func(fileID string) (string, error) {
		url, err := b.api.GetFileDirectURL(fileID)
		if err != nil {
			// the error text may carry the bot token
			b.logger.Warn("Could not resolve photo url",
				zap.Int64("chat_id", message.Chat.ID),
				zap.Int("message_id", message.MessageID))
		}
		return url, err
	})

	processor.Go(ctx, pipeline.Delivery{
		RequestID: uuid.New().String(),
		Events:    []pipeline.Event{ev},
	})
}

// SendMessage sends text to the chat identified by recipientID. The access
// token is unused; the bot authenticates with its own token.
func (b *Bot) SendMessage(ctx context.Context, accessToken, recipientID, text string, platform models.Platform) (string, error) {
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", recipientID, err)
	}

	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			return "", &provider.ProviderError{Platform: platform, StatusCode: tgErr.Code, Body: tgErr.Message}
		}
		return "", fmt.Errorf("error sending to telegram: %w", err)
	}
	return messageID(chatID, sent.MessageID), nil
}

// Telegram message ids are only unique within a chat.
func messageID(chatID int64, id int) string {
	return fmt.Sprintf("tg_%d_%d", chatID, id)
}

// eventFromMessage maps a Telegram message onto the attachment kinds the
// pipeline understands. Photos resolve to a direct file URL; when that fails
// the message is treated as an unsupported one.
func eventFromMessage(msg *tgbotapi.Message, pageID string, fileURL func(fileID string) (string, error)) pipeline.Event {
	ev := pipeline.Event{
		Platform:    models.PlatformTelegram,
		PageID:      pageID,
		SenderID:    strconv.FormatInt(msg.Chat.ID, 10),
		RecipientID: pageID,
		MessageID:   messageID(msg.Chat.ID, msg.MessageID),
		Text:        msg.Text,
		IsEcho:      msg.From != nil && msg.From.IsBot,
		Timestamp:   msg.Time(),
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}

	add := func(kind attachment.Kind, url string) {
		ev.Attachments = append(ev.Attachments, attachment.Raw{Type: string(kind), URL: url})
	}

	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		if url, err := fileURL(largest.FileID); err == nil {
			add(attachment.Image, url)
		} else {
			add(attachment.Fallback, "")
		}
	case msg.Voice != nil, msg.Audio != nil:
		add(attachment.Audio, "")
	case msg.Animation != nil, msg.Video != nil, msg.VideoNote != nil:
		add(attachment.Video, "")
	case msg.Document != nil:
		add(attachment.File, "")
	case msg.Location != nil, msg.Venue != nil:
		add(attachment.Location, "")
	case msg.Sticker != nil, msg.Contact != nil, msg.Poll != nil, msg.Dice != nil:
		add(attachment.Fallback, "")
	}
	return ev
}
