package bot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/pagebot/internal/provider"
	"github.com/xaenox/pagebot/internal/storage"
	"go.uber.org/zap/zaptest"
	"github.com/xaenox/pagebot/internal/attachment"
	"github.com/xaenox/pagebot/internal/models"
)

func resolveOK(fileID string) (string, error) {
	return "https://api.telegram.org/file/bot/photos/" + fileID + ".jpg", nil
}

func resolveFail(string) (string, error) {
	return "", errors.New("not found")
}

func baseMessage() *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 555},
		Chat:      &tgbotapi.Chat{ID: 555},
		Date:      1700000000,
	}
}

func TestEventFromTextMessage(t *testing.T) {
	msg := baseMessage()
	msg.Text = "hello"

	ev := eventFromMessage(msg, "100", resolveOK)

	assert.Equal(t, models.PlatformTelegram, ev.Platform)
	assert.Equal(t, "100", ev.PageID)
	assert.Equal(t, "555", ev.SenderID)
	assert.Equal(t, "tg_555_7", ev.MessageID)
	assert.Equal(t, "hello", ev.Text)
	assert.False(t, ev.IsEcho)
	assert.Equal(t, time.Unix(1700000000, 0), ev.Timestamp)
	assert.Empty(t, ev.Attachments)
}

func TestEventFromPhotoUsesLargestSize(t *testing.T) {
	msg := baseMessage()
	msg.Caption = "is this in stock?"
	msg.Photo = []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}

	ev := eventFromMessage(msg, "100", resolveOK)

	assert.Equal(t, "is this in stock?", ev.Text)
	assert.Equal(t, []attachment.Raw{{Type: "image", URL: "https://api.telegram.org/file/bot/photos/large.jpg"}}, ev.Attachments)

	ev = eventFromMessage(msg, "100", resolveFail)
	assert.Equal(t, []attachment.Raw{{Type: "fallback"}}, ev.Attachments)
}

func TestEventAttachmentKinds(t *testing.T) {
	cases := map[string]struct {
		set  func(m *tgbotapi.Message)
		want attachment.Kind
	}{
		"voice":      {func(m *tgbotapi.Message) { m.Voice = &tgbotapi.Voice{} }, attachment.Audio},
		"audio":      {func(m *tgbotapi.Message) { m.Audio = &tgbotapi.Audio{} }, attachment.Audio},
		"video":      {func(m *tgbotapi.Message) { m.Video = &tgbotapi.Video{} }, attachment.Video},
		"video note": {func(m *tgbotapi.Message) { m.VideoNote = &tgbotapi.VideoNote{} }, attachment.Video},
		"document":   {func(m *tgbotapi.Message) { m.Document = &tgbotapi.Document{} }, attachment.File},
		"location":   {func(m *tgbotapi.Message) { m.Location = &tgbotapi.Location{} }, attachment.Location},
		"venue":      {func(m *tgbotapi.Message) { m.Venue = &tgbotapi.Venue{} }, attachment.Location},
		"sticker":    {func(m *tgbotapi.Message) { m.Sticker = &tgbotapi.Sticker{} }, attachment.Fallback},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg := baseMessage()
			tc.set(msg)

			ev := eventFromMessage(msg, "100", resolveOK)
			assert.Equal(t, []attachment.Raw{{Type: string(tc.want)}}, ev.Attachments)

			c := attachment.Classify(ev.Text, ev.Attachments)
			assert.True(t, c.UnsupportedOnly())
		})
	}
}

func TestEventFromBotIsEcho(t *testing.T) {
	msg := baseMessage()
	msg.Text = "hi"
	msg.From.IsBot = true

	assert.True(t, eventFromMessage(msg, "100", resolveOK).IsEcho)
}

// fakeBotAPI answers getMe and sendMessage like the Bot API server.
type fakeBotAPI struct {
	mu       sync.Mutex
	sendBody string
	sent     []map[string]string
}

func newFakeBotAPI(t *testing.T, api *fakeBotAPI) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			w.Write([]byte(`{"ok":true,"result":{"id":4242,"is_bot":true,"first_name":"Shop","username":"shop_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			api.mu.Lock()
			api.sent = append(api.sent, map[string]string{"chat_id": r.FormValue("chat_id"), "text": r.FormValue("text")})
			body := api.sendBody
			api.mu.Unlock()
			w.Write([]byte(body))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendMessage(t *testing.T) {
	api := &fakeBotAPI{sendBody: `{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":555,"type":"private"}}}`}
	srv := newFakeBotAPI(t, api)

	b, err := NewWithEndpoint("123:abc", srv.URL+"/bot%s/%s", zaptest.NewLogger(t))
	require.NoError(t, err)

	id, err := b.SendMessage(context.Background(), "", "555", "Hello!", models.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, "tg_555_42", id)
	require.Len(t, api.sent, 1)
	assert.Equal(t, map[string]string{"chat_id": "555", "text": "Hello!"}, api.sent[0])
}

func TestSendMessageAPIErrorIsProviderError(t *testing.T) {
	api := &fakeBotAPI{sendBody: `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`}
	srv := newFakeBotAPI(t, api)

	b, err := NewWithEndpoint("123:abc", srv.URL+"/bot%s/%s", zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = b.SendMessage(context.Background(), "", "555", "Hello!", models.PlatformTelegram)

	var pe *provider.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 403, pe.StatusCode)
	assert.False(t, pe.Temporary())
}

func TestSendMessageRejectsBadChatID(t *testing.T) {
	srv := newFakeBotAPI(t, &fakeBotAPI{})
	b, err := NewWithEndpoint("123:abc", srv.URL+"/bot%s/%s", zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = b.SendMessage(context.Background(), "", "not-a-chat", "Hello!", models.PlatformTelegram)
	assert.Error(t, err)
}

func TestRegisterCreatesTelegramPage(t *testing.T) {
	srv := newFakeBotAPI(t, &fakeBotAPI{})
	b, err := NewWithEndpoint("123:abc", srv.URL+"/bot%s/%s", zaptest.NewLogger(t))
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	require.NoError(t, b.Register(context.Background(), store, "owner"))

	page, err := store.FindPage(context.Background(), models.PlatformTelegram, "4242")
	require.NoError(t, err)
	assert.Equal(t, "owner", page.UserID)
	assert.Equal(t, "shop_bot", page.Name)
	assert.True(t, page.Active)
}
