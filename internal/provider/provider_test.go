package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/pagebot/internal/models"
	"go.uber.org/zap/zaptest"
)

func TestVerifyWebhookChallenge(t *testing.T) {
	got, ok := VerifyWebhookChallenge("subscribe", "secret", "12345", "secret")
	assert.True(t, ok)
	assert.Equal(t, "12345", got)

	_, ok = VerifyWebhookChallenge("subscribe", "wrong", "12345", "secret")
	assert.False(t, ok)

	_, ok = VerifyWebhookChallenge("unsubscribe", "secret", "12345", "secret")
	assert.False(t, ok)

	_, ok = VerifyWebhookChallenge("subscribe", "", "12345", "")
	assert.False(t, ok)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	sig := Signature(body, "app-secret")

	assert.True(t, VerifySignature(body, sig, "app-secret"))
	assert.False(t, VerifySignature([]byte(`{"object":"instagram"}`), sig, "app-secret"))
	assert.False(t, VerifySignature(body, sig, "other-secret"))
	assert.False(t, VerifySignature(body, "", "app-secret"))
}

type capturedRequest struct {
	Path   string
	Query  string
	Auth   string
	Body   sendRequest
	Called int
}

func newMetaServer(t *testing.T, status int, respBody string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Called++
		captured.Path = r.URL.Path
		captured.Query = r.URL.RawQuery
		captured.Auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.Body))
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestSendMessageFacebookUsesQueryToken(t *testing.T) {
	srv, captured := newMetaServer(t, http.StatusOK, `{"recipient_id":"u1","message_id":"m_fb"}`)
	client := NewMetaClient(MetaConfig{GraphURL: srv.URL + "/v18.0", InstagramURL: srv.URL + "/ig"}, zaptest.NewLogger(t))

	id, err := client.SendMessage(context.Background(), "page-token", "u1", "hi there", models.PlatformFacebook)
	require.NoError(t, err)

	assert.Equal(t, "m_fb", id)
	assert.Equal(t, "/v18.0/me/messages", captured.Path)
	assert.Equal(t, "access_token=page-token", captured.Query)
	assert.Empty(t, captured.Auth)
	assert.Equal(t, "u1", captured.Body.Recipient.ID)
	assert.Equal(t, "hi there", captured.Body.Message.Text)
}

func TestSendMessageInstagramUsesBearerHeader(t *testing.T) {
	srv, captured := newMetaServer(t, http.StatusOK, `{"recipient_id":"u1","message_id":"m_ig"}`)
	client := NewMetaClient(MetaConfig{GraphURL: srv.URL + "/fb", InstagramURL: srv.URL + "/v21.0"}, zaptest.NewLogger(t))

	id, err := client.SendMessage(context.Background(), "ig-token", "u1", "hola", models.PlatformInstagram)
	require.NoError(t, err)

	assert.Equal(t, "m_ig", id)
	assert.Equal(t, "/v21.0/me/messages", captured.Path)
	assert.Empty(t, captured.Query)
	assert.Equal(t, "Bearer ig-token", captured.Auth)
}

func TestSendMessageNon2xxIsProviderError(t *testing.T) {
	srv, _ := newMetaServer(t, http.StatusBadRequest, `{"error":{"message":"invalid token"}}`)
	client := NewMetaClient(MetaConfig{GraphURL: srv.URL}, zaptest.NewLogger(t))

	_, err := client.SendMessage(context.Background(), "tok", "u1", "hi", models.PlatformFacebook)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.False(t, pe.Temporary())
	assert.Contains(t, pe.Body, "invalid token")
}

type stubSender struct{ platforms []models.Platform }

func (s *stubSender) SendMessage(_ context.Context, _, _, _ string, p models.Platform) (string, error) {
	s.platforms = append(s.platforms, p)
	return "ok", nil
}

func TestSendTimeoutMayHaveBeenDelivered(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewMetaClient(MetaConfig{GraphURL: srv.URL, Timeout: 20 * time.Millisecond}, zaptest.NewLogger(t))
	_, err := client.SendMessage(context.Background(), "tok", "u1", "hi", models.PlatformFacebook)
	require.Error(t, err)
	assert.True(t, MaybeDelivered(err))
}

func TestConnectionRefusedWasNotDelivered(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewMetaClient(MetaConfig{GraphURL: url}, zaptest.NewLogger(t))
	_, err := client.SendMessage(context.Background(), "tok", "u1", "hi", models.PlatformFacebook)
	require.Error(t, err)
	assert.False(t, MaybeDelivered(err))
	assert.False(t, MaybeDelivered(&ProviderError{StatusCode: 503}))
}

func TestRouterDispatchesByPlatform(t *testing.T) {
	meta, tg := &stubSender{}, &stubSender{}
	r := NewRouter()
	r.Register(meta, models.PlatformFacebook, models.PlatformInstagram)
	r.Register(tg, models.PlatformTelegram)

	_, err := r.SendMessage(context.Background(), "", "u", "x", models.PlatformInstagram)
	require.NoError(t, err)
	_, err = r.SendMessage(context.Background(), "", "u", "x", models.PlatformTelegram)
	require.NoError(t, err)
	_, err = r.SendMessage(context.Background(), "", "u", "x", models.Platform("whatsapp"))
	assert.Error(t, err)

	assert.Equal(t, []models.Platform{models.PlatformInstagram}, meta.platforms)
	assert.Equal(t, []models.Platform{models.PlatformTelegram}, tg.platforms)
}
