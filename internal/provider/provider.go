package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/xaenox/pagebot/internal/models"
)

// Sender delivers a text message to a recipient on a platform and returns the
// provider's message id (possibly empty).
type Sender interface {
	SendMessage(ctx context.Context, accessToken, recipientID, text string, platform models.Platform) (string, error)
}

// ProviderError is a non-2xx answer from a platform's send endpoint.
type ProviderError struct {
	Platform   models.Platform
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s send failed (status %d): %s", e.Platform, e.StatusCode, e.Body)
}

// Temporary reports whether the failure may succeed on a later attempt.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// MaybeDelivered reports a failure after which the message may already have
// reached the recipient, e.g. a timeout while waiting for the response. Sends
// are not idempotent, so such failures must not be retried.
func MaybeDelivered(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// VerifyWebhookChallenge returns the challenge when mode is "subscribe" and the
// token matches; ok=false means the caller answers 403.
func VerifyWebhookChallenge(mode, token, challenge, expectedToken string) (string, bool) {
	if mode == "subscribe" && expectedToken != "" && token == expectedToken {
		return challenge, true
	}
	return "", false
}

const SignatureHeader = "X-Hub-Signature-256"

// Signature computes the X-Hub-Signature-256 value for body.
func Signature(body []byte, appSecret string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 header against body.
func VerifySignature(body []byte, header, appSecret string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Signature(body, appSecret)))
}

// Router dispatches to the Sender registered for a platform.
type Router struct {
	senders map[models.Platform]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[models.Platform]Sender)}
}

// Register binds sender to each of the given platforms.
func (r *Router) Register(sender Sender, platforms ...models.Platform) {
	for _, p := range platforms {
		r.senders[p] = sender
	}
}

func (r *Router) SendMessage(ctx context.Context, accessToken, recipientID, text string, platform models.Platform) (string, error) {
	sender, ok := r.senders[platform]
	if !ok {
		return "", fmt.Errorf("unsupported platform: %s", platform)
	}
	return sender.SendMessage(ctx, accessToken, recipientID, text, platform)
}
