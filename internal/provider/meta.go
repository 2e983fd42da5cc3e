package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/xaenox/pagebot/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultGraphURL     = "https://graph.facebook.com/v18.0"
	DefaultInstagramURL = "https://graph.instagram.com/v21.0"
)

type MetaConfig struct {
	GraphURL     string
	InstagramURL string
	Timeout      time.Duration
}

// MetaClient sends messages through the Facebook and Instagram Graph APIs.
// Facebook takes the page token as a query parameter; Instagram takes it as a
// bearer header.
type MetaClient struct {
	graphURL     string
	instagramURL string
	client       *http.Client
	logger       *zap.Logger
}

func NewMetaClient(cfg MetaConfig, logger *zap.Logger) *MetaClient {
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	if cfg.InstagramURL == "" {
		cfg.InstagramURL = DefaultInstagramURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &MetaClient{
		graphURL:     cfg.GraphURL,
		instagramURL: cfg.InstagramURL,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       logger.Named("meta"),
	}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (c *MetaClient) SendMessage(ctx context.Context, accessToken, recipientID, text string, platform models.Platform) (string, error) {
	var payload sendRequest
	payload.Recipient.ID = recipientID
	payload.Message.Text = text

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("error creating %s payload: %w", platform, err)
	}

	var endpoint string
	switch platform {
	case models.PlatformFacebook:
		endpoint = c.graphURL + "/me/messages?" + url.Values{"access_token": {accessToken}}.Encode()
	case models.PlatformInstagram:
		endpoint = c.instagramURL + "/me/messages"
	default:
		return "", fmt.Errorf("meta client cannot send to platform %q", platform)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("error creating %s request: %w", platform, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if platform == models.PlatformInstagram {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending to %s: %w", platform, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ProviderError{Platform: platform, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		c.logger.Warn("Unparseable send response",
			zap.String("platform", string(platform)),
			zap.Error(err))
	}

	c.logger.Debug("Message sent",
		zap.String("platform", string(platform)),
		zap.String("recipient_id", recipientID),
		zap.String("message_id", out.MessageID),
		zap.Duration("took", time.Since(start)))
	return out.MessageID, nil
}
