package llm

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

type GeminiModel struct {
	client *genai.Client
	logger *zap.Logger
}

// NewGeminiModel builds a Gemini API client; baseURL is optional.
func NewGeminiModel(ctx context.Context, apiKey, baseURL string, logger *zap.Logger) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiModel{client: client, logger: logger.Named("gemini")}, nil
}

func (m *GeminiModel) Complete(ctx context.Context, req Request) (string, error) {
	lastUser := -1
	for i, msg := range req.Messages {
		if msg.Role == RoleUser {
			lastUser = i
		}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for i, msg := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		parts := []*genai.Part{genai.NewPartFromText(msg.Content)}
		if i == lastUser {
			for _, u := range req.ImageURLs {
				parts = append(parts, genai.NewPartFromURI(u, imageMIMEType(u)))
			}
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := m.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		retryable := true
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			retryable = retryableStatus(apiErr.Code)
		}
		return "", &ModelError{Model: req.Model, Err: err, Retryable: retryable}
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &ModelError{Model: req.Model, Err: fmt.Errorf("empty response")}
	}

	if resp.UsageMetadata != nil {
		m.logger.Debug("Completion done",
			zap.String("model", req.Model),
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("completion_tokens", resp.UsageMetadata.CandidatesTokenCount))
	}
	return text, nil
}

func imageMIMEType(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if t := mime.TypeByExtension(path.Ext(u.Path)); strings.HasPrefix(t, "image/") {
			return t
		}
	}
	return "image/jpeg"
}
