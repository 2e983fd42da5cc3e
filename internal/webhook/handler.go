package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xaenox/pagebot/internal/pipeline"
	"github.com/xaenox/pagebot/internal/provider"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Processor runs deliveries in the background.
type Processor interface {
	Go(ctx context.Context, d pipeline.Delivery)
}

type Handler struct {
	verifyToken string
	appSecret   string
	processor   Processor
	logger      *zap.Logger
}

// NewHandler builds the webhook surface. When appSecret is empty, POST
// signatures are not checked.
func NewHandler(verifyToken, appSecret string, processor Processor, logger *zap.Logger) *Handler {
	return &Handler{
		verifyToken: verifyToken,
		appSecret:   appSecret,
		processor:   processor,
		logger:      logger.Named("webhook"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/webhooks/meta", h.verify)
	r.Post("/webhooks/meta", h.receive)
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := provider.VerifyWebhookChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.verifyToken)
	if !ok {
		h.logger.Warn("Webhook verification failed", zap.String("mode", q.Get("hub.mode")))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	h.logger.Info("Webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(challenge))
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if h.appSecret != "" && !provider.VerifySignature(body, r.Header.Get(provider.SignatureHeader), h.appSecret) {
		h.logger.Warn("Invalid webhook signature", zap.String("request_id", requestID))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("Malformed webhook payload", zap.Error(err), zap.String("request_id", requestID))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Processing runs in the background; the ack never waits for it.
	if events := payload.Events(); len(events) > 0 {
		h.logger.Debug("Webhook accepted",
			zap.String("request_id", requestID),
			zap.String("object", payload.Object),
			zap.Int("events", len(events)))
		h.processor.Go(r.Context(), pipeline.Delivery{RequestID: requestID, Events: events})
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}
