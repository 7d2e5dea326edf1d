package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/monitoring"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/service"
)

// maxWebhookBytes bounds the payload read from the processor.
const maxWebhookBytes = 64 << 10

// signatureHeaders are tried in order; the first is what Stripe sends.
var signatureHeaders = []string{"Stripe-Signature", "X-Processor-Signature"}

// EventVerifier authenticates raw webhook payloads.
type EventVerifier interface {
	ParseEvent(payload []byte, signature string) (processor.Event, error)
}

// EventHandler applies a verified event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev processor.Event) (service.Outcome, error)
}

// WebhookHandler receives processor notifications.
type WebhookHandler struct {
	Verifier EventVerifier
	Events   EventHandler
	Log      *slog.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(v EventVerifier, events EventHandler, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{Verifier: v, Events: events, Log: log}
}

// Receive handles POST /v1/webhooks/processor.  A 5xx asks the processor
// to redeliver, so it is only returned for failures a retry can fix.
func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	var sig string
	for _, name := range signatureHeaders {
		if sig = c.Request().Header.Get(name); sig != "" {
			break
		}
	}
	ev, err := h.Verifier.ParseEvent(body, sig)
	if errors.Is(err, processor.ErrInvalidSignature) {
		h.Log.Warn("webhook rejected", slog.Any("error", err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
	}
	if err != nil {
		h.Log.Warn("webhook payload not understood", slog.Any("error", err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}

	log := h.Log.With(slog.String("event_id", ev.ID), slog.String("kind", string(ev.Kind)),
		slog.String("session_ref", ev.SessionRef))
	outcome, err := h.Events.HandleEvent(c.Request().Context(), ev)
	switch {
	case err == nil:
		log.Info("webhook applied", slog.String("outcome", string(outcome)))
		return c.JSON(http.StatusOK, echo.Map{"received": true, "outcome": outcome})
	case errors.Is(err, service.ErrNotFound):
		monitoring.Alert("webhook_unknown_session")
		log.Warn("webhook for unknown session", slog.Any("error", err))
		return c.JSON(http.StatusOK, echo.Map{"received": true, "outcome": service.OutcomeIgnored})
	case service.Retryable(err):
		log.Error("webhook failed, awaiting redelivery", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "temporarily unable to process event"})
	default:
		monitoring.Alert("webhook_unprocessable")
		log.Error("webhook cannot be applied", slog.Any("error", err))
		return c.JSON(http.StatusOK, echo.Map{"received": true, "outcome": service.OutcomeIgnored})
	}
}
