package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/service"
)

// Reserver opens payment sessions for buyers.
type Reserver interface {
	Reserve(ctx context.Context, buyerID, listingID string) (*service.Reservation, error)
	Purchases(ctx context.Context, buyerID string, limit, offset int) ([]model.Purchase, error)
}

// Syncer polls the processor for a session on the buyer's behalf.
type Syncer interface {
	Sync(ctx context.Context, buyerID, sessionRef string) (*model.Payment, error)
}

// Verifier records the buyer's verdict on a delivered code.
type Verifier interface {
	Confirm(ctx context.Context, listingID, buyerID string) error
	Dispute(ctx context.Context, listingID, buyerID, reason string) error
}

// CodeRevealer hands out the code payload to whoever may see it.
type CodeRevealer interface {
	RevealCode(ctx context.Context, listingID, userID string) (string, error)
}

// PurchaseHandler serves the buyer side of a sale.
type PurchaseHandler struct {
	Orders   Reserver
	Payments Syncer
	Verify   Verifier
	Codes    CodeRevealer
	Log      *slog.Logger
}

// NewPurchaseHandler wires the buyer endpoints.
func NewPurchaseHandler(orders Reserver, payments Syncer, verify Verifier, codes CodeRevealer, log *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{Orders: orders, Payments: payments, Verify: verify, Codes: codes, Log: log}
}

// Purchase handles POST /v1/listings/:id/purchase.  It returns the session
// the client completes with the processor; the sale itself is settled
// asynchronously.
func (h *PurchaseHandler) Purchase(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	res, err := h.Orders.Reserve(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Sync handles POST /v1/payments/:session_ref/sync.
func (h *PurchaseHandler) Sync(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	p, err := h.Payments.Sync(c.Request().Context(), userID, c.Param("session_ref"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, p)
}

// Mine handles GET /v1/my-purchases.
func (h *PurchaseHandler) Mine(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit, offset := page(c)
	items, err := h.Orders.Purchases(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if items == nil {
		items = []model.Purchase{}
	}
	return c.JSON(http.StatusOK, items)
}

// Code handles GET /v1/purchases/:listing_id/code.
func (h *PurchaseHandler) Code(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	listingID := c.Param("listing_id")
	code, err := h.Codes.RevealCode(c.Request().Context(), listingID, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"listing_id": listingID, "code": code})
}

// Confirm handles POST /v1/purchases/:listing_id/confirm.
func (h *PurchaseHandler) Confirm(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if err := h.Verify.Confirm(c.Request().Context(), c.Param("listing_id"), userID); err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"verification_status": model.VerificationConfirmed})
}

// Dispute handles POST /v1/purchases/:listing_id/dispute.
func (h *PurchaseHandler) Dispute(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := h.Verify.Dispute(c.Request().Context(), c.Param("listing_id"), userID, body.Reason); err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"verification_status": model.VerificationDisputed})
}
