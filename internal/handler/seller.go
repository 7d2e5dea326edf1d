package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/repository"
	"github.com/iliyamo/game-code-market/internal/service"
)

// Payouts is the seller onboarding surface of the payout registry.
type Payouts interface {
	EnsureAccount(ctx context.Context, sellerID, email string) (string, error)
	OnboardingLink(ctx context.Context, sellerID, email, returnURL, refreshURL string) (string, error)
	Status(ctx context.Context, sellerID string) (service.SellerStatus, error)
}

// UserLookup resolves the seller's email for the processor account.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (model.User, error)
}

// SellerHandler serves payout account onboarding.
type SellerHandler struct {
	Payouts Payouts
	Users   UserLookup
	BaseURL string // where the processor sends sellers back to
	Log     *slog.Logger
}

// NewSellerHandler wires the payout endpoints.  baseURL prefixes the
// onboarding return links.
func NewSellerHandler(payouts Payouts, users UserLookup, baseURL string, log *slog.Logger) *SellerHandler {
	return &SellerHandler{Payouts: payouts, Users: users, BaseURL: strings.TrimRight(baseURL, "/"), Log: log}
}

func (h *SellerHandler) email(c echo.Context, userID string) (string, error) {
	u, err := h.Users.GetByID(c.Request().Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", service.ErrNotFound
	}
	return u.Email, err
}

// CreateAccount handles POST /v1/seller/account.  Calling it again is
// harmless; a seller that is already payable is told so.
func (h *SellerHandler) CreateAccount(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	st, err := h.Payouts.Status(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if st.PayoutCapable {
		return c.JSON(http.StatusOK, echo.Map{"account_ref": st.AccountRef, "message": "payout account already set up"})
	}
	email, err := h.email(c, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	ref, err := h.Payouts.EnsureAccount(c.Request().Context(), userID, email)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"account_ref": ref})
}

// OnboardingLink handles POST /v1/seller/onboarding-link.
func (h *SellerHandler) OnboardingLink(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	email, err := h.email(c, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	url, err := h.Payouts.OnboardingLink(c.Request().Context(), userID, email,
		h.BaseURL+"/seller/onboarding/complete", h.BaseURL+"/seller/onboarding/refresh")
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"url": url})
}

// Status handles GET /v1/seller/status.
func (h *SellerHandler) Status(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	st, err := h.Payouts.Status(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, st)
}
