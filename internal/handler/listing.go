package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/middleware"
	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/repository"
	"github.com/iliyamo/game-code-market/internal/service"
)

// Catalog is the listing side of the marketplace.
type Catalog interface {
	Create(ctx context.Context, sellerID string, in service.CreateListingInput) (*model.Listing, error)
	ListAvailable(ctx context.Context, f repository.ListingFilter) ([]model.Listing, int, error)
	Get(ctx context.Context, id, viewerID string) (*model.Listing, error)
	ListMine(ctx context.Context, sellerID string, limit, offset int) ([]model.Listing, error)
	Games(ctx context.Context) ([]model.Game, error)
	AddGame(ctx context.Context, title string) (*model.Game, error)
}

// ListingHandler serves games and listings.
type ListingHandler struct {
	Listings Catalog
	Log      *slog.Logger
}

// NewListingHandler constructs a ListingHandler.
func NewListingHandler(listings Catalog, log *slog.Logger) *ListingHandler {
	return &ListingHandler{Listings: listings, Log: log}
}

type createListingReq struct {
	GameID         string `json:"game_id"`
	Price          string `json:"price"`
	Code           string `json:"code"`
	CodeValue      string `json:"code_value"`
	Region         string `json:"region"`
	ExpirationDate string `json:"expiration_date"` // YYYY-MM-DD or RFC 3339
	AdditionalInfo string `json:"additional_info"`
}

type listPage struct {
	Items    []model.ListingView `json:"items"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// Games handles GET /v1/games.
func (h *ListingHandler) Games(c echo.Context) error {
	games, err := h.Listings.Games(c.Request().Context())
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if games == nil {
		games = []model.Game{}
	}
	return c.JSON(http.StatusOK, games)
}

// AddGame handles POST /v1/admin/games.
func (h *ListingHandler) AddGame(c echo.Context) error {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	g, err := h.Listings.AddGame(c.Request().Context(), strings.TrimSpace(body.Title))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, g)
}

// Create handles POST /v1/listings.  The response is the seller view,
// which reports pending_payment_setup when payouts are not ready yet.
func (h *ListingHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req createListingReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	in := service.CreateListingInput{
		GameID:         strings.TrimSpace(req.GameID),
		Price:          req.Price,
		Code:           req.Code,
		CodeValue:      req.CodeValue,
		Region:         req.Region,
		AdditionalInfo: req.AdditionalInfo,
	}
	if s := strings.TrimSpace(req.ExpirationDate); s != "" {
		exp, err := parseDate(s)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid expiration_date", "field": "expiration_date"})
		}
		in.ExpirationDate = &exp
	}

	l, err := h.Listings.Create(c.Request().Context(), userID, in)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, l.SellerView())
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	// a code is valid through the end of its expiration day
	return t.Add(24*time.Hour - time.Second).UTC(), nil
}

// List handles GET /v1/listings.  Only purchasable listings are returned.
func (h *ListingHandler) List(c echo.Context) error {
	limit, offset := page(c)
	items, total, err := h.Listings.ListAvailable(c.Request().Context(), repository.ListingFilter{
		Query:  c.QueryParam("q"),
		GameID: c.QueryParam("game_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return writeError(c, h.Log, err)
	}
	views := make([]model.ListingView, 0, len(items))
	for i := range items {
		views = append(views, items[i].View())
	}
	return c.JSON(http.StatusOK, listPage{Items: views, Total: total, Page: offset/limit + 1, PageSize: limit})
}

// Get handles GET /v1/listings/:id.  The seller sees the escrow fields.
func (h *ListingHandler) Get(c echo.Context) error {
	viewer := middleware.UserID(c)
	l, err := h.Listings.Get(c.Request().Context(), c.Param("id"), viewer)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if viewer != "" && viewer == l.SellerID {
		return c.JSON(http.StatusOK, l.SellerView())
	}
	return c.JSON(http.StatusOK, l.View())
}

// Mine handles GET /v1/my-listings.
func (h *ListingHandler) Mine(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit, offset := page(c)
	items, err := h.Listings.ListMine(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	views := make([]model.SellerListingView, 0, len(items))
	for i := range items {
		views = append(views, items[i].SellerView())
	}
	return c.JSON(http.StatusOK, views)
}
