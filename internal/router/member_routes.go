package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/handler"
	"github.com/iliyamo/game-code-market/internal/middleware"
	"github.com/iliyamo/game-code-market/internal/model"
)

// MemberHandlers groups the handlers behind member authentication.
type MemberHandlers struct {
	Listings  *handler.ListingHandler
	Purchases *handler.PurchaseHandler
	Sellers   *handler.SellerHandler
}

// RegisterMember registers the buyer and seller endpoints under /v1.
// Every member can both buy and sell.  limiter guards the purchase
// endpoint, the one that opens processor sessions.
func RegisterMember(e *echo.Echo, h MemberHandlers, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleMember, model.RoleAdmin),
	)

	// ---- Selling ----
	g.POST("/listings", h.Listings.Create)
	g.GET("/my-listings", h.Listings.Mine)
	g.POST("/seller/account", h.Sellers.CreateAccount)
	g.POST("/seller/onboarding-link", h.Sellers.OnboardingLink)
	g.GET("/seller/status", h.Sellers.Status)

	// ---- Buying ----
	g.POST("/listings/:id/purchase", h.Purchases.Purchase, limiter)
	g.POST("/payments/:session_ref/sync", h.Purchases.Sync)
	g.GET("/my-purchases", h.Purchases.Mine)
	g.GET("/purchases/:listing_id/code", h.Purchases.Code)
	g.POST("/purchases/:listing_id/confirm", h.Purchases.Confirm)
	g.POST("/purchases/:listing_id/dispute", h.Purchases.Dispute)
}

// RegisterAdmin registers operator endpoints.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, l *handler.ListingHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
	g.POST("/sweep", a.Sweep)
	g.POST("/games", l.AddGame)
}
