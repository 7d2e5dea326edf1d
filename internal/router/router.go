package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/handler"
	"github.com/iliyamo/game-code-market/internal/middleware"
	"github.com/iliyamo/game-code-market/internal/model"
)

// RegisterRoutes registers the health check.  db may be nil.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health(db))
}

// RegisterAuth registers the token endpoints under /v1/auth and the
// protected /v1/me.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh) // rotates the refresh token
	g.POST("/logout", a.Logout)   // bearer or refresh_token, no middleware

	auth := e.Group("/v1", middleware.JWTAuth(jwtSecret), middleware.RequireRole(model.RoleMember, model.RoleAdmin))
	auth.GET("/me", a.Me)
}

// RegisterPublic registers the browse endpoints and the processor webhook.
// cache is applied to the listing reads only.
func RegisterPublic(e *echo.Echo, l *handler.ListingHandler, w *handler.WebhookHandler, jwtSecret string, cache echo.MiddlewareFunc) {
	e.GET("/v1/games", l.Games, cache)
	e.GET("/v1/listings", l.List, cache)
	// the seller of a listing gets the escrow fields, so identity matters
	e.GET("/v1/listings/:id", l.Get, middleware.OptionalJWT(jwtSecret))

	e.POST("/v1/webhooks/processor", w.Receive)
}
