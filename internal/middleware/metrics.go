package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/monitoring"
)

// Metrics counts requests by method, route template and status code.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			code := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			monitoring.TrackHTTP(c.Request().Method, route, code)
			return err
		}
	}
}
