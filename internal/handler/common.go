package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/middleware"
	"github.com/iliyamo/game-code-market/internal/service"
)

var errNoUser = errors.New("invalid user_id in context")

// getUserID returns the authenticated user id set by middleware.JWTAuth.
func getUserID(c echo.Context) (string, error) {
	if id := middleware.UserID(c); id != "" {
		return id, nil
	}
	return "", errNoUser
}

// writeError maps service errors to HTTP responses.  Anything unknown is
// logged and reported as 500 without details.
func writeError(c echo.Context, log *slog.Logger, err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		body := echo.Map{"error": verr.Msg}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		return c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": service.ErrConflict.Error(), "refresh": true})
	case errors.Is(err, service.ErrAlreadyPurchased):
		return c.JSON(http.StatusOK, echo.Map{"status": "already_purchased"})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, service.ErrSellerNotOnboarded):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "set up a payout account before listing codes"})
	case errors.Is(err, service.ErrSellerNotPayable):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": service.ErrSellerNotPayable.Error()})
	case errors.Is(err, service.ErrVerificationClosed):
		return c.JSON(http.StatusConflict, echo.Map{"error": service.ErrVerificationClosed.Error()})
	case errors.Is(err, service.ErrExternalProcessor):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": service.ErrExternalProcessor.Error()})
	}
	if log == nil {
		log = slog.Default()
	}
	log.Error("request failed",
		slog.String("method", c.Request().Method), slog.String("route", c.Path()), slog.Any("error", err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// page reads page/page_size query parameters into limit and offset.
func page(c echo.Context) (limit, offset int) {
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	switch {
	case size <= 0:
		size = 20
	case size > 100:
		size = 100
	}
	p, _ := strconv.Atoi(c.QueryParam("page"))
	if p < 1 {
		p = 1
	}
	return size, (p - 1) * size
}
