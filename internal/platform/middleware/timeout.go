package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequestTimeout bounds the request context. A handler that gives up with
// context.DeadlineExceeded is answered with 504. The /ws feed is exempt.
func RequestTimeout(timeout time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/ws") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(err, context.DeadlineExceeded) {
				rid, _ := c.Get("request_id").(string)
				logger.Warn().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("path", c.Path()).
					Dur("timeout", timeout).
					Msg("request timed out")
				return echo.NewHTTPError(http.StatusGatewayTimeout, "incident service did not answer in time")
			}
			return err
		}
	}
}
