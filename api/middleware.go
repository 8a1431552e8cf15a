package api

import (
	"github.com/labstack/echo/v4"

	"boardsync/presence"
)

// TouchPresence refreshes the caller's last-seen timestamp on every
// authenticated request, so identities making plain REST calls without an
// open push channel still count as recently active. Authentication failures
// are left for the handler to report.
func TouchPresence(auth Authenticator, tracker *presence.Tracker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err == nil {
				tracker.Touch(c.Request().Context(), userID)
			}
			return next(c)
		}
	}
}
