package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/presence"
	"boardsync/realtime"
)

const streamKeepAlive = 30 * time.Second

// streamBoard is the SSE handshake. The bearer credential (header, or the
// token query parameter for EventSource clients that cannot set headers) is
// validated before the connection is admitted to the registry; only then
// does the connection join the project room and drive the presence tracker.
func streamBoard(hub *realtime.Hub, tracker *presence.Tracker, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		conn := realtime.NewConn(userID)
		hub.Register(conn)
		if project := c.QueryParam("project"); project != "" {
			hub.Join(conn, realtime.ProjectRoom(project))
		}
		// Presence writes outlive the request context: the disconnect update
		// must go through even though the request is already canceled.
		tracker.Connect(context.Background(), userID)
		logger.WithField("user", userID).Debug("stream connected")
		defer func() {
			hub.Unregister(conn)
			tracker.Disconnect(context.Background(), userID)
			logger.WithField("user", userID).Debug("stream disconnected")
		}()

		if _, err := c.Response().Write([]byte("retry: 5000\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-conn.Receive():
				if !ok {
					return nil
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(msg); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-keepAlive.C:
				if _, err := c.Response().Write([]byte(": keep-alive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}
