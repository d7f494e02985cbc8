package api

import (
	"context"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// streamBoard pushes the full task list on connect and after every change to
// the caller's board. EventSource cannot set headers, so a token query
// parameter is accepted in place of the Authorization header.
func streamBoard(reg *Registry, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if req.Header.Get(echo.HeaderAuthorization) == "" {
			if token := c.QueryParam("token"); token != "" {
				req.Header.Set(echo.HeaderAuthorization, bearerPrefix+token)
			}
		}
		s, err := authenticate(c, reg, auth, nil)
		if s == nil {
			return err
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := req.Context()
		ch := s.board.Subscribe()
		defer s.board.Unsubscribe(ch)
		ensureLoaded(ctx, s, nil)

		writeSSEHeaders(c)
		c.Response().WriteHeader(http.StatusOK)
		for {
			data, err := sonic.Marshal(boardSnapshot(s, s.board.Tasks()))
			if err != nil {
				logger.WithError(err).Error("encode board snapshot failed")
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
			if !waitForChange(ctx, ch) {
				return nil
			}
		}
	}
}

// waitForChange reports false once the client is gone or the session closed.
func waitForChange(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-ch:
		return ok
	}
}
