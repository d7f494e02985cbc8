package api

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"brilliant-board/chat"
)

type chatRequest struct {
	Message string `json:"message"`
}

type chatDelta struct {
	Delta string `json:"delta"`
}

type chatFailure struct {
	Error string `json:"error"`
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
	State    chat.State     `json:"state"`
}

var (
	doneFrame = []byte("data: [DONE]\n\n")

	errReplyStreaming = errors.New("reply streaming")
)

func getMessages(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		return c.JSON(http.StatusOK, messagesResponse{
			Messages: s.assistant.Conversation().Messages(),
			State:    s.assistant.State(),
		})
	}
}

func resetChat(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		if !s.sending.TryLock() {
			m.Fail("conflict", errReplyStreaming)
			return c.JSON(http.StatusConflict, chatFailure{Error: "a reply is still streaming"})
		}
		defer s.sending.Unlock()
		s.assistant.Reset()
		return c.NoContent(http.StatusNoContent)
	}
}

// postChat sends the user's message and relays the reply as server-sent
// events. Failures before the first byte of the reply are returned as JSON.
func postChat(reg *Registry, auth Authenticator, logger *log.Logger) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		var req chatRequest
		if err := decodeBody(c, &req); err != nil {
			m.Fail("validate", err)
			return c.JSON(http.StatusBadRequest, chatFailure{Error: err.Error()})
		}
		if !s.sending.TryLock() {
			m.Fail("conflict", errReplyStreaming)
			return c.JSON(http.StatusConflict, chatFailure{Error: "a reply is already streaming"})
		}
		defer s.sending.Unlock()

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		relay := &sseRelay{c: c, flusher: flusher}
		cancel := s.assistant.OnUpdate(relay.update)
		sendErr := s.assistant.Send(c.Request().Context(), req.Message)
		cancel()

		if !relay.started {
			if errors.Is(sendErr, chat.ErrEmptyMessage) {
				m.Fail("validate", sendErr)
				return c.JSON(http.StatusBadRequest, chatFailure{Error: sendErr.Error()})
			}
			if sendErr != nil {
				m.Fail("upstream", sendErr)
				return c.JSON(http.StatusBadGateway, chatFailure{Error: s.assistant.LastError()})
			}
		}
		if relay.err != nil {
			m.Fail("stream", relay.err)
			logger.WithError(relay.err).Debug("chat client went away")
			return nil
		}
		if sendErr != nil {
			m.Fail("upstream", sendErr)
			relay.writeJSON(chatFailure{Error: s.assistant.LastError()})
			return nil
		}
		relay.write(doneFrame)
		return nil
	}
}

// sseRelay writes assistant updates to the response. It runs on the
// goroutine calling Send, so no locking is needed.
type sseRelay struct {
	c       echo.Context
	flusher http.Flusher
	started bool
	err     error
}

func (r *sseRelay) update(u chat.Update) {
	switch {
	case u.State == chat.StateStreaming && u.Delta == "":
		r.start()
	case u.Delta != "":
		r.start()
		r.writeJSON(chatDelta{Delta: u.Delta})
	}
}

func (r *sseRelay) start() {
	if r.started {
		return
	}
	r.started = true
	writeSSEHeaders(r.c)
	r.c.Response().WriteHeader(http.StatusOK)
	r.flusher.Flush()
}

func (r *sseRelay) writeJSON(v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		r.err = err
		return
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	r.write(frame)
}

func (r *sseRelay) write(frame []byte) {
	if r.err != nil {
		return
	}
	if _, err := r.c.Response().Write(frame); err != nil {
		r.err = err
		return
	}
	r.flusher.Flush()
}

func writeSSEHeaders(c echo.Context) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
