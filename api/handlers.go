package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"brilliant-board/board"
	"brilliant-board/domain"
)

const (
	maxBodySize = 64 << 10
	loadTimeout = 30 * time.Second

	headerIdempotencyKey = "Idempotency-Key"
)

var errInvalidBody = errors.New("invalid body")

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, reg *Registry, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/tasks", observed(logger, "/api/tasks", getTasks(reg, auth)))
	e.GET("/api/columns/:column/tasks", observed(logger, "/api/columns/:column/tasks", getColumnTasks(reg, auth)))
	e.POST("/api/tasks", observed(logger, "/api/tasks", createTask(reg, auth, deduper, logger)))
	e.PATCH("/api/tasks/:id", observed(logger, "/api/tasks/:id", updateTask(reg, auth)))
	e.PUT("/api/tasks/:id/column", observed(logger, "/api/tasks/:id/column", moveTask(reg, auth)))
	e.DELETE("/api/tasks/:id", observed(logger, "/api/tasks/:id", deleteTask(reg, auth)))
	e.POST("/api/board/reload", observed(logger, "/api/board/reload", reloadBoard(reg, auth)))

	e.GET("/api/chat/messages", observed(logger, "/api/chat/messages", getMessages(reg, auth)))
	e.POST("/api/chat", observed(logger, "/api/chat", postChat(reg, auth, logger)))
	e.DELETE("/api/chat", observed(logger, "/api/chat", resetChat(reg, auth)))

	e.GET("/api/stream", streamBoard(reg, auth, logger))
	e.GET("/healthz", healthz(reg))
}

type boardResponse struct {
	Tasks    []domain.Task `json:"tasks"`
	Ready    bool          `json:"ready"`
	Degraded bool          `json:"degraded"`
}

type moveRequest struct {
	ColumnID domain.ColumnID `json:"columnId"`
}

type boardHandler func(c echo.Context, m *boardRequestMetrics) error

// observed runs h inside a request span and logs one observability event
// when it returns.
func observed(logger *log.Logger, route string, h boardHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newBoardRequestMetrics(c.Request().Context(), logger, c.Request().Method, route)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		return h(c, metrics)
	}
}

func healthz(reg *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": reg.Len()})
	}
}

// authenticate resolves the caller's session. On failure it has already
// written the response and returns a nil session.
func authenticate(c echo.Context, reg *Registry, auth Authenticator, m *boardRequestMetrics) (*userSession, error) {
	start := time.Now()
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if m != nil {
		m.ObserveAuth(time.Since(start))
	}
	if err != nil {
		if m != nil {
			m.Fail("auth", err)
		}
		return nil, c.String(http.StatusUnauthorized, err.Error())
	}
	s, err := reg.get(userID)
	if err != nil {
		if m != nil {
			m.Fail("session", err)
		}
		return nil, c.String(http.StatusServiceUnavailable, err.Error())
	}
	return s, nil
}

// ensureLoaded loads the board on first use. The load outlives the request
// so one disconnecting client cannot leave the board degraded for the rest.
func ensureLoaded(ctx context.Context, s *userSession, m *boardRequestMetrics) []domain.Task {
	if s.board.Ready() {
		return s.board.Tasks()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
	defer cancel()
	start := time.Now()
	tasks := s.board.EnsureLoaded(ctx)
	if m != nil {
		m.ObserveStore(time.Since(start))
	}
	return tasks
}

func boardSnapshot(s *userSession, tasks []domain.Task) boardResponse {
	return boardResponse{Tasks: tasks, Ready: s.board.Ready(), Degraded: s.board.Degraded()}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidBody
	}
	return nil
}

func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, board.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, board.ErrTaskNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func taskError(c echo.Context, m *boardRequestMetrics, err error) error {
	status := taskErrorStatus(err)
	stage := "validate"
	if status == http.StatusNotFound {
		stage = "lookup"
	} else if status >= http.StatusInternalServerError {
		stage = "storage"
		c.Logger().Error(err)
	}
	m.Fail(stage, err)
	return c.String(status, err.Error())
}

func findTask(tasks []domain.Task, id string) (domain.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

func getTasks(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		tasks := ensureLoaded(c.Request().Context(), s, m)
		m.SetTasksReturned(len(tasks))
		m.SetDegraded(s.board.Degraded())
		return c.JSON(http.StatusOK, boardSnapshot(s, tasks))
	}
}

func getColumnTasks(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		column := domain.ColumnID(c.Param("column"))
		if !column.Valid() {
			m.Fail("validate", nil)
			return c.String(http.StatusBadRequest, "unknown column")
		}
		ensureLoaded(c.Request().Context(), s, m)
		tasks := s.board.ColumnTasks(column)
		m.SetTasksReturned(len(tasks))
		return c.JSON(http.StatusOK, tasks)
	}
}

func createTask(reg *Registry, auth Authenticator, deduper Deduper, logger *log.Logger) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		var candidate domain.NewTask
		if err := decodeBody(c, &candidate); err != nil {
			m.Fail("decode", err)
			return c.String(http.StatusBadRequest, err.Error())
		}
		ctx := c.Request().Context()
		userID := s.userID

		key := c.Request().Header.Get(headerIdempotencyKey)
		if deduper == nil {
			key = ""
		}
		if key != "" {
			added, err := deduper.Add(ctx, userID, key)
			switch {
			case err != nil:
				logger.WithError(err).Warn("idempotency check failed; creating without it")
				key = ""
			case !added:
				prior, err := deduper.Result(ctx, userID, key)
				if err != nil {
					m.Fail("idempotency", err)
					return c.String(http.StatusInternalServerError, err.Error())
				}
				if prior == nil {
					m.Fail("idempotency", nil)
					return c.String(http.StatusConflict, "request with this idempotency key is in progress")
				}
				return c.Blob(http.StatusCreated, echo.MIMEApplicationJSONCharsetUTF8, prior)
			}
		}

		ensureLoaded(ctx, s, m)
		start := time.Now()
		task, err := s.board.AddTask(ctx, candidate)
		m.ObserveStore(time.Since(start))
		if err != nil {
			if key != "" {
				if rmErr := deduper.Remove(context.WithoutCancel(ctx), userID, key); rmErr != nil {
					logger.WithError(rmErr).Warn("release idempotency key failed")
				}
			}
			return taskError(c, m, err)
		}

		body, err := sonic.Marshal(task)
		if err != nil {
			m.Fail("encode_response", err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if key != "" {
			if err := deduper.Complete(ctx, userID, key, body); err != nil {
				logger.WithError(err).Warn("store idempotent response failed")
			}
		}
		m.SetTasksReturned(1)
		return c.Blob(http.StatusCreated, echo.MIMEApplicationJSONCharsetUTF8, body)
	}
}

func updateTask(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			m.Fail("decode", err)
			return c.String(http.StatusBadRequest, err.Error())
		}
		ensureLoaded(c.Request().Context(), s, m)
		id := c.Param("id")
		if err := s.board.UpdateTask(id, patch); err != nil {
			return taskError(c, m, err)
		}
		return respondTask(c, s, id)
	}
}

func moveTask(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			m.Fail("decode", err)
			return c.String(http.StatusBadRequest, err.Error())
		}
		ensureLoaded(c.Request().Context(), s, m)
		id := c.Param("id")
		if err := s.board.MoveTask(id, req.ColumnID); err != nil {
			return taskError(c, m, err)
		}
		return respondTask(c, s, id)
	}
}

// respondTask writes the current local copy of id. A concurrent delete can
// remove it between the mutation and the read.
func respondTask(c echo.Context, s *userSession, id string) error {
	task, ok := findTask(s.board.Tasks(), id)
	if !ok {
		return c.String(http.StatusNotFound, board.ErrTaskNotFound.Error())
	}
	return c.JSON(http.StatusOK, task)
}

func deleteTask(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		ensureLoaded(c.Request().Context(), s, m)
		if err := s.board.DeleteTask(c.Param("id")); err != nil {
			return taskError(c, m, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func reloadBoard(reg *Registry, auth Authenticator) boardHandler {
	return func(c echo.Context, m *boardRequestMetrics) error {
		s, err := authenticate(c, reg, auth, m)
		if s == nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), loadTimeout)
		defer cancel()
		start := time.Now()
		tasks := s.board.Reload(ctx)
		m.ObserveStore(time.Since(start))
		m.SetTasksReturned(len(tasks))
		m.SetDegraded(s.board.Degraded())
		return c.JSON(http.StatusOK, boardSnapshot(s, tasks))
	}
}
