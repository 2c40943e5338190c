package webhook

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

const maxListLimit = 500

// bearerAuth rejects requests whose Authorization header does not carry
// token as a Bearer credential.
func bearerAuth(token string) echo.MiddlewareFunc {
	want := []byte(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

// bearerToken extracts the credential of "Bearer <token>". The scheme is
// case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) registerAdmin(g *echo.Group) {
	g.GET("/iterations", s.handleList)
	g.GET("/iterations/:owner/:repo/:issue", s.handleGetActive)
	g.POST("/iterations/:id/cancel", s.handleCancel)
	g.POST("/cycles", s.handleStart)
	g.POST("/ci-events", s.handleCI)
}

func (s *Server) handleList(c echo.Context) error {
	opts := iteration.ListOptions{
		Repository: c.QueryParam("repo"),
		ActiveOnly: c.QueryParam("all") != "true",
		Limit:      100,
	}
	if opts.Repository != "" && !validRepo(opts.Repository) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid repo")
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		opts.Limit = n
	}

	records, err := s.store.List(c.Request().Context(), opts)
	if err != nil {
		s.logger.Error(c.Request().Context(), "failed to list iterations", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list iterations")
	}
	if records == nil {
		records = []iteration.Record{}
	}
	return c.JSON(http.StatusOK, ListResponse{Iterations: records, Count: len(records)})
}

func (s *Server) handleGetActive(c echo.Context) error {
	repo := c.Param("owner") + "/" + c.Param("repo")
	if !validRepo(repo) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid repository")
	}
	issue, err := strconv.Atoi(c.Param("issue"))
	if err != nil || issue <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "issue must be a positive number")
	}

	rec, err := s.store.GetActive(c.Request().Context(), repo, issue)
	if err != nil {
		s.logger.Error(c.Request().Context(), "failed to load iteration", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load iteration")
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active cycle for this issue")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleStart(c echo.Context) error {
	var req orchestrator.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !validRepo(req.Repository) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid repository")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := s.dispatcher.DispatchStart(c.Request().Context(), req)
	if err != nil {
		s.logger.Error(c.Request().Context(), "failed to dispatch start", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "dispatch failed")
	}
	return c.JSON(http.StatusAccepted, TaskResponse{TaskID: id})
}

func (s *Server) handleCI(c echo.Context) error {
	var ev orchestrator.CIEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !validRepo(ev.Repository) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid repository")
	}
	if err := ev.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := s.dispatcher.DispatchCI(c.Request().Context(), ev)
	if err != nil {
		s.logger.Error(c.Request().Context(), "failed to dispatch CI event", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "dispatch failed")
	}
	return c.JSON(http.StatusAccepted, TaskResponse{TaskID: id})
}

func (s *Server) handleCancel(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a positive number")
	}
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}

	rec, err := s.canceller.Cancel(c.Request().Context(), uint(id), req.Reason)
	switch {
	case errors.Is(err, orchestrator.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "iteration not found")
	case errors.Is(err, orchestrator.ErrAlreadyFinished):
		return echo.NewHTTPError(http.StatusConflict, "iteration already finished")
	case err != nil:
		s.logger.Error(c.Request().Context(), "failed to cancel iteration", zap.Uint64("id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel iteration")
	}
	return c.JSON(http.StatusOK, rec)
}

func validRepo(fullName string) bool {
	owner, name, ok := strings.Cut(fullName, "/")
	return ok && validNameRegex.MatchString(owner) && validNameRegex.MatchString(name)
}
