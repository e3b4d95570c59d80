package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pathlight-learning/pathlight/internal/pipeline"
	"github.com/pathlight-learning/pathlight/internal/query"
	"github.com/pathlight-learning/pathlight/internal/store"
)

// Asker answers one learner question. Implemented by pipeline.Pipeline.
type Asker interface {
	Ask(ctx context.Context, req pipeline.AskRequest) (pipeline.Response, error)
}

// History lists a learner's past questions. Implemented by store.Store.
type History interface {
	ListQueries(ctx context.Context, learnerID, courseID string, limit int) ([]store.QueryHistoryItem, error)
}

// QuestionsHandler serves the learner-facing question endpoints.
type QuestionsHandler struct {
	Pipeline Asker
	History  History
}

func (h *QuestionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/:course_id/questions", h.ask)
	g.GET("/:course_id/questions", h.history)
}

func (h *QuestionsHandler) ask(c echo.Context) error {
	var req AskQuestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	learnerID, _ := c.Get("user_id").(string)
	resp, err := h.Pipeline.Ask(c.Request().Context(), pipeline.AskRequest{
		LearnerID:   learnerID,
		CourseID:    c.Param("course_id"),
		CourseTitle: req.CourseTitle,
		Question:    req.Question,
	})
	if err != nil {
		switch {
		case errors.Is(err, query.ErrQuestionLength):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, query.ErrNotAllocated):
			return echo.NewHTTPError(http.StatusForbidden, "no active allocation for this course")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *QuestionsHandler) history(c echo.Context) error {
	learnerID, _ := c.Get("user_id").(string)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.History.ListQueries(c.Request().Context(), learnerID, c.Param("course_id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.QueryHistoryItem{}
	}
	return c.JSON(http.StatusOK, items)
}
