package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pathlight-learning/pathlight/internal/escalation"
)

// EscalationsHandler serves the trainer-facing ticket endpoints.
type EscalationsHandler struct {
	Manager *escalation.Manager
}

func (h *EscalationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("/pending", h.pending)
	g.POST("/:id/respond", h.respond)
	g.POST("/:id/resolve", h.resolve)
}

func (h *EscalationsHandler) pending(c echo.Context) error {
	if err := requireRole(c, roleTrainer); err != nil {
		return err
	}
	trainerID, _ := c.Get("user_id").(string)
	var olderThan time.Duration
	if raw := c.QueryParam("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid older_than: "+err.Error())
		}
		olderThan = d
	}
	tickets, err := h.Manager.Pending(c.Request().Context(), trainerID, olderThan)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tickets)
}

func (h *EscalationsHandler) respond(c echo.Context) error {
	if err := requireRole(c, roleTrainer); err != nil {
		return err
	}
	e, err := h.Manager.Respond(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ticketError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *EscalationsHandler) resolve(c echo.Context) error {
	if err := requireRole(c, roleTrainer); err != nil {
		return err
	}
	e, err := h.Manager.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ticketError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func ticketError(err error) error {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, escalation.ErrBadTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
