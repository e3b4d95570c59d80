package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pathlight-learning/pathlight/internal/escalation"
	"github.com/pathlight-learning/pathlight/internal/models"
)

type ticketStore struct {
	tickets map[string]models.Escalation
}

func (s *ticketStore) GetAssignedTrainer(_ context.Context, _, _ string) (string, error) {
	return "trainer-1", nil
}

func (s *ticketStore) InsertEscalation(_ context.Context, e models.Escalation) (models.Escalation, error) {
	s.tickets[e.ID] = e
	return e, nil
}

func (s *ticketStore) GetEscalation(_ context.Context, id string) (models.Escalation, bool, error) {
	e, ok := s.tickets[id]
	return e, ok, nil
}

func (s *ticketStore) UpdateEscalationStatus(_ context.Context, id string, status models.EscalationStatus) (models.Escalation, error) {
	e, ok := s.tickets[id]
	if !ok {
		return e, errors.New("not found")
	}
	e.Status = status
	s.tickets[id] = e
	return e, nil
}

func (s *ticketStore) ListPendingEscalations(_ context.Context, trainerID string, before time.Time) ([]models.Escalation, error) {
	var out []models.Escalation
	for _, e := range s.tickets {
		if e.Status != models.EscalationPending || e.CreatedAt.After(before) {
			continue
		}
		if trainerID != "" && e.TrainerID != trainerID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func newTicketHandler(tickets ...models.Escalation) *EscalationsHandler {
	st := &ticketStore{tickets: make(map[string]models.Escalation)}
	for _, e := range tickets {
		st.tickets[e.ID] = e
	}
	logger := log.New(discardWriter{}, "", 0)
	return &EscalationsHandler{Manager: escalation.New(st, nil, logger)}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func trainerContext(e *echo.Echo, method, target, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "trainer-1")
	ctx.Set("role", roleTrainer)
	if id != "" {
		ctx.SetParamNames("id")
		ctx.SetParamValues(id)
	}
	return ctx, rec
}

func TestPendingRequiresTrainerRole(t *testing.T) {
	e := echo.New()
	handler := newTicketHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/escalations/pending", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "learner-1")
	ctx.Set("role", roleLearner)

	err := handler.pending(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %#v", err)
	}
}

func TestPendingListsTrainerTickets(t *testing.T) {
	e := echo.New()
	mine := models.Escalation{ID: "t1", TrainerID: "trainer-1", Status: models.EscalationPending}
	mine.CreatedAt = time.Now().Add(-time.Hour)
	other := models.Escalation{ID: "t2", TrainerID: "trainer-2", Status: models.EscalationPending}
	other.CreatedAt = time.Now().Add(-time.Hour)
	handler := newTicketHandler(mine, other)

	ctx, rec := trainerContext(e, http.MethodGet, "/api/escalations/pending", "")
	if err := handler.pending(ctx); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"t1"`) || strings.Contains(body, `"t2"`) {
		t.Fatalf("expected only trainer-1 tickets, got %s", body)
	}
}

func TestPendingRejectsBadOlderThan(t *testing.T) {
	e := echo.New()
	handler := newTicketHandler()

	ctx, _ := trainerContext(e, http.MethodGet, "/api/escalations/pending?older_than=bananas", "")
	err := handler.pending(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestRespondUnknownTicketNotFound(t *testing.T) {
	e := echo.New()
	handler := newTicketHandler()

	ctx, _ := trainerContext(e, http.MethodPost, "/api/escalations/nope/respond", "nope")
	err := handler.respond(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestResolveBeforeRespondConflicts(t *testing.T) {
	e := echo.New()
	pending := models.Escalation{ID: "t1", TrainerID: "trainer-1", Status: models.EscalationPending}
	handler := newTicketHandler(pending)

	ctx, _ := trainerContext(e, http.MethodPost, "/api/escalations/t1/resolve", "t1")
	err := handler.resolve(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestRespondThenResolve(t *testing.T) {
	e := echo.New()
	pending := models.Escalation{ID: "t1", TrainerID: "trainer-1", Status: models.EscalationPending}
	handler := newTicketHandler(pending)

	ctx, rec := trainerContext(e, http.MethodPost, "/api/escalations/t1/respond", "t1")
	if err := handler.respond(ctx); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	ctx, rec = trainerContext(e, http.MethodPost, "/api/escalations/t1/resolve", "t1")
	if err := handler.resolve(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"resolved"`) {
		t.Fatalf("expected resolved status, got %s", rec.Body.String())
	}
}
