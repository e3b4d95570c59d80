package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/pathlight-learning/pathlight/internal/models"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { db.Close() }
}

func TestQueryChunksFilters(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	day := 4
	chapter := 2
	query := regexp.QuoteMeta(`SELECT id, course_id, day, chapter_id, chapter_title, lab_id, content_type, content,
       embedding, coverage_level, completeness, primary_topic, dedicated_topic_chapter, token_count
  FROM content_chunks WHERE course_id = $1 AND day = $2 AND chapter_id ILIKE $3 ORDER BY day, chapter_id, id`)

	rows := sqlmock.NewRows([]string{
		"id", "course_id", "day", "chapter_id", "chapter_title", "lab_id", "content_type", "content",
		"embedding", "coverage_level", "completeness", "primary_topic", "dedicated_topic_chapter", "token_count",
	}).AddRow("chunk-1", "course-a", 4, "chapter-2", "Network Policies", nil, "chapter", "Policies restrict pod traffic.",
		pq.Float64Array{0.1, 0.2}, "comprehensive", 1.0, "network policies", true, 42)

	mock.ExpectQuery(query).WithArgs("course-a", day, "%2%").WillReturnRows(rows)

	out, err := st.QueryChunks(context.Background(), "course-a", ChunkFilter{Day: &day, Chapter: &chapter})
	if err != nil {
		t.Fatalf("QueryChunks: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(out))
	}
	c := out[0]
	if c.ID != "chunk-1" || c.CourseID != "course-a" || !c.DedicatedTopicChapter {
		t.Fatalf("unexpected chunk: %+v", c)
	}
	if len(c.Embedding) != 2 || c.Embedding[0] != float32(0.1) {
		t.Fatalf("embedding not converted: %v", c.Embedding)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHasActiveAllocation(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	query := regexp.QuoteMeta(`SELECT COUNT(1) FROM course_allocations WHERE learner_id = $1 AND course_id = $2 AND active = TRUE`)
	mock.ExpectQuery(query).WithArgs("learner-1", "course-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := st.HasActiveAllocation(context.Background(), "learner-1", "course-a")
	if err != nil {
		t.Fatalf("HasActiveAllocation: %v", err)
	}
	if !ok {
		t.Fatal("expected active allocation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetLearnerProgressMissingRow(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	query := regexp.QuoteMeta(`SELECT completed_chapters, in_progress_chapters, submitted_labs, current_chapter_id, current_day
   FROM learner_progress WHERE learner_id = $1 AND course_id = $2`)
	mock.ExpectQuery(query).WithArgs("learner-1", "course-a").
		WillReturnRows(sqlmock.NewRows([]string{"completed_chapters", "in_progress_chapters", "submitted_labs", "current_chapter_id", "current_day"}))

	p, err := st.GetLearnerProgress(context.Background(), "learner-1", "course-a")
	if err != nil {
		t.Fatalf("GetLearnerProgress: %v", err)
	}
	if p.LearnerID != "learner-1" || p.CurrentDay != 0 || len(p.CompletedChapters) != 0 {
		t.Fatalf("expected zero snapshot, got %+v", p)
	}
}

func TestGetAssignedTrainerMissing(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	query := regexp.QuoteMeta(`SELECT trainer_id FROM trainer_assignments WHERE learner_id = $1 AND course_id = $2`)
	mock.ExpectQuery(query).WithArgs("learner-1", "course-a").
		WillReturnRows(sqlmock.NewRows([]string{"trainer_id"}))

	_, err := st.GetAssignedTrainer(context.Background(), "learner-1", "course-a")
	if err != ErrNoTrainerAssigned {
		t.Fatalf("expected ErrNoTrainerAssigned, got %v", err)
	}
}

func TestInsertQuery(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	q := models.Query{
		ID:            "query-1",
		LearnerID:     "learner-1",
		CourseID:      "course-a",
		RawText:       "What   is a   pod?",
		ProcessedText: "What is a pod?",
		Intent:        models.IntentCourseContent,
		Status:        models.QueryStatusPending,
		CreatedAt:     time.Now(),
	}

	query := regexp.QuoteMeta(`
INSERT INTO queries (id, learner_id, course_id, raw_text, processed_text, "references", intent, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, intent = EXCLUDED.intent`)
	mock.ExpectExec(query).
		WithArgs(q.ID, q.LearnerID, q.CourseID, q.RawText, q.ProcessedText, sqlmock.AnyArg(), "course_content", "pending", q.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.InsertQuery(context.Background(), q); err != nil {
		t.Fatalf("InsertQuery: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEscalationGeneratesID(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO escalations").
		WithArgs(sqlmock.AnyArg(), nil, "learner-1", "trainer-1", "course-a", "How do I finish lab 3?",
			"blocked", sqlmock.AnyArg(), sqlmock.AnyArg(), "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e, err := st.InsertEscalation(context.Background(), models.Escalation{
		LearnerID:          "learner-1",
		TrainerID:          "trainer-1",
		CourseID:           "course-a",
		Question:           "How do I finish lab 3?",
		Reason:             models.ReasonBlocked,
		ViolatedInvariants: []string{"lab_safety"},
	})
	if err != nil {
		t.Fatalf("InsertEscalation: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected generated escalation id")
	}
	if e.Status != models.EscalationPending {
		t.Fatalf("expected pending status, got %s", e.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateEscalationStatus(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "query_id", "learner_id", "trainer_id", "course_id", "question", "reason",
		"violated_invariants", "chunks", "status", "created_at", "updated_at",
	}).AddRow("esc-1", "query-1", "learner-1", "trainer-1", "course-a", "stuck on lab 3",
		"blocked", pq.StringArray{"lab_safety"}, []byte(`[]`), "responded", now, now)

	mock.ExpectQuery("UPDATE escalations SET status").
		WithArgs("esc-1", "responded").
		WillReturnRows(rows)

	e, err := st.UpdateEscalationStatus(context.Background(), "esc-1", models.EscalationResponded)
	if err != nil {
		t.Fatalf("UpdateEscalationStatus: %v", err)
	}
	if e.Status != models.EscalationResponded {
		t.Fatalf("expected responded, got %s", e.Status)
	}
	if e.QueryID == nil || *e.QueryID != "query-1" {
		t.Fatalf("expected query id carried through, got %v", e.QueryID)
	}
	if len(e.ViolatedInvariants) != 1 || e.ViolatedInvariants[0] != "lab_safety" {
		t.Fatalf("unexpected invariants: %v", e.ViolatedInvariants)
	}
}

func TestListPendingEscalationsByTrainer(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "query_id", "learner_id", "trainer_id", "course_id", "question", "reason",
		"violated_invariants", "chunks", "status", "created_at", "updated_at",
	}).AddRow("esc-1", nil, "learner-1", "trainer-1", "course-a", "stuck",
		"low_confidence", pq.StringArray{}, []byte(`[]`), "pending", now.Add(-5*time.Hour), now.Add(-5*time.Hour))

	mock.ExpectQuery("FROM escalations WHERE status = 'pending'").
		WithArgs(sqlmock.AnyArg(), "trainer-1").
		WillReturnRows(rows)

	out, err := st.ListPendingEscalations(context.Background(), "trainer-1", now.Add(-4*time.Hour))
	if err != nil {
		t.Fatalf("ListPendingEscalations: %v", err)
	}
	if len(out) != 1 || out[0].Reason != models.ReasonLowConfidence {
		t.Fatalf("unexpected result: %+v", out)
	}
	if out[0].QueryID != nil {
		t.Fatal("expected nil query id for standalone escalation")
	}
}

func TestListQueriesJoinsAnswers(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "learner_id", "course_id", "raw_text", "processed_text", "references", "intent", "status", "created_at", "answer",
	}).AddRow("query-1", "learner-1", "course-a", "what is rbac", "what is rbac",
		[]byte(`{}`), "course_content", "answered", now, "RBAC controls access by role.")

	mock.ExpectQuery("FROM queries q LEFT JOIN responses r").
		WithArgs("learner-1", "course-a", 10).
		WillReturnRows(rows)

	out, err := st.ListQueries(context.Background(), "learner-1", "course-a", 10)
	if err != nil {
		t.Fatalf("ListQueries: %v", err)
	}
	if len(out) != 1 || out[0].Answer == "" {
		t.Fatalf("expected joined answer, got %+v", out)
	}
	if out[0].Query.Intent != models.IntentCourseContent {
		t.Fatalf("unexpected intent: %s", out[0].Query.Intent)
	}
}
