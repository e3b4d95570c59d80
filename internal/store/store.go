package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pathlight-learning/pathlight/internal/models"
)

// Store wraps the postgres content store and audit tables. All writes are
// upserts keyed by natural identifiers; nothing here is destructive.
type Store struct {
	DB *sql.DB
}

// ErrNoTrainerAssigned is returned when a learner has no trainer for the
// course. Escalation creation must fail loudly rather than drop the ticket.
var ErrNoTrainerAssigned = errors.New("no trainer assigned for learner and course")

// New connects to postgres with the given DSN and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// ChunkFilter narrows a content-chunk query. Numeric chapter and lab filters
// are coarse in SQL (contains match on the identifier string); callers apply
// precise tolerant matching on the result.
type ChunkFilter struct {
	Day           *int
	Chapter       *int
	Lab           *int
	ContentType   models.ContentType
	DedicatedOnly bool
	TopicLike     string // substring match against primary_topic
	TextLike      string // substring match against chapter_title or content
	Limit         int
}

// QueryChunks returns chunks for the course matching the filter. Every query
// is scoped by course id; cross-course leakage is structurally impossible
// here.
func (s *Store) QueryChunks(ctx context.Context, courseID string, f ChunkFilter) ([]models.ContentChunk, error) {
	q := `SELECT id, course_id, day, chapter_id, chapter_title, lab_id, content_type, content,
       embedding, coverage_level, completeness, primary_topic, dedicated_topic_chapter, token_count
  FROM content_chunks WHERE course_id = $1`
	args := []interface{}{courseID}

	if f.Day != nil {
		args = append(args, *f.Day)
		q += fmt.Sprintf(" AND day = $%d", len(args))
	}
	if f.Chapter != nil {
		args = append(args, fmt.Sprintf("%%%d%%", *f.Chapter))
		q += fmt.Sprintf(" AND chapter_id ILIKE $%d", len(args))
	}
	if f.Lab != nil {
		args = append(args, fmt.Sprintf("%%%d%%", *f.Lab))
		q += fmt.Sprintf(" AND lab_id ILIKE $%d", len(args))
	}
	if f.ContentType != "" {
		args = append(args, string(f.ContentType))
		q += fmt.Sprintf(" AND content_type = $%d", len(args))
	}
	if f.DedicatedOnly {
		q += " AND dedicated_topic_chapter = TRUE"
	}
	if f.TopicLike != "" {
		args = append(args, "%"+f.TopicLike+"%")
		q += fmt.Sprintf(" AND primary_topic ILIKE $%d", len(args))
	}
	if f.TextLike != "" {
		args = append(args, "%"+f.TextLike+"%")
		q += fmt.Sprintf(" AND (chapter_title ILIKE $%d OR content ILIKE $%d)", len(args), len(args))
	}
	q += " ORDER BY day, chapter_id, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []models.ContentChunk
	for rows.Next() {
		var c models.ContentChunk
		var labID, primaryTopic sql.NullString
		var embedding pq.Float64Array
		if err := rows.Scan(&c.ID, &c.CourseID, &c.Day, &c.ChapterID, &c.ChapterTitle, &labID,
			&c.ContentType, &c.Text, &embedding, &c.CoverageLevel, &c.Completeness,
			&primaryTopic, &c.DedicatedTopicChapter, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.LabID = labID.String
		c.PrimaryTopic = primaryTopic.String
		if len(embedding) > 0 {
			c.Embedding = make([]float32, len(embedding))
			for i, v := range embedding {
				c.Embedding[i] = float32(v)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasActiveAllocation reports whether the learner is allocated to the course.
func (s *Store) HasActiveAllocation(ctx context.Context, learnerID, courseID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM course_allocations WHERE learner_id = $1 AND course_id = $2 AND active = TRUE`,
		learnerID, courseID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("allocation lookup: %w", err)
	}
	return n > 0, nil
}

// GetLearnerProgress returns the learner's read-only progress snapshot.
// Missing progress yields a zero snapshot, not an error.
func (s *Store) GetLearnerProgress(ctx context.Context, learnerID, courseID string) (models.LearnerProgress, error) {
	p := models.LearnerProgress{LearnerID: learnerID, CourseID: courseID}
	var completed, inProgress, labs pq.StringArray
	var currentChapter sql.NullString
	var currentDay sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT completed_chapters, in_progress_chapters, submitted_labs, current_chapter_id, current_day
   FROM learner_progress WHERE learner_id = $1 AND course_id = $2`,
		learnerID, courseID).Scan(&completed, &inProgress, &labs, &currentChapter, &currentDay)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("progress lookup: %w", err)
	}
	p.CompletedChapters = completed
	p.InProgressChapters = inProgress
	p.SubmittedLabs = labs
	p.CurrentChapterID = currentChapter.String
	p.CurrentDay = int(currentDay.Int64)
	return p, nil
}

// GetLabMetrics aggregates recent lab-submission signals for the struggle
// heuristic.
func (s *Store) GetLabMetrics(ctx context.Context, learnerID, courseID string, since time.Time) (models.LabMetrics, error) {
	var m models.LabMetrics
	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1), AVG(score), COUNT(1) FILTER (WHERE passed = FALSE)
   FROM lab_submissions WHERE learner_id = $1 AND course_id = $2 AND submitted_at >= $3`,
		learnerID, courseID, since).Scan(&m.Attempts, &avg, &m.RecentFailures)
	if err != nil {
		return m, fmt.Errorf("lab metrics: %w", err)
	}
	m.AverageScore = avg.Float64
	return m, nil
}

// RepeatedQueryCount counts stored queries with the same normalized text,
// another struggle signal.
func (s *Store) RepeatedQueryCount(ctx context.Context, learnerID, courseID, processedText string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM queries
  WHERE learner_id = $1 AND course_id = $2 AND processed_text = $3 AND created_at >= $4`,
		learnerID, courseID, processedText, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repeated query count: %w", err)
	}
	return n, nil
}

// GetAssignedTrainer resolves the trainer for a learner/course pair.
func (s *Store) GetAssignedTrainer(ctx context.Context, learnerID, courseID string) (string, error) {
	var trainerID string
	err := s.DB.QueryRowContext(ctx,
		`SELECT trainer_id FROM trainer_assignments WHERE learner_id = $1 AND course_id = $2`,
		learnerID, courseID).Scan(&trainerID)
	if err == sql.ErrNoRows {
		return "", ErrNoTrainerAssigned
	}
	if err != nil {
		return "", fmt.Errorf("trainer lookup: %w", err)
	}
	return trainerID, nil
}

// InsertQuery upserts a learner query record.
func (s *Store) InsertQuery(ctx context.Context, q models.Query) error {
	refs, err := json.Marshal(q.References)
	if err != nil {
		return fmt.Errorf("marshal references: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO queries (id, learner_id, course_id, raw_text, processed_text, "references", intent, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, intent = EXCLUDED.intent`,
		q.ID, q.LearnerID, q.CourseID, q.RawText, q.ProcessedText, refs, string(q.Intent), string(q.Status), q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

// UpdateQueryStatus transitions a stored query's status.
func (s *Store) UpdateQueryStatus(ctx context.Context, queryID string, status models.QueryStatus) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE queries SET status = $2 WHERE id = $1`, queryID, string(status))
	if err != nil {
		return fmt.Errorf("update query status: %w", err)
	}
	return nil
}

// ResponseRecord is the stored answer for a query.
type ResponseRecord struct {
	QueryID        string
	Answer         string
	Confidence     float64
	References     []models.AnswerReference
	TokensUsed     int64
	ModelUsed      string
	WordCount      int
	ResponseTimeMs int64
}

// InsertResponse upserts the generated answer for a query.
func (s *Store) InsertResponse(ctx context.Context, rec ResponseRecord) error {
	refs, err := json.Marshal(rec.References)
	if err != nil {
		return fmt.Errorf("marshal references: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO responses (query_id, answer, confidence, "references", tokens_used, model_used, word_count, response_time_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (query_id) DO UPDATE SET
  answer           = EXCLUDED.answer,
  confidence       = EXCLUDED.confidence,
  "references"     = EXCLUDED."references",
  tokens_used      = EXCLUDED.tokens_used,
  model_used       = EXCLUDED.model_used,
  word_count       = EXCLUDED.word_count,
  response_time_ms = EXCLUDED.response_time_ms`,
		rec.QueryID, rec.Answer, rec.Confidence, refs, rec.TokensUsed, rec.ModelUsed, rec.WordCount, rec.ResponseTimeMs)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// InsertEscalation persists a new escalation ticket and returns it with its
// generated id and timestamps.
func (s *Store) InsertEscalation(ctx context.Context, e models.Escalation) (models.Escalation, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.EscalationPending
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	chunks, err := json.Marshal(e.Chunks)
	if err != nil {
		return e, fmt.Errorf("marshal chunk snapshot: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO escalations (id, query_id, learner_id, trainer_id, course_id, question, reason, violated_invariants, chunks, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING`,
		e.ID, e.QueryID, e.LearnerID, e.TrainerID, e.CourseID, e.Question, string(e.Reason),
		pq.Array(e.ViolatedInvariants), chunks, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return e, fmt.Errorf("insert escalation: %w", err)
	}
	return e, nil
}

// GetEscalation fetches one escalation by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (models.Escalation, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, query_id, learner_id, trainer_id, course_id, question, reason, violated_invariants, chunks, status, created_at, updated_at
  FROM escalations WHERE id = $1`, id)
	e, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return e, false, nil
	}
	if err != nil {
		return e, false, fmt.Errorf("get escalation: %w", err)
	}
	return e, true, nil
}

// UpdateEscalationStatus transitions the ticket lifecycle and returns the
// updated record.
func (s *Store) UpdateEscalationStatus(ctx context.Context, id string, status models.EscalationStatus) (models.Escalation, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE escalations SET status = $2, updated_at = NOW() WHERE id = $1
RETURNING id, query_id, learner_id, trainer_id, course_id, question, reason, violated_invariants, chunks, status, created_at, updated_at`,
		id, string(status))
	e, err := scanEscalation(row)
	if err != nil {
		return e, fmt.Errorf("update escalation status: %w", err)
	}
	return e, nil
}

// ListPendingEscalations returns pending tickets created before the cutoff,
// optionally filtered by trainer.
func (s *Store) ListPendingEscalations(ctx context.Context, trainerID string, before time.Time) ([]models.Escalation, error) {
	q := `
SELECT id, query_id, learner_id, trainer_id, course_id, question, reason, violated_invariants, chunks, status, created_at, updated_at
  FROM escalations WHERE status = 'pending' AND created_at <= $1`
	args := []interface{}{before}
	if trainerID != "" {
		args = append(args, trainerID)
		q += fmt.Sprintf(" AND trainer_id = $%d", len(args))
	}
	q += " ORDER BY created_at"
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending escalations: %w", err)
	}
	defer rows.Close()
	var out []models.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscalation(row rowScanner) (models.Escalation, error) {
	var e models.Escalation
	var queryID sql.NullString
	var invariants pq.StringArray
	var chunks []byte
	var reason, status string
	if err := row.Scan(&e.ID, &queryID, &e.LearnerID, &e.TrainerID, &e.CourseID, &e.Question,
		&reason, &invariants, &chunks, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	if queryID.Valid {
		v := queryID.String
		e.QueryID = &v
	}
	e.Reason = models.EscalationReason(reason)
	e.Status = models.EscalationStatus(status)
	e.ViolatedInvariants = invariants
	if len(chunks) > 0 {
		_ = json.Unmarshal(chunks, &e.Chunks)
	}
	return e, nil
}

// ConversationEntry is one line of the learner's conversation history,
// appended as a side effect of answering or escalating.
type ConversationEntry struct {
	LearnerID string
	CourseID  string
	QueryID   string
	Question  string
	Answer    string
	Escalated bool
}

// InsertConversationEntry appends a history entry keyed by query id.
func (s *Store) InsertConversationEntry(ctx context.Context, rec ConversationEntry) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO conversation_history (query_id, learner_id, course_id, question, answer, escalated, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (query_id) DO UPDATE SET answer = EXCLUDED.answer, escalated = EXCLUDED.escalated`,
		rec.QueryID, rec.LearnerID, rec.CourseID, rec.Question, rec.Answer, rec.Escalated)
	if err != nil {
		return fmt.Errorf("insert conversation entry: %w", err)
	}
	return nil
}

// QueryHistoryItem pairs a stored query with its answer, if any.
type QueryHistoryItem struct {
	Query  models.Query
	Answer string
}

// ListQueries returns the learner's recent queries for a course, newest
// first.
func (s *Store) ListQueries(ctx context.Context, learnerID, courseID string, limit int) ([]QueryHistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT q.id, q.learner_id, q.course_id, q.raw_text, q.processed_text, q."references", q.intent, q.status, q.created_at,
       COALESCE(r.answer, '')
  FROM queries q LEFT JOIN responses r ON r.query_id = q.id
 WHERE q.learner_id = $1 AND q.course_id = $2
 ORDER BY q.created_at DESC LIMIT $3`, learnerID, courseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()
	var out []QueryHistoryItem
	for rows.Next() {
		var item QueryHistoryItem
		var refs []byte
		var intent, status string
		if err := rows.Scan(&item.Query.ID, &item.Query.LearnerID, &item.Query.CourseID,
			&item.Query.RawText, &item.Query.ProcessedText, &refs, &intent, &status,
			&item.Query.CreatedAt, &item.Answer); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		item.Query.Intent = models.Intent(intent)
		item.Query.Status = models.QueryStatus(status)
		if len(refs) > 0 {
			_ = json.Unmarshal(refs, &item.Query.References)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CreateUser registers an account for the HTTP shell.
func (s *Store) CreateUser(ctx context.Context, email, hash, role string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, role, created_at) VALUES ($1,$2,$3,$4,NOW())`,
		uuid.NewString(), email, hash, role)
	return err
}

// GetUserByEmail returns the user's id, password hash and role.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id, hash, role string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash, role FROM users WHERE email = $1`, email).Scan(&id, &hash, &role)
	return
}
