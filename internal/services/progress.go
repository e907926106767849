package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"quizsync-backend-go/internal/models"
)

const progressColumns = `id, user_id, content_set_id, question_id, record_type, is_correct, time_spent, completed_count, correct_count, last_accessed, metadata, created_at`

// maxSessionItems bounds one beacon batch.
const maxSessionItems = 1000

var errMissingAnswer = errors.New("progress row missing after write")

type Stats struct {
	ContentSetID       string     `json:"contentSetId"`
	TotalQuestions     int64      `json:"totalQuestions"`
	CompletedQuestions int64      `json:"completedQuestions"`
	CorrectAnswers     int64      `json:"correctAnswers"`
	TotalTimeSpent     int64      `json:"totalTimeSpent"`
	Accuracy           float64    `json:"accuracy"`
	ProgressPercentage float64    `json:"progressPercentage"`
	LastActivity       *time.Time `json:"lastActivity"`
}

type AnswerInput struct {
	UserID       string `json:"userId"`
	ContentSetID string `json:"contentSetId"`
	QuestionID   string `json:"questionId"`
	IsCorrect    *bool  `json:"isCorrect"`
	TimeSpent    int64  `json:"timeSpent"`
}

func (in AnswerInput) validate() error {
	if err := requireIDs(in.UserID, in.ContentSetID); err != nil {
		return err
	}
	if strings.TrimSpace(in.QuestionID) == "" {
		return ErrValidation("questionId is required")
	}
	if in.IsCorrect == nil {
		return ErrValidation("isCorrect must be a boolean")
	}
	if in.TimeSpent < 0 {
		return ErrValidation("timeSpent must not be negative")
	}
	return nil
}

type DetailedInput struct {
	AnswerInput
	Metadata json.RawMessage `json:"metadata"`
}

type SessionItem struct {
	QuestionID string `json:"questionId"`
	IsCorrect  *bool  `json:"isCorrect"`
	TimeSpent  int64  `json:"timeSpent"`
}

// SessionBatch is a batch of answers flushed by a closing page. The optional
// counters are the client's own view of the session; when absent they default
// to the batch's distinct and correct counts.
type SessionBatch struct {
	UserID             string        `json:"userId"`
	ContentSetID       string        `json:"contentSetId"`
	SessionID          string        `json:"sessionId"`
	Items              []SessionItem `json:"progress"`
	CompletedQuestions *int64        `json:"completedQuestions,omitempty"`
	CorrectAnswers     *int64        `json:"correctAnswers,omitempty"`
}

func (b SessionBatch) Validate() error {
	if err := requireIDs(b.UserID, b.ContentSetID); err != nil {
		return err
	}
	if strings.TrimSpace(b.SessionID) == "" {
		return ErrValidation("sessionId is required")
	}
	if len(b.Items) == 0 {
		return ErrValidation("progress must contain at least one item")
	}
	if len(b.Items) > maxSessionItems {
		return ErrValidation("progress has too many items")
	}
	for _, item := range b.Items {
		in := AnswerInput{UserID: b.UserID, ContentSetID: b.ContentSetID, QuestionID: item.QuestionID, IsCorrect: item.IsCorrect, TimeSpent: item.TimeSpent}
		if err := in.validate(); err != nil {
			return err
		}
	}
	if b.CompletedQuestions != nil && *b.CompletedQuestions < 0 {
		return ErrValidation("completedQuestions must not be negative")
	}
	if b.CorrectAnswers != nil && *b.CorrectAnswers < 0 {
		return ErrValidation("correctAnswers must not be negative")
	}
	return nil
}

// batchCounts returns the distinct answered and correct counts of the batch,
// with the last item for a question winning.
func (b SessionBatch) batchCounts() (completed, correct, timeSpent int64) {
	last := make(map[string]bool, len(b.Items))
	for _, item := range b.Items {
		last[item.QuestionID] = *item.IsCorrect
		timeSpent += item.TimeSpent
	}
	completed = int64(len(last))
	for _, ok := range last {
		if ok {
			correct++
		}
	}
	if b.CompletedQuestions != nil {
		completed = *b.CompletedQuestions
	}
	if b.CorrectAnswers != nil {
		correct = *b.CorrectAnswers
	}
	return completed, correct, timeSpent
}

type SessionResult struct {
	Stats   Stats                     `json:"stats"`
	Summary models.SessionSummary     `json:"summary"`
	Answers []models.IndividualAnswer `json:"answers"`
}

type Snapshot struct {
	ContentSetID string                    `json:"contentSetId"`
	Stats        Stats                     `json:"stats"`
	Answers      []models.IndividualAnswer `json:"answers"`
	Session      *models.SessionSummary    `json:"session"`
}

type SetSummary struct {
	ContentSetID string     `json:"contentSetId"`
	Title        string     `json:"title"`
	Completed    int64      `json:"completed"`
	Total        int64      `json:"total"`
	Correct      int64      `json:"correct"`
	Accuracy     float64    `json:"accuracy"`
	LastActivity *time.Time `json:"lastActivity"`
}

type ProgressService struct {
	DB  *sqlx.DB
	Now func() time.Time
}

func NewProgressService(db *sqlx.DB) *ProgressService {
	return &ProgressService{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *ProgressService) now() time.Time {
	return s.Now().UTC()
}

// RecordAnswer upserts the answer row for the question and recomputes stats in
// the same transaction.
func (s *ProgressService) RecordAnswer(ctx context.Context, in AnswerInput) (Stats, models.IndividualAnswer, error) {
	if err := in.validate(); err != nil {
		return Stats{}, models.IndividualAnswer{}, err
	}
	now := s.now()
	var (
		stats  Stats
		answer models.IndividualAnswer
	)
	err := inTx(ctx, s.DB, "record answer", func(tx *sqlx.Tx) error {
		if err := ensureContentSet(ctx, tx, in.ContentSetID); err != nil {
			return err
		}
		if err := upsertAnswer(ctx, tx, in.UserID, in.ContentSetID, in.QuestionID, *in.IsCorrect, in.TimeSpent, now); err != nil {
			return err
		}
		answers, err := loadAnswers(ctx, tx, in.UserID, in.ContentSetID, []string{in.QuestionID})
		if err != nil {
			return err
		}
		if len(answers) != 1 {
			return ErrStore("record answer", errMissingAnswer)
		}
		answer = answers[0]
		stats, err = computeStats(ctx, tx, in.UserID, in.ContentSetID)
		return err
	})
	if err != nil {
		return Stats{}, models.IndividualAnswer{}, err
	}
	return stats, answer, nil
}

// RecordDetailed appends an audit row; detailed rows are never deduplicated.
func (s *ProgressService) RecordDetailed(ctx context.Context, in DetailedInput) (Stats, models.DetailedProgress, error) {
	if err := in.validate(); err != nil {
		return Stats{}, models.DetailedProgress{}, err
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return Stats{}, models.DetailedProgress{}, ErrValidation("metadata must be valid JSON")
	}
	now := s.now()
	record := models.DetailedProgress{
		RecordKey: models.RecordKey{
			ID:           uuid.NewString(),
			UserID:       in.UserID,
			ContentSetID: in.ContentSetID,
			LastAccessed: now,
		},
		QuestionID: in.QuestionID,
		IsCorrect:  *in.IsCorrect,
		TimeSpent:  in.TimeSpent,
		Metadata:   in.Metadata,
	}
	row, err := models.Row(record)
	if err != nil {
		return Stats{}, models.DetailedProgress{}, ErrValidation("metadata must be valid JSON")
	}
	row.CreatedAt = now
	var stats Stats
	err = inTx(ctx, s.DB, "record detailed progress", func(tx *sqlx.Tx) error {
		if err := ensureContentSet(ctx, tx, in.ContentSetID); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `
INSERT INTO progress (`+progressColumns+`)
VALUES (:id, :user_id, :content_set_id, :question_id, :record_type, :is_correct, :time_spent, :completed_count, :correct_count, :last_accessed, :metadata, :created_at)`, row); err != nil {
			return err
		}
		var err error
		stats, err = computeStats(ctx, tx, in.UserID, in.ContentSetID)
		return err
	})
	if err != nil {
		return Stats{}, models.DetailedProgress{}, err
	}
	return stats, record, nil
}

// ResetProgress deletes every record of the pair and reports how many went.
func (s *ProgressService) ResetProgress(ctx context.Context, userID, contentSetID string) (int64, error) {
	if err := requireIDs(userID, contentSetID); err != nil {
		return 0, err
	}
	var deleted int64
	err := inTx(ctx, s.DB, "reset progress", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM progress WHERE user_id = ? AND content_set_id = ?`), userID, contentSetID)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *ProgressService) Stats(ctx context.Context, userID, contentSetID string) (Stats, error) {
	if err := requireIDs(userID, contentSetID); err != nil {
		return Stats{}, err
	}
	if err := ensureContentSet(ctx, s.DB, contentSetID); err != nil {
		return Stats{}, ErrStore("stats", err)
	}
	stats, err := computeStats(ctx, s.DB, userID, contentSetID)
	if err != nil {
		return Stats{}, ErrStore("stats", err)
	}
	return stats, nil
}

// Snapshot is what a reconnecting device needs to rebuild its view of a set.
func (s *ProgressService) Snapshot(ctx context.Context, userID, contentSetID string) (Snapshot, error) {
	if err := requireIDs(userID, contentSetID); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{ContentSetID: contentSetID, Answers: []models.IndividualAnswer{}}
	err := inTx(ctx, s.DB, "progress snapshot", func(tx *sqlx.Tx) error {
		if err := ensureContentSet(ctx, tx, contentSetID); err != nil {
			return err
		}
		rows := []models.ProgressRow{}
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(`
SELECT `+progressColumns+`
FROM progress
WHERE user_id = ? AND content_set_id = ?
  AND record_type IN ('individual_answer','session_summary')
ORDER BY question_id`), userID, contentSetID); err != nil {
			return err
		}
		for _, row := range rows {
			record, err := row.Decode()
			if err != nil {
				return err
			}
			switch r := record.(type) {
			case models.IndividualAnswer:
				snap.Answers = append(snap.Answers, r)
			case models.SessionSummary:
				summary := r
				snap.Session = &summary
			}
		}
		var err error
		snap.Stats, err = computeStats(ctx, tx, userID, contentSetID)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Summary lists every content set of the catalog with the user's rollup;
// untouched sets come back with zero counts.
func (s *ProgressService) Summary(ctx context.Context, userID string) ([]SetSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation("userId is required")
	}
	rows := []struct {
		ContentSetID string   `db:"content_set_id"`
		Title        string   `db:"title"`
		Total        int64    `db:"total"`
		Completed    int64    `db:"completed"`
		Correct      int64    `db:"correct"`
		LastActivity nullTime `db:"last_activity"`
	}{}
	if err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(`
SELECT cs.id AS content_set_id,
       cs.title AS title,
       (SELECT COUNT(*) FROM questions q WHERE q.content_set_id = cs.id) AS total,
       COUNT(DISTINCT p.question_id) AS completed,
       CAST(COALESCE(SUM(CASE WHEN p.is_correct THEN 1 ELSE 0 END), 0) AS BIGINT) AS correct,
       MAX(p.last_accessed) AS last_activity
FROM content_sets cs
LEFT JOIN progress p
  ON p.content_set_id = cs.id
 AND p.user_id = ?
 AND p.record_type = 'individual_answer'
GROUP BY cs.id, cs.title
ORDER BY cs.id`), userID); err != nil {
		return nil, ErrStore("progress summary", err)
	}
	items := make([]SetSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, SetSummary{
			ContentSetID: row.ContentSetID,
			Title:        row.Title,
			Completed:    row.Completed,
			Total:        row.Total,
			Correct:      row.Correct,
			Accuracy:     ratio(row.Correct, row.Completed),
			LastActivity: row.LastActivity.Ptr(),
		})
	}
	return items, nil
}

// IngestSession applies a beacon batch: each item is upserted like a live
// answer and the session summary row is merged. Time accumulates; the
// completed and correct counters only ever grow.
func (s *ProgressService) IngestSession(ctx context.Context, batch SessionBatch) (SessionResult, error) {
	if err := batch.Validate(); err != nil {
		return SessionResult{}, err
	}
	now := s.now()
	batchCompleted, batchCorrect, batchTime := batch.batchCounts()
	var result SessionResult
	err := inTx(ctx, s.DB, "ingest session", func(tx *sqlx.Tx) error {
		if err := ensureContentSet(ctx, tx, batch.ContentSetID); err != nil {
			return err
		}
		questionIDs := make([]string, 0, len(batch.Items))
		for _, item := range batch.Items {
			if err := upsertAnswer(ctx, tx, batch.UserID, batch.ContentSetID, item.QuestionID, *item.IsCorrect, item.TimeSpent, now); err != nil {
				return err
			}
			questionIDs = append(questionIDs, item.QuestionID)
		}
		answers, err := loadAnswers(ctx, tx, batch.UserID, batch.ContentSetID, dedupeIDs(questionIDs))
		if err != nil {
			return err
		}
		stats, err := computeStats(ctx, tx, batch.UserID, batch.ContentSetID)
		if err != nil {
			return err
		}

		summary := models.SessionSummary{
			RecordKey: models.RecordKey{
				ID:           uuid.NewString(),
				UserID:       batch.UserID,
				ContentSetID: batch.ContentSetID,
				LastAccessed: now,
			},
			TotalTimeSpent:     batchTime,
			CompletedQuestions: maxInt64(stats.CompletedQuestions, batchCompleted),
			CorrectAnswers:     maxInt64(stats.CorrectAnswers, batchCorrect),
			Meta:               models.SessionSummaryMeta{LastSessionID: batch.SessionID, ItemCount: len(batch.Items)},
		}
		row, err := models.Row(summary)
		if err != nil {
			return err
		}
		row.CreatedAt = now
		if _, err := tx.NamedExecContext(ctx, `
INSERT INTO progress (`+progressColumns+`)
VALUES (:id, :user_id, :content_set_id, :question_id, :record_type, :is_correct, :time_spent, :completed_count, :correct_count, :last_accessed, :metadata, :created_at)
ON CONFLICT (user_id, content_set_id, question_id, record_type)
  WHERE record_type IN ('individual_answer','session_summary')
DO UPDATE SET
  time_spent = progress.time_spent + excluded.time_spent,
  completed_count = CASE WHEN excluded.completed_count > progress.completed_count THEN excluded.completed_count ELSE progress.completed_count END,
  correct_count = CASE WHEN excluded.correct_count > progress.correct_count THEN excluded.correct_count ELSE progress.correct_count END,
  last_accessed = excluded.last_accessed,
  metadata = excluded.metadata`, row); err != nil {
			return err
		}

		var stored models.ProgressRow
		if err := tx.GetContext(ctx, &stored, tx.Rebind(`
SELECT `+progressColumns+`
FROM progress
WHERE user_id = ? AND content_set_id = ? AND question_id = ? AND record_type = 'session_summary'`),
			batch.UserID, batch.ContentSetID, models.SessionSummaryQuestionID); err != nil {
			return err
		}
		record, err := stored.Decode()
		if err != nil {
			return err
		}
		merged, ok := record.(models.SessionSummary)
		if !ok {
			return ErrStore("ingest session", errMissingAnswer)
		}
		result = SessionResult{Stats: stats, Summary: merged, Answers: answers}
		return nil
	})
	if err != nil {
		return SessionResult{}, err
	}
	return result, nil
}

func upsertAnswer(ctx context.Context, tx *sqlx.Tx, userID, contentSetID, questionID string, isCorrect bool, timeSpent int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO progress (`+progressColumns+`)
VALUES (?, ?, ?, ?, 'individual_answer', ?, ?, 0, 0, ?, '{}', ?)
ON CONFLICT (user_id, content_set_id, question_id, record_type)
  WHERE record_type IN ('individual_answer','session_summary')
DO UPDATE SET
  is_correct = excluded.is_correct,
  time_spent = excluded.time_spent,
  last_accessed = excluded.last_accessed`),
		uuid.NewString(), userID, contentSetID, questionID, isCorrect, timeSpent, now, now)
	return err
}

func loadAnswers(ctx context.Context, tx *sqlx.Tx, userID, contentSetID string, questionIDs []string) ([]models.IndividualAnswer, error) {
	query, args, err := sqlx.In(`
SELECT `+progressColumns+`
FROM progress
WHERE user_id = ? AND content_set_id = ? AND record_type = 'individual_answer'
  AND question_id IN (?)
ORDER BY question_id`, userID, contentSetID, questionIDs)
	if err != nil {
		return nil, err
	}
	rows := []models.ProgressRow{}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	answers := make([]models.IndividualAnswer, 0, len(rows))
	for _, row := range rows {
		record, err := row.Decode()
		if err != nil {
			return nil, err
		}
		if answer, ok := record.(models.IndividualAnswer); ok {
			answers = append(answers, answer)
		}
	}
	return answers, nil
}

type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func ensureContentSet(ctx context.Context, q queryer, contentSetID string) error {
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, q.Rebind(`SELECT EXISTS(SELECT 1 FROM content_sets WHERE id = ?)`), contentSetID); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound("Content set not found")
	}
	return nil
}

// computeStats only counts individual answers; detailed rows are an audit
// trail and the session summary is a merged view of the same answers.
func computeStats(ctx context.Context, q queryer, userID, contentSetID string) (Stats, error) {
	var row struct {
		Total        int64    `db:"total_questions"`
		Completed    int64    `db:"completed_questions"`
		Correct      int64    `db:"correct_answers"`
		TimeSpent    int64    `db:"total_time_spent"`
		LastActivity nullTime `db:"last_activity"`
	}
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
SELECT (SELECT COUNT(*) FROM questions WHERE content_set_id = ?) AS total_questions,
       COUNT(DISTINCT p.question_id) AS completed_questions,
       CAST(COALESCE(SUM(CASE WHEN p.is_correct THEN 1 ELSE 0 END), 0) AS BIGINT) AS correct_answers,
       CAST(COALESCE(SUM(p.time_spent), 0) AS BIGINT) AS total_time_spent,
       MAX(p.last_accessed) AS last_activity
FROM progress p
WHERE p.user_id = ? AND p.content_set_id = ? AND p.record_type = 'individual_answer'`),
		contentSetID, userID, contentSetID); err != nil {
		return Stats{}, err
	}
	progress := ratio(row.Completed, row.Total) * 100
	if progress > 100 {
		progress = 100
	}
	return Stats{
		ContentSetID:       contentSetID,
		TotalQuestions:     row.Total,
		CompletedQuestions: row.Completed,
		CorrectAnswers:     row.Correct,
		TotalTimeSpent:     row.TimeSpent,
		Accuracy:           ratio(row.Correct, row.Completed),
		ProgressPercentage: progress,
		LastActivity:       row.LastActivity.Ptr(),
	}, nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
